package funds

import (
	"context"
	"sync"

	"github.com/google/uuid"

	xerrors "AgentMesh/internal/errors"
)

type memoryLock struct {
	id       LockID
	account  string
	amount   int64
	released bool
}

// MemoryProvider 以内存方式模拟资金方，支持幂等键，主要用于测试
// 与单机部署。
type MemoryProvider struct {
	mu          sync.Mutex
	balances    map[string]int64
	locks       map[LockID]*memoryLock
	idempotency map[string]any
}

// NewMemoryProvider 创建内存资金方。
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		balances:    make(map[string]int64),
		locks:       make(map[LockID]*memoryLock),
		idempotency: make(map[string]any),
	}
}

// Fund 为账户充值，仅测试与演示使用。
func (m *MemoryProvider) Fund(account string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

// Balance 返回账户可用余额。
func (m *MemoryProvider) Balance(account string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

// Lock 实现 Provider 接口。
func (m *MemoryProvider) Lock(_ context.Context, account string, amount int64, idempotencyKey string) (LockID, error) {
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "锁定金额必须为正")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if idempotencyKey != "" {
		if prior, ok := m.idempotency[idempotencyKey]; ok {
			return prior.(LockID), nil
		}
	}
	if m.balances[account] < amount {
		return "", ErrInsufficientBalance
	}
	lock := &memoryLock{id: LockID(uuid.NewString()), account: account, amount: amount}
	m.balances[account] -= amount
	m.locks[lock.id] = lock
	if idempotencyKey != "" {
		m.idempotency[idempotencyKey] = lock.id
	}
	return lock.id, nil
}

// Release 实现 Provider 接口。重复释放是幂等的。
func (m *MemoryProvider) Release(_ context.Context, lockID LockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[lockID]
	if !ok {
		return ErrLockNotFound
	}
	if lock.released {
		return nil
	}
	lock.released = true
	m.balances[lock.account] += lock.amount
	return nil
}

// Transfer 实现 Provider 接口。from 以 "lock:" 前缀引用一笔锁定时，
// 从该锁定中划转；否则从账户可用余额划转。
func (m *MemoryProvider) Transfer(_ context.Context, from, to string, amount int64, idempotencyKey string) (TxRef, error) {
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if idempotencyKey != "" {
		if prior, ok := m.idempotency[idempotencyKey]; ok {
			return prior.(TxRef), nil
		}
	}
	if lockRef, ok := parseLockRef(from); ok {
		lock, found := m.locks[lockRef]
		if !found {
			return "", ErrLockNotFound
		}
		if lock.released || lock.amount < amount {
			return "", ErrInsufficientBalance
		}
		lock.amount -= amount
		if lock.amount == 0 {
			lock.released = true
		}
	} else {
		if m.balances[from] < amount {
			return "", ErrInsufficientBalance
		}
		m.balances[from] -= amount
	}
	m.balances[to] += amount
	ref := TxRef(uuid.NewString())
	if idempotencyKey != "" {
		m.idempotency[idempotencyKey] = ref
	}
	return ref, nil
}

// LockRef 把锁定 ID 编码为 Transfer 可识别的来源。
func LockRef(lockID LockID) string {
	return "lock:" + string(lockID)
}

func parseLockRef(from string) (LockID, bool) {
	const prefix = "lock:"
	if len(from) > len(prefix) && from[:len(prefix)] == prefix {
		return LockID(from[len(prefix):]), true
	}
	return "", false
}

var _ Provider = (*MemoryProvider)(nil)
