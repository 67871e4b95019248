package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/events"
	"AgentMesh/pkg/logger"
)

// LockReason 标识一笔质押锁定的来源。
type LockReason string

const (
	LockReasonRegistration LockReason = "registration"
	LockReasonEscrow       LockReason = "escrow_collateral"
)

// StakeRecord 描述一笔锁定的质押。终态（已释放）不再变化。
type StakeRecord struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Amount     int64      `json:"amount"`
	Reason     LockReason `json:"reason"`
	CreatedAt  int64      `json:"created_at"`
	Released   bool       `json:"released"`
	ReleasedAt int64      `json:"released_at,omitempty"`
}

// BalanceView 是单个账户余额的只读快照。
type BalanceView struct {
	AgentID  string `json:"agent_id"`
	Staked   int64  `json:"staked"`
	Locked   int64  `json:"locked"`
	Unlocked int64  `json:"unlocked"`
	Frozen   bool   `json:"frozen"`
}

var (
	// ErrInsufficientFunds 表示可用余额不足以完成锁定或扣减。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "质押可用余额不足")
	// ErrLockNotFound 表示指定的锁定记录不存在。
	ErrLockNotFound = xerrors.New(CodeLockNotFound, "锁定记录不存在")
	// ErrAccountNotFound 表示账户尚未开立。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "质押账户不存在")
	// ErrAccountFrozen 表示账户因不变量被破坏而冻结，等待人工对账。
	ErrAccountFrozen = xerrors.New(CodeAccountFrozen, "质押账户已冻结", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrLedgerInconsistency 表示检测到锁定总额超过质押总额等致命问题。
	ErrLedgerInconsistency = xerrors.New(CodeLedgerInconsistency, "质押账本不变量被破坏", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeInsufficientFunds   xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeLockNotFound        xerrors.Code = "LOCK_NOT_FOUND"
	CodeAccountNotFound     xerrors.Code = "ACCOUNT_NOT_FOUND"
	CodeAccountFrozen       xerrors.Code = "ACCOUNT_FROZEN"
	CodeLedgerInconsistency xerrors.Code = "LEDGER_INCONSISTENCY"
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "insufficient unlocked stake",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLockNotFound, xerrors.Attributes{
		Message:   "stake lock not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:   "stake account not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAccountFrozen, xerrors.Attributes{
		Message:   "stake account frozen pending reconciliation",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeLedgerInconsistency, xerrors.Attributes{
		Message:   "stake ledger invariant violated",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// account 是单个智能体的账本行。mu 串行化该行上的全部写操作。
type account struct {
	mu      sync.Mutex
	agentID string
	staked  int64
	locked  int64
	frozen  bool
	locks   map[string]*StakeRecord
}

// Ledger 维护所有智能体的质押账本。同一账户上的操作串行执行，
// 不同账户完全并发。检测到不变量破坏时冻结该账户并停止后续写入。
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
	lockIdx  map[string]string
	recorder *events.Recorder
}

// New 创建一个空账本。recorder 可以为 nil。
func New(recorder *events.Recorder) *Ledger {
	return &Ledger{
		accounts: make(map[string]*account),
		lockIdx:  make(map[string]string),
		recorder: recorder,
	}
}

func (l *Ledger) getAccount(agentID string) (*account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[agentID]
	return acct, ok
}

func (l *Ledger) ensureAccount(agentID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[agentID]; ok {
		return acct
	}
	acct := &account{agentID: agentID, locks: make(map[string]*StakeRecord)}
	l.accounts[agentID] = acct
	return acct
}

// Deposit 为账户增加质押余额，账户不存在时自动开立。
func (l *Ledger) Deposit(ctx context.Context, agentID string, amount int64) error {
	if agentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "入账金额必须为正")
	}
	acct := l.ensureAccount(agentID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.frozen {
		return ErrAccountFrozen
	}
	acct.staked += amount
	l.record(ctx, acct, "deposit", map[string]any{"amount": amount})
	return nil
}

// Lock 从可用余额锁定指定金额，返回锁定记录。
func (l *Ledger) Lock(ctx context.Context, agentID string, amount int64, reason LockReason) (*StakeRecord, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "锁定金额必须为正")
	}
	acct, ok := l.getAccount(agentID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.frozen {
		return nil, ErrAccountFrozen
	}
	if acct.staked-acct.locked < amount {
		return nil, ErrInsufficientFunds
	}
	record := &StakeRecord{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now().Unix(),
	}
	acct.locked += amount
	acct.locks[record.ID] = record
	if err := l.verify(ctx, acct); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.lockIdx[record.ID] = agentID
	l.mu.Unlock()

	l.record(ctx, acct, "lock", record)
	clone := *record
	return &clone, nil
}

// Release 释放一笔锁定，将金额归还可用余额。
// 重复释放是幂等操作：返回首次释放的结果而不报错。
func (l *Ledger) Release(ctx context.Context, lockID string) (*StakeRecord, error) {
	l.mu.RLock()
	agentID, ok := l.lockIdx[lockID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrLockNotFound
	}
	acct, ok := l.getAccount(agentID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	record, ok := acct.locks[lockID]
	if !ok {
		return nil, ErrLockNotFound
	}
	if record.Released {
		clone := *record
		return &clone, nil
	}
	if acct.frozen {
		return nil, ErrAccountFrozen
	}
	record.Released = true
	record.ReleasedAt = time.Now().Unix()
	acct.locked -= record.Amount
	if err := l.verify(ctx, acct); err != nil {
		return nil, err
	}
	l.record(ctx, acct, "release", record)
	clone := *record
	return &clone, nil
}

// Slash 不可逆地罚没可用余额，仅由合规裁定的欺诈结论触发。
func (l *Ledger) Slash(ctx context.Context, agentID string, amount int64, cause string) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "罚没金额必须为正")
	}
	acct, ok := l.getAccount(agentID)
	if !ok {
		return ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.frozen {
		return ErrAccountFrozen
	}
	if acct.staked-acct.locked < amount {
		return ErrInsufficientFunds
	}
	acct.staked -= amount
	if err := l.verify(ctx, acct); err != nil {
		return err
	}
	logger.Audit().Warn("质押罚没",
		slog.String("agent_id", agentID),
		slog.Int64("amount", amount),
		slog.String("cause", cause),
	)
	l.record(ctx, acct, "slash", map[string]any{"amount": amount, "cause": cause})
	return nil
}

// Credit 为账户增加可用余额，用于收益分配入账。
func (l *Ledger) Credit(ctx context.Context, agentID string, amount int64) error {
	return l.Deposit(ctx, agentID, amount)
}

// Debit 扣减可用余额，用于分配回滚等内部补偿。
func (l *Ledger) Debit(ctx context.Context, agentID string, amount int64) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "扣减金额必须为正")
	}
	acct, ok := l.getAccount(agentID)
	if !ok {
		return ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.frozen {
		return ErrAccountFrozen
	}
	if acct.staked-acct.locked < amount {
		return ErrInsufficientFunds
	}
	acct.staked -= amount
	if err := l.verify(ctx, acct); err != nil {
		return err
	}
	l.record(ctx, acct, "debit", map[string]any{"amount": amount})
	return nil
}

// ReleaseByReason 释放账户上指定来源的全部活跃锁定，返回释放总额。
// 用于注销时归还注册质押。
func (l *Ledger) ReleaseByReason(ctx context.Context, agentID string, reason LockReason) (int64, error) {
	acct, ok := l.getAccount(agentID)
	if !ok {
		return 0, ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.frozen {
		return 0, ErrAccountFrozen
	}
	var released int64
	now := time.Now().Unix()
	for _, record := range acct.locks {
		if record.Released || record.Reason != reason {
			continue
		}
		record.Released = true
		record.ReleasedAt = now
		acct.locked -= record.Amount
		released += record.Amount
		l.record(ctx, acct, "release", record)
	}
	if err := l.verify(ctx, acct); err != nil {
		return released, err
	}
	return released, nil
}

// Balance 返回账户余额快照。
func (l *Ledger) Balance(agentID string) (BalanceView, error) {
	acct, ok := l.getAccount(agentID)
	if !ok {
		return BalanceView{}, ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return BalanceView{
		AgentID:  acct.agentID,
		Staked:   acct.staked,
		Locked:   acct.locked,
		Unlocked: acct.staked - acct.locked,
		Frozen:   acct.frozen,
	}, nil
}

// StakedAmount 返回账户的质押总额，账户不存在时为 0。
func (l *Ledger) StakedAmount(agentID string) int64 {
	view, err := l.Balance(agentID)
	if err != nil {
		return 0
	}
	return view.Staked
}

// verify 在每次写操作后校验账户不变量。调用方必须持有 acct.mu。
// 不变量被破坏时冻结账户并告警，绝不尝试自动修复。
func (l *Ledger) verify(ctx context.Context, acct *account) error {
	if acct.locked <= acct.staked && acct.locked >= 0 && acct.staked >= 0 {
		return nil
	}
	acct.frozen = true
	logger.L().Error("质押账本不变量被破坏，账户已冻结",
		slog.String("agent_id", acct.agentID),
		slog.Int64("staked", acct.staked),
		slog.Int64("locked", acct.locked),
	)
	l.record(ctx, acct, "freeze", map[string]any{"staked": acct.staked, "locked": acct.locked})
	return ErrLedgerInconsistency
}

// record 写入事件日志并附带余额快照。调用方必须持有 acct.mu。
func (l *Ledger) record(ctx context.Context, acct *account, kind string, payload any) {
	if l.recorder == nil {
		return
	}
	snapshot := BalanceView{
		AgentID:  acct.agentID,
		Staked:   acct.staked,
		Locked:   acct.locked,
		Unlocked: acct.staked - acct.locked,
		Frozen:   acct.frozen,
	}
	if err := l.recorder.Record(ctx, events.EntityStake, acct.agentID, kind, payload, snapshot); err != nil {
		logger.L().Error("质押事件落盘失败",
			slog.Any("error", err),
			slog.String("agent_id", acct.agentID),
			slog.String("kind", kind),
		)
	}
}
