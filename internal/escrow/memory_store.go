package escrow

import (
	"context"
	"sync"

	xerrors "AgentMesh/internal/errors"
)

// MemoryStore 是 Store 的内存实现，读写全部基于深拷贝，调用方拿到的
// 合约永远是快照。
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: make(map[string]*Contract)}
}

// Create 实现 Store 接口。
func (s *MemoryStore) Create(_ context.Context, contract *Contract) error {
	if contract == nil || contract.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管合约不完整")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contracts[contract.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "托管合约 ID 已存在")
	}
	s.contracts[contract.ID] = cloneContract(contract)
	return nil
}

// Get 实现 Store 接口。
func (s *MemoryStore) Get(_ context.Context, id string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contract, ok := s.contracts[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return cloneContract(contract), nil
}

// Update 实现 Store 接口。
func (s *MemoryStore) Update(_ context.Context, contract *Contract) error {
	if contract == nil || contract.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管合约不完整")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[contract.ID]; !ok {
		return ErrEscrowNotFound
	}
	s.contracts[contract.ID] = cloneContract(contract)
	return nil
}

// ListByAgent 实现 Store 接口。
func (s *MemoryStore) ListByAgent(_ context.Context, agentID string) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Contract, 0)
	for _, contract := range s.contracts {
		if contract.AgentID == agentID {
			out = append(out, cloneContract(contract))
		}
	}
	return out, nil
}

// ListActive 实现 Store 接口。
func (s *MemoryStore) ListActive(_ context.Context) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Contract, 0)
	for _, contract := range s.contracts {
		if !contract.State.IsTerminal() {
			out = append(out, cloneContract(contract))
		}
	}
	return out, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
