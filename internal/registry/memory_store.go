package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "AgentMesh/internal/errors"
)

// MemoryStore 以内存方式保存智能体档案。写操作在 store 级互斥锁下执行，
// 因此同一智能体的信誉与计数更新天然串行。
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	identity map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*Agent),
		identity: make(map[string]string),
	}
}

func identityKey(owner, name string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(name)
}

// Create 实现 Store 接口。同一 owner/name 身份只允许注册一次。
func (m *MemoryStore) Create(_ context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return ErrDuplicateAgent
	}
	key := identityKey(agent.Owner, agent.Name)
	if _, ok := m.identity[key]; ok {
		return ErrDuplicateAgent
	}
	if agent.RegisteredAt == 0 {
		agent.RegisteredAt = time.Now().Unix()
	}
	m.agents[agent.ID] = cloneAgent(agent)
	m.identity[key] = agent.ID
	return nil
}

// Get 返回智能体档案。
func (m *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

// List 返回全部智能体档案。
func (m *MemoryStore) List(_ context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		results = append(results, cloneAgent(agent))
	}
	return results, nil
}

// UpdateOutcome 应用一次执行结果：更新信誉并累加计数。
func (m *MemoryStore) UpdateOutcome(_ context.Context, id string, success bool, alpha float64) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	agent.Reputation = UpdateReputation(agent.Reputation, success, alpha)
	agent.Attempted++
	if success {
		agent.Succeeded++
	}
	return cloneAgent(agent), nil
}

// Delete 移除智能体档案。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	delete(m.identity, identityKey(agent.Owner, agent.Name))
	delete(m.agents, id)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
