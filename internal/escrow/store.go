package escrow

import "context"

// Store 抽象了托管合约的持久化接口。
type Store interface {
	// Create 保存一份新合约。ID 冲突时返回错误。
	Create(ctx context.Context, contract *Contract) error
	// Get 按 ID 返回合约。
	Get(ctx context.Context, id string) (*Contract, error)
	// Update 覆盖保存合约的当前状态。
	Update(ctx context.Context, contract *Contract) error
	// ListByAgent 返回指定智能体参与的全部合约。
	ListByAgent(ctx context.Context, agentID string) ([]*Contract, error)
	// ListActive 返回全部处于非终态的合约。
	ListActive(ctx context.Context) ([]*Contract, error)
	// Close 释放底层资源。
	Close() error
}
