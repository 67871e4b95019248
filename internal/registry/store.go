package registry

import "context"

// Store 抽象了智能体档案的持久化接口。实现必须保证 UpdateOutcome
// 对同一智能体串行执行。
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	UpdateOutcome(ctx context.Context, id string, success bool, alpha float64) (*Agent, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
