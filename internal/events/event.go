package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	xerrors "AgentMesh/internal/errors"
)

// Entity 表示事件日志中的实体类别。
type Entity string

const (
	EntityAgent        Entity = "agent"
	EntityStake        Entity = "stake"
	EntityEscrow       Entity = "escrow"
	EntityDistribution Entity = "distribution"
	EntityRoute        Entity = "route"
	EntityCompliance   Entity = "compliance"
)

// Event 是追加写入日志的最小单元。Payload 与 Snapshot 均为 JSON 编码：
// Payload 记录这次变更本身，Snapshot（可选）携带变更后的实体全量状态，
// 供快照表刷新使用。
type Event struct {
	ID         string          `json:"id"`
	Entity     Entity          `json:"entity"`
	EntityID   string          `json:"entity_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	OccurredAt int64           `json:"occurred_at"`
}

// Log 抽象了按实体追加与回放事件的持久化接口。
type Log interface {
	Append(ctx context.Context, event *Event) error
	Replay(ctx context.Context, entity Entity, entityID string) ([]*Event, error)
	Close() error
}

// Handler 处理来自事件流的单条事件。
type Handler func(ctx context.Context, event Event) error

// Producer 负责向事件流投递事件。
type Producer interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责从事件流消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Stream 同时具备生产者与消费者能力。
type Stream interface {
	Producer
	Consumer
}

// Recorder 将日志落盘与事件流广播合并为一次调用，供业务模块使用。
// 日志写入失败会返回错误；广播失败只记录，不影响业务路径。
type Recorder struct {
	log      Log
	producer Producer
}

// NewRecorder 构造 Recorder。producer 可以为 nil。
func NewRecorder(log Log, producer Producer) *Recorder {
	return &Recorder{log: log, producer: producer}
}

// Record 序列化载荷并追加事件。
func (r *Recorder) Record(ctx context.Context, entity Entity, entityID, kind string, payload any, snapshot any) error {
	if r == nil || r.log == nil {
		return nil
	}
	event := &Event{
		ID:         uuid.NewString(),
		Entity:     entity,
		EntityID:   entityID,
		Kind:       kind,
		OccurredAt: time.Now().Unix(),
	}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "事件载荷序列化失败")
		}
		event.Payload = encoded
	}
	if snapshot != nil {
		encoded, err := json.Marshal(snapshot)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "实体快照序列化失败")
		}
		event.Snapshot = encoded
	}
	if err := r.log.Append(ctx, event); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "事件日志写入失败")
	}
	if r.producer != nil {
		// 广播是尽力而为，失败不阻塞业务写路径。
		_ = r.producer.Publish(ctx, *event)
	}
	return nil
}

// Replay 返回指定实体的全部事件，按写入顺序排列。
func (r *Recorder) Replay(ctx context.Context, entity Entity, entityID string) ([]*Event, error) {
	if r == nil || r.log == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "事件日志未初始化")
	}
	return r.log.Replay(ctx, entity, entityID)
}
