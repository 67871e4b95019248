package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件：账本冻结、分账回滚失败、存证重试
// 耗尽等必须有人跟进的情况。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	AgentID    string
	EscrowID   string
	Metadata   map[string]string
	OccurredAt time.Time
}

// FromError 从统一错误构造告警事件。
func FromError(err error, agentID, escrowID string) Event {
	event := Event{
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Code:       xerrors.CodeOf(err),
		AgentID:    agentID,
		EscrowID:   escrowID,
		OccurredAt: time.Now(),
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把告警写入审计日志，是兜底渠道。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Error("告警事件",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("message", event.Message),
		slog.String("agent_id", event.AgentID),
		slog.String("escrow_id", event.EscrowID),
	)
	return nil
}

// WebhookSender 定义向外部 Webhook 投递告警所需的能力。
type WebhookSender interface {
	Send(ctx context.Context, content string) error
}

// WebhookNotifier 通过 Webhook 发送告警。
type WebhookNotifier struct {
	Sender WebhookSender
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 Webhook 消息。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送",
			slog.String("code", string(event.Code)))
		return nil
	}
	content := fmt.Sprintf("[%s] %s\n时间: %s\n错误码: %s",
		event.Severity, event.Message, event.OccurredAt.Format(time.RFC3339), event.Code)
	if event.AgentID != "" {
		content += "\nagent: " + event.AgentID
	}
	if event.EscrowID != "" {
		content += "\nescrow: " + event.EscrowID
	}
	for k, v := range event.Metadata {
		content += fmt.Sprintf("\n- %s: %s", k, v)
	}
	return n.Sender.Send(ctx, content)
}

var (
	_ Notifier = LogNotifier{}
	_ Notifier = (*WebhookNotifier)(nil)
)
