package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog   Channel = "log"
	ChannelRedis Channel = "redis"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	SupplierID string            `json:"supplier_id"`
	SessionID  string            `json:"session_id,omitempty"`
	Path       string            `json:"path,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
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
	return errors.Join(errs...)
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Audit()
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	l.Log(context.Background(), level, "supplier_alert",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("supplier_id", event.SupplierID),
		slog.String("session_id", event.SessionID),
		slog.String("path", event.Path),
		slog.String("message", event.Message),
		slog.Any("metadata", event.Metadata),
	)
	return nil
}

// RedisNotifier 通过 Redis Pub/Sub 发布告警，供宿主侧订阅展示。
type RedisNotifier struct {
	Client  redis.UniversalClient
	Subject string
}

// Channel 返回 Redis 渠道。
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify 以 JSON 形式发布事件。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Client == nil {
		logger.L().Warn("RedisNotifier 未正确配置，跳过发送", slog.String("supplier_id", event.SupplierID))
		return nil
	}
	subject := n.Subject
	if subject == "" {
		subject = "famsupply:alerts"
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码告警失败: %w", err)
	}
	return n.Client.Publish(ctx, subject, payload).Err()
}
