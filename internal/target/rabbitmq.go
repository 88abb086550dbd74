package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/supplier"
)

// 事件类型
const (
	EventFileAdded    = "file_added"
	EventSupplyDone   = "supply_done"
	EventSupplyFailed = "supply_failed"
)

// Event 是发往 FAM 的消息体。
type Event struct {
	Type        string    `json:"type"`
	RecordID    string    `json:"record_id,omitempty"`
	SupplierID  string    `json:"supplier_id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description,omitempty"`
	SessionID   string    `json:"session_id"`
	Path        string    `json:"path,omitempty"`
	Diagnostic  string    `json:"diagnostic,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher 是 *amqp.Channel 的发布子集。
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQConfig 描述事件投递位置。Exchange 为空时直接投递到以 RoutingKey 命名的队列。
type RabbitMQConfig struct {
	URL        string `yaml:"url" json:"url"`
	Exchange   string `yaml:"exchange" json:"exchange"`
	RoutingKey string `yaml:"routing_key" json:"routing_key"`
}

// RabbitMQTarget 以事件形式把供应结果发布到 RabbitMQ。
type RabbitMQTarget struct {
	pub        Publisher
	exchange   string
	routingKey string
	closers    []func() error
}

// NewRabbitMQTarget 使用已有的发布通道。
func NewRabbitMQTarget(pub Publisher, exchange, routingKey string) *RabbitMQTarget {
	if routingKey == "" {
		routingKey = "fam.supply"
	}
	return &RabbitMQTarget{pub: pub, exchange: exchange, routingKey: routingKey}
}

// DialRabbitMQTarget 建立连接并声明交换机或队列。
func DialRabbitMQTarget(cfg RabbitMQConfig) (*RabbitMQTarget, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	t := NewRabbitMQTarget(ch, cfg.Exchange, cfg.RoutingKey)
	if cfg.Exchange != "" {
		err = ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil)
	} else {
		_, err = ch.QueueDeclare(t.routingKey, true, false, false, false, nil)
	}
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 目标失败: %w", err)
	}
	t.closers = []func() error{ch.Close, conn.Close}
	return t, nil
}

func (t *RabbitMQTarget) NotifyFileAdded(ctx context.Context, path string, info supplier.Info) (supplier.Record, error) {
	record := supplier.Record{
		ID:         uuid.NewString(),
		Path:       path,
		SupplierID: info.ID,
		SessionID:  info.SessionID,
		AddedAt:    time.Now(),
	}
	event := newEvent(EventFileAdded, info)
	event.RecordID = record.ID
	event.Path = path
	event.OccurredAt = record.AddedAt
	if err := t.publish(ctx, event); err != nil {
		return supplier.Record{}, err
	}
	return record, nil
}

func (t *RabbitMQTarget) NotifyFileSupplyingDone(ctx context.Context, info supplier.Info) error {
	return t.publish(ctx, newEvent(EventSupplyDone, info))
}

func (t *RabbitMQTarget) NotifyFileSupplyingFailed(ctx context.Context, info supplier.Info, diagnostic string) error {
	event := newEvent(EventSupplyFailed, info)
	event.Diagnostic = diagnostic
	return t.publish(ctx, event)
}

func (t *RabbitMQTarget) publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	key := t.routingKey
	if t.exchange != "" {
		key = t.routingKey + "." + event.Type
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.RecordID,
		Type:         event.Type,
		Timestamp:    event.OccurredAt,
		Body:         body,
	}
	if err := t.pub.PublishWithContext(ctx, t.exchange, key, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("发布 %s 事件失败", event.Type))
	}
	return nil
}

// Close 关闭自行建立的连接。
func (t *RabbitMQTarget) Close() error {
	var errs []error
	for _, closeFn := range t.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newEvent(kind string, info supplier.Info) Event {
	return Event{
		Type:        kind,
		SupplierID:  info.ID,
		Kind:        info.Kind,
		Description: info.Description,
		SessionID:   info.SessionID,
		OccurredAt:  time.Now(),
	}
}

var _ supplier.Target = (*RabbitMQTarget)(nil)
