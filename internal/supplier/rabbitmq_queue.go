package supplier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenFAM-Supply/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现工作队列。消息在取出时确认，
// 未取出的文件留在 broker 中等待下一次会话。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	cfg   RabbitMQConfig

	once       sync.Once
	deliveries <-chan amqp.Delivery
	consumeErr error
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	if cfg.Queue == "" {
		cfg.Queue = "famsupply.files"
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
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: cfg.Queue, cfg: cfg}, nil
}

// Publish 将文件投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, file File) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	body, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("编码文件失败: %w", err)
	}
	mode := amqp.Transient
	if q.cfg.Durable {
		mode = amqp.Persistent
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		Body:         body,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布文件失败")
	}
	return nil
}

func (q *RabbitMQQueue) consume() (<-chan amqp.Delivery, error) {
	q.once.Do(func() {
		q.deliveries, q.consumeErr = q.ch.Consume(q.queue, "", false, false, false, false, nil)
	})
	if q.consumeErr != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, q.consumeErr, "订阅 RabbitMQ 队列失败")
	}
	return q.deliveries, nil
}

// Receive 等待下一条消息。
func (q *RabbitMQQueue) Receive(ctx context.Context) (File, error) {
	if q == nil || q.ch == nil {
		return File{}, errors.New("RabbitMQ 队列未初始化")
	}
	msgs, err := q.consume()
	if err != nil {
		return File{}, err
	}
	select {
	case <-ctx.Done():
		return File{}, ctx.Err()
	case msg, ok := <-msgs:
		if !ok {
			return File{}, ErrQueueClosed
		}
		return q.ack(msg)
	}
}

// TryReceive 先检查消费者已收到的消息，再通过 basic.get 拉取。
func (q *RabbitMQQueue) TryReceive(ctx context.Context) (File, bool, error) {
	if q == nil || q.ch == nil {
		return File{}, false, errors.New("RabbitMQ 队列未初始化")
	}
	if err := ctx.Err(); err != nil {
		return File{}, false, err
	}
	msgs, err := q.consume()
	if err != nil {
		return File{}, false, err
	}
	select {
	case msg, ok := <-msgs:
		if ok {
			file, err := q.ack(msg)
			return file, err == nil, err
		}
	default:
	}
	msg, ok, err := q.ch.Get(q.queue, false)
	if err != nil {
		return File{}, false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 拉取文件失败")
	}
	if !ok {
		return File{}, false, nil
	}
	file, err := q.ack(msg)
	return file, err == nil, err
}

func (q *RabbitMQQueue) ack(msg amqp.Delivery) (File, error) {
	var file File
	if err := json.Unmarshal(msg.Body, &file); err != nil {
		// 无法解析的消息直接丢弃，避免反复投递。
		_ = msg.Nack(false, false)
		return File{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析 RabbitMQ 消息失败")
	}
	if err := msg.Ack(false); err != nil {
		return File{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "确认 RabbitMQ 消息失败")
	}
	return file, nil
}

// Len 返回 broker 中尚未投递给消费者的消息数。
func (q *RabbitMQQueue) Len(context.Context) (int, error) {
	if q == nil || q.ch == nil {
		return 0, errors.New("RabbitMQ 队列未初始化")
	}
	state, err := q.ch.QueueDeclarePassive(q.queue, q.cfg.Durable, q.cfg.AutoDelete, false, false, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "查询 RabbitMQ 队列失败")
	}
	return state.Messages, nil
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
