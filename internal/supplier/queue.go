package supplier

import (
	"context"
	"errors"
)

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = errors.New("queue closed")

// Queue 是发现循环与派发循环之间的工作队列。
// 实现需支持并发的生产者与多个消费者，且同一元素只交给一个消费者。
type Queue interface {
	Publish(ctx context.Context, file File) error
	// Receive 阻塞直到有文件可取或 ctx 结束。
	Receive(ctx context.Context) (File, error)
	// TryReceive 不阻塞，队列为空时返回 false。
	TryReceive(ctx context.Context) (File, bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
