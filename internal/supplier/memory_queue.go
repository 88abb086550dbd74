package supplier

import (
	"context"
	"sync"
)

// MemoryQueue 是进程内的 FIFO 队列。size > 0 时为有界队列，满时 Publish 阻塞。
type MemoryQueue struct {
	mu     sync.Mutex
	items  []File
	size   int
	closed bool

	// ready/space 作为唤醒令牌，容量为 1。
	ready chan struct{}
	space chan struct{}
}

// NewMemoryQueue 创建一个内存队列，size <= 0 表示不限长度。
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		size:  size,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// Publish 将文件追加到队尾。
func (q *MemoryQueue) Publish(ctx context.Context, file File) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.size <= 0 || len(q.items) < q.size {
			q.items = append(q.items, file)
			if q.size > 0 && len(q.items) < q.size {
				signal(q.space)
			}
			q.mu.Unlock()
			signal(q.ready)
			return nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.space:
		}
	}
}

// Receive 取出队首文件，队列为空时等待。
func (q *MemoryQueue) Receive(ctx context.Context) (File, error) {
	for {
		file, ok, err := q.TryReceive(ctx)
		if err != nil || ok {
			return file, err
		}
		select {
		case <-ctx.Done():
			return File{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// TryReceive 非阻塞地取出队首文件。
func (q *MemoryQueue) TryReceive(ctx context.Context) (File, bool, error) {
	if err := ctx.Err(); err != nil {
		return File{}, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		if q.closed {
			signal(q.ready)
			return File{}, false, ErrQueueClosed
		}
		return File{}, false, nil
	}
	file := q.items[0]
	q.items[0] = File{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// 还有剩余元素时把令牌传给下一个等待者。
		signal(q.ready)
	}
	signal(q.space)
	return file, true, nil
}

// Len 返回当前排队数量。
func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Close 关闭队列，已排队的文件仍可被取出。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	signal(q.ready)
	signal(q.space)
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var _ Queue = (*MemoryQueue)(nil)
