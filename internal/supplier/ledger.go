package supplier

import (
	"context"
	"sync"
)

// Ledger 记录已进入队列的文件，保证重复轮询到的同一文件只入队一次。
type Ledger interface {
	// Claim 在键首次出现时返回 true。
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	Close() error
}

// MemoryLedger 是进程内的去重账本。
type MemoryLedger struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryLedger 创建内存账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]struct{})}
}

// Claim 实现 Ledger。
func (l *MemoryLedger) Claim(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[key]; ok {
		return false, nil
	}
	l.keys[key] = struct{}{}
	return true, nil
}

// Release 实现 Ledger。
func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.keys, key)
	l.mu.Unlock()
	return nil
}

// Len 返回当前记录数。
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// Close 对内存账本无需操作。
func (l *MemoryLedger) Close() error { return nil }

var _ Ledger = (*MemoryLedger)(nil)
