package target

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenFAM-Supply/internal/supplier"
)

// Outcome 记录一个会话的结束通知。
type Outcome struct {
	Status     string
	Diagnostic string
}

const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// MemoryTarget 把登记结果保存在内存中，用于演练和测试。
type MemoryTarget struct {
	mu       sync.RWMutex
	records  []supplier.Record
	outcomes map[string]Outcome
}

// NewMemoryTarget 创建内存目标。
func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{outcomes: make(map[string]Outcome)}
}

func (m *MemoryTarget) NotifyFileAdded(_ context.Context, path string, info supplier.Info) (supplier.Record, error) {
	record := supplier.Record{
		ID:         uuid.NewString(),
		Path:       path,
		SupplierID: info.ID,
		SessionID:  info.SessionID,
		AddedAt:    time.Now(),
	}
	m.mu.Lock()
	m.records = append(m.records, record)
	m.mu.Unlock()
	return record, nil
}

func (m *MemoryTarget) NotifyFileSupplyingDone(_ context.Context, info supplier.Info) error {
	m.mu.Lock()
	m.outcomes[info.SessionID] = Outcome{Status: StatusDone}
	m.mu.Unlock()
	return nil
}

func (m *MemoryTarget) NotifyFileSupplyingFailed(_ context.Context, info supplier.Info, diagnostic string) error {
	m.mu.Lock()
	m.outcomes[info.SessionID] = Outcome{Status: StatusFailed, Diagnostic: diagnostic}
	m.mu.Unlock()
	return nil
}

// Records 返回登记过的文件副本。
func (m *MemoryTarget) Records() []supplier.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]supplier.Record, len(m.records))
	copy(out, m.records)
	return out
}

// Outcome 返回会话的结束通知，ok 为 false 表示尚未结束。
func (m *MemoryTarget) Outcome(sessionID string) (Outcome, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, ok := m.outcomes[sessionID]
	return out, ok
}

var _ supplier.Target = (*MemoryTarget)(nil)
