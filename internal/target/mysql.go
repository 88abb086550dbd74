package target

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/storage/mysql"
	"OpenFAM-Supply/internal/supplier"
)

// MySQLTarget 把供应记录写入 FAM 的 MySQL 表。
type MySQLTarget struct {
	store *mysql.Store
	now   func() time.Time

	mu      sync.Mutex
	started map[string]int64
}

// OpenMySQLTarget 连接数据库、执行迁移并返回目标。
func OpenMySQLTarget(ctx context.Context, cfg mysql.Config) (*MySQLTarget, error) {
	store, err := mysql.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 MySQL 目标失败")
	}
	return NewMySQLTarget(store), nil
}

// NewMySQLTarget 基于已有存储创建目标。
func NewMySQLTarget(store *mysql.Store) *MySQLTarget {
	return &MySQLTarget{store: store, now: time.Now, started: make(map[string]int64)}
}

func (t *MySQLTarget) NotifyFileAdded(ctx context.Context, path string, info supplier.Info) (supplier.Record, error) {
	if err := t.ensureSession(ctx, info); err != nil {
		return supplier.Record{}, err
	}
	now := t.now()
	record := supplier.Record{
		ID:         uuid.NewString(),
		Path:       path,
		SupplierID: info.ID,
		SessionID:  info.SessionID,
		AddedAt:    now,
	}
	err := t.store.AddFile(ctx, mysql.File{
		ID:         record.ID,
		SessionID:  info.SessionID,
		SupplierID: info.ID,
		Path:       path,
		AddedAt:    now.Unix(),
	})
	if err != nil {
		return supplier.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记文件失败")
	}
	return record, nil
}

// ensureSession 每个会话只写一次会话行。
func (t *MySQLTarget) ensureSession(ctx context.Context, info supplier.Info) error {
	t.mu.Lock()
	_, ok := t.started[info.SessionID]
	t.mu.Unlock()
	if ok {
		return nil
	}
	startedAt := t.now().Unix()
	err := t.store.EnsureSession(ctx, mysql.Session{
		SessionID:   info.SessionID,
		SupplierID:  info.ID,
		Kind:        info.Kind,
		Description: info.Description,
		Status:      StatusRunning,
		StartedAt:   startedAt,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记供应会话失败")
	}
	t.mu.Lock()
	if _, ok := t.started[info.SessionID]; !ok {
		t.started[info.SessionID] = startedAt
	}
	t.mu.Unlock()
	return nil
}

func (t *MySQLTarget) NotifyFileSupplyingDone(ctx context.Context, info supplier.Info) error {
	return t.finish(ctx, info, StatusDone, "")
}

func (t *MySQLTarget) NotifyFileSupplyingFailed(ctx context.Context, info supplier.Info, diagnostic string) error {
	return t.finish(ctx, info, StatusFailed, diagnostic)
}

func (t *MySQLTarget) finish(ctx context.Context, info supplier.Info, status, diagnostic string) error {
	now := t.now().Unix()
	t.mu.Lock()
	startedAt, ok := t.started[info.SessionID]
	delete(t.started, info.SessionID)
	t.mu.Unlock()
	if !ok {
		startedAt = now
	}
	err := t.store.FinishSession(ctx, mysql.Session{
		SessionID:   info.SessionID,
		SupplierID:  info.ID,
		Kind:        info.Kind,
		Description: info.Description,
		Status:      status,
		Diagnostic:  diagnostic,
		StartedAt:   startedAt,
		EndedAt:     now,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新供应会话状态失败")
	}
	return nil
}

// Close 释放数据库连接。
func (t *MySQLTarget) Close() error {
	return t.store.Close()
}

var _ supplier.Target = (*MySQLTarget)(nil)
