package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound 表示查询的记录不存在。
var ErrNotFound = errors.New("record not found")

// Session 对应 fam_supply_sessions 表中的一行。
type Session struct {
	SessionID   string
	SupplierID  string
	Kind        string
	Description string
	Status      string
	Diagnostic  string
	FilesAdded  int
	StartedAt   int64
	EndedAt     int64
}

// File 对应 fam_files 表中的一行。
type File struct {
	ID         string
	SessionID  string
	SupplierID string
	Path       string
	AddedAt    int64
}

// Store 封装 FAM 供应记录的读写。
type Store struct {
	db *sql.DB
}

// Open 建立连接池并执行迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB 复用已有连接，不执行迁移。
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate 对当前连接执行迁移。
func (s *Store) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Close 释放连接池。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSession 在会话记录不存在时插入，已存在则保持不变。
func (s *Store) EnsureSession(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO fam_supply_sessions
        (session_id, supplier_id, kind, description, status, started_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE session_id = session_id`,
		session.SessionID, session.SupplierID, session.Kind, session.Description, session.Status, session.StartedAt)
	if err != nil {
		return fmt.Errorf("写入供应会话失败: %w", err)
	}
	return nil
}

// AddFile 在同一事务内写入文件记录并累加会话计数。
func (s *Store) AddFile(ctx context.Context, file File) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO fam_files (id, session_id, supplier_id, path, added_at) VALUES (?, ?, ?, ?, ?)`,
		file.ID, file.SessionID, file.SupplierID, file.Path, file.AddedAt); err != nil {
		tx.Rollback()
		return fmt.Errorf("写入文件记录失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE fam_supply_sessions SET files_added = files_added + 1 WHERE session_id = ?`,
		file.SessionID); err != nil {
		tx.Rollback()
		return fmt.Errorf("更新会话计数失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// FinishSession 记录会话的结束状态。没有任何文件的会话也会在此时建档。
func (s *Store) FinishSession(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO fam_supply_sessions
        (session_id, supplier_id, kind, description, status, diagnostic, started_at, ended_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE status = VALUES(status), diagnostic = VALUES(diagnostic), ended_at = VALUES(ended_at)`,
		session.SessionID, session.SupplierID, session.Kind, session.Description,
		session.Status, nullString(session.Diagnostic), session.StartedAt, session.EndedAt)
	if err != nil {
		return fmt.Errorf("更新供应会话失败: %w", err)
	}
	return nil
}

// GetSession 按会话 ID 读取记录。
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, supplier_id, kind, description, status, diagnostic, files_added, started_at, ended_at
        FROM fam_supply_sessions WHERE session_id = ?`, sessionID)
	var (
		session    Session
		diagnostic sql.NullString
		endedAt    sql.NullInt64
	)
	err := row.Scan(&session.SessionID, &session.SupplierID, &session.Kind, &session.Description,
		&session.Status, &diagnostic, &session.FilesAdded, &session.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("查询供应会话失败: %w", err)
	}
	session.Diagnostic = diagnostic.String
	session.EndedAt = endedAt.Int64
	return session, nil
}

// ListFiles 按登记顺序返回会话内的文件。
func (s *Store) ListFiles(ctx context.Context, sessionID string, limit int) ([]File, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, supplier_id, path, added_at
        FROM fam_files WHERE session_id = ? ORDER BY added_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询文件记录失败: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.SessionID, &f.SupplierID, &f.Path, &f.AddedAt); err != nil {
			return nil, fmt.Errorf("解析文件记录失败: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历文件记录失败: %w", err)
	}
	return files, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
