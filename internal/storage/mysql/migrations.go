package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"OpenFAM-Supply/deploy/migrations"
	"OpenFAM-Supply/pkg/logger"
)

var embeddedMigrations fs.FS = migrations.Files

const createMigrationTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        checksum VARCHAR(16) NOT NULL DEFAULT '',
        applied_at BIGINT NOT NULL
)`

// migration 是一个版本化脚本，文件名形如 0002_add_index.sql。
type migration struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// runMigrations 按版本顺序执行尚未应用的脚本。已应用脚本的内容若被改动，
// 只记录告警，不会重复执行。
func runMigrations(ctx context.Context, db *sql.DB) error {
	log := logger.Named("mysql")
	if _, err := db.ExecContext(ctx, createMigrationTable); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return err
	}
	pending, err := readMigrations(embeddedMigrations)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if sum, ok := applied[m.version]; ok {
			if sum != "" && sum != m.checksum {
				log.Warn("已应用的迁移脚本内容发生变化", slog.String("migration", m.name))
			}
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return err
		}
		log.Info("迁移已应用", slog.String("migration", m.name), slog.Int("statements", len(m.statements)))
	}
	return nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		out[version] = checksum
	}
	return out, rows.Err()
}

// apply 在单个事务中执行脚本并登记版本。
func (m migration) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for i, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", m.name, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
		m.version, m.checksum, time.Now().Unix()); err != nil {
		return fmt.Errorf("登记迁移版本 %s 失败: %w", m.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", m.name, err)
	}
	return nil
}

// readMigrations 读取 .sql 文件并按数字版本排序，重复的版本号视为错误。
func readMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	seen := make(map[string]string, len(names))
	out := make([]migration, 0, len(names))
	for _, name := range names {
		version, ok := migrationVersion(name)
		if !ok {
			return nil, fmt.Errorf("迁移文件名 %s 缺少数字版本前缀", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移 %s 与 %s 版本号重复", name, prev)
		}
		seen[version] = name

		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := statements(string(raw))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, migration{
			version:    version,
			name:       name,
			checksum:   strconv.FormatUint(xxhash.Sum64(raw), 16),
			statements: stmts,
		})
	}
	slices.SortFunc(out, func(a, b migration) int {
		x, _ := strconv.Atoi(a.version)
		y, _ := strconv.Atoi(b.version)
		return x - y
	})
	return out, nil
}

// statements 去掉以 -- 开头的注释行后按分号切分。
func statements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var out []string
	for _, part := range strings.Split(b.String(), ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func migrationVersion(name string) (string, bool) {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	if i := strings.IndexByte(base, '_'); i > 0 {
		base = base[:i]
	}
	if _, err := strconv.Atoi(base); err != nil {
		return "", false
	}
	return base, true
}
