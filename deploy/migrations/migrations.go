// Package migrations 内嵌 MySQL 目标使用的建表脚本，文件名前缀为版本号，
// 由 internal/storage/mysql 按序执行并记录在 schema_migrations 表中。
package migrations

import "embed"

// Files 暴露 fam_supply_sessions 与 fam_files 的迁移脚本。
//
//go:embed *.sql
var Files embed.FS
