// Package mysql persists FAM supply sessions and supplied files in MySQL.
// It owns the connection pool settings and the embedded schema migrations.
package mysql
