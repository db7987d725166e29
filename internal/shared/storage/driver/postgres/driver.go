// Package postgres PostgreSQL 数据库驱动
//
// 提供 PostgreSQL 连接管理、方言实现和 Schema 迁移。
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"terminal-fleet/internal/shared/storage/dbutil"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect PostgreSQL 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverPostgres
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.RebindToPositional(query)
}

func (d *Dialect) SkipLockedClause() string {
	return "FOR UPDATE SKIP LOCKED"
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 PostgreSQL 数据库连接
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// NewDialect 创建 PostgreSQL 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema PostgreSQL 建表语句
//
// serial / legacy_external_id 使用 UPPER() 函数索引支持大小写不敏感查找。
const schema = `
CREATE TABLE IF NOT EXISTS terminals (
    id VARCHAR(64) PRIMARY KEY,
    venue_id VARCHAR(64) NOT NULL,
    serial VARCHAR(128) NOT NULL,
    legacy_external_id VARCHAR(128),
    status VARCHAR(32) NOT NULL DEFAULT 'INACTIVE',
    activated_at TIMESTAMPTZ,
    last_heartbeat TIMESTAMPTZ,
    version VARCHAR(64) NOT NULL DEFAULT '',
    device_info JSONB,
    network_address VARCHAR(128) NOT NULL DEFAULT '',
    locked BOOLEAN NOT NULL DEFAULT FALSE,
    lock_reason TEXT NOT NULL DEFAULT '',
    lock_message TEXT NOT NULL DEFAULT '',
    locked_by VARCHAR(128) NOT NULL DEFAULT '',
    locked_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_terminals_serial_upper ON terminals (UPPER(serial));
CREATE INDEX IF NOT EXISTS idx_terminals_legacy_upper ON terminals (UPPER(legacy_external_id));
CREATE INDEX IF NOT EXISTS idx_terminals_status_heartbeat ON terminals (status, last_heartbeat);

CREATE TABLE IF NOT EXISTS terminal_commands (
    id VARCHAR(64) PRIMARY KEY,
    correlation_id VARCHAR(64) NOT NULL,
    terminal_id VARCHAR(64) NOT NULL REFERENCES terminals(id),
    venue_id VARCHAR(64) NOT NULL,
    type VARCHAR(32) NOT NULL,
    payload JSONB,
    priority INTEGER NOT NULL DEFAULT 0,
    requires_confirmation BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at TIMESTAMPTZ,
    requested_by VARCHAR(128) NOT NULL,
    requested_by_name VARCHAR(256) NOT NULL DEFAULT '',
    source VARCHAR(32) NOT NULL DEFAULT 'api',
    status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_attempt_at TIMESTAMPTZ,
    result VARCHAR(32),
    result_message TEXT NOT NULL DEFAULT '',
    result_payload JSONB,
    executed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_terminal_commands_correlation ON terminal_commands (correlation_id);
CREATE INDEX IF NOT EXISTS idx_terminal_commands_poll ON terminal_commands (terminal_id, status, priority DESC, created_at);
`
