// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和单机场所部署。
package sqlite

import (
	"database/sql"
	"fmt"

	"terminal-fleet/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

// SkipLockedClause SQLite 不支持行锁，写操作由单连接串行化
func (d *Dialect) SkipLockedClause() string {
	return ""
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:fleet.db?cache=shared&mode=rwc" 或 ":memory:"
//
// 连接池限制为 1：既保证 :memory: 数据库在所有查询间共享，
// 也让领取命令的 UPDATE ... RETURNING 天然串行。
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 PostgreSQL schema）
const schema = `
CREATE TABLE IF NOT EXISTS terminals (
    id VARCHAR(64) PRIMARY KEY,
    venue_id VARCHAR(64) NOT NULL,
    serial VARCHAR(128) NOT NULL,
    legacy_external_id VARCHAR(128),
    status VARCHAR(32) NOT NULL DEFAULT 'INACTIVE',
    activated_at DATETIME,
    last_heartbeat DATETIME,
    version VARCHAR(64) NOT NULL DEFAULT '',
    device_info TEXT,
    network_address VARCHAR(128) NOT NULL DEFAULT '',
    locked BOOLEAN NOT NULL DEFAULT 0,
    lock_reason TEXT NOT NULL DEFAULT '',
    lock_message TEXT NOT NULL DEFAULT '',
    locked_by VARCHAR(128) NOT NULL DEFAULT '',
    locked_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
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
    payload TEXT,
    priority INTEGER NOT NULL DEFAULT 0,
    requires_confirmation BOOLEAN NOT NULL DEFAULT 0,
    expires_at DATETIME,
    requested_by VARCHAR(128) NOT NULL,
    requested_by_name VARCHAR(256) NOT NULL DEFAULT '',
    source VARCHAR(32) NOT NULL DEFAULT 'api',
    status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_attempt_at DATETIME,
    result VARCHAR(32),
    result_message TEXT NOT NULL DEFAULT '',
    result_payload TEXT,
    executed_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_terminal_commands_correlation ON terminal_commands (correlation_id);
CREATE INDEX IF NOT EXISTS idx_terminal_commands_poll ON terminal_commands (terminal_id, status, priority DESC, created_at);
`
