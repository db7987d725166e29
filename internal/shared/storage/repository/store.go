// Package repository 数据库无关的存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
//
// 约定：每条 SQL 中的 $N 按出现顺序递增且只出现一次（SQLite 按位置绑定 ?）。
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"terminal-fleet/internal/shared/storage"
	"terminal-fleet/internal/shared/storage/dbutil"
)

// Store 通用存储实现
// 实现了 storage.PersistentStore 接口
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// Ping 检查数据库连通性
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// withTx 在事务中执行 fn，fn 返回错误时回滚
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// NullableJSON 用于安全扫描可能为 NULL 的 JSON 字段
// database/sql 无法直接将 NULL scan 到 json.RawMessage，需要通过 *[]byte 中间变量
type NullableJSON struct {
	Data *[]byte
}

// Value 返回 json.RawMessage（如果非 NULL）
func (n *NullableJSON) Value() json.RawMessage {
	if n.Data != nil && len(*n.Data) > 0 {
		return json.RawMessage(*n.Data)
	}
	return nil
}

// nullableJSONArg 空 JSON 写入为 NULL
func nullableJSONArg(data json.RawMessage) interface{} {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}

// scanner 统一 *sql.Row 与 *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}
