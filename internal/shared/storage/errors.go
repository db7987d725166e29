// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// repository 负责将 sql.ErrNoRows、唯一键冲突等底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突：条件更新的前置状态已被其他写入修改
	// （心跳乐观锁失败、命令已被确认等）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（重复 ID、序列号或关联 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")
)
