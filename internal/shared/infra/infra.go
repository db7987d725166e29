// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Storage：持久化存储（PostgreSQL / SQLite）
//   - Bus：事件总线（Redis Pub/Sub；未启用 Redis 时为进程内实现）
package infra

import (
	"fmt"
	"log"

	"terminal-fleet/internal/config"
	"terminal-fleet/internal/shared/eventbus"
	eventbusredis "terminal-fleet/internal/shared/eventbus/redis"
	"terminal-fleet/internal/shared/storage"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Storage 持久化存储
	Storage storage.PersistentStore

	// Bus 事件总线（设备推送 + 观察者事件）
	Bus eventbus.Bus
}

// New 根据配置初始化基础设施
func New(cfg *config.Config) (*Infrastructure, error) {
	store, err := NewPersistentStoreFromDSN(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	infra := &Infrastructure{Storage: store}

	if cfg.RedisURL == "" {
		log.Printf("[Infra] Redis disabled, using in-memory event bus")
		infra.Bus = eventbus.NewMemoryBus()
		return infra, nil
	}

	client, err := NewRedisClient(cfg.RedisURL)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	infra.Bus = eventbusredis.NewStoreFromClient(client)
	return infra, nil
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error

	if i.Bus != nil {
		if err := i.Bus.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Storage != nil {
		if err := i.Storage.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}
