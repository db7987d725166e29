// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在 repository/ 中，通过 dbutil.Dialect 支持 PostgreSQL 与 SQLite
//   - 初始化时通过依赖注入传入实现
//
// 查询类方法在记录不存在时返回 (nil, nil)；
// 条件更新在前置条件不满足时返回 ErrConflict。
package storage

import (
	"context"
	"time"

	"terminal-fleet/internal/shared/model"
)

// TerminalStore 终端存储接口
type TerminalStore interface {
	CreateTerminal(ctx context.Context, t *model.Terminal) error
	GetTerminal(ctx context.Context, id string) (*model.Terminal, error)
	GetTerminalBySerial(ctx context.Context, serial string) (*model.Terminal, error) // 大小写不敏感
	GetTerminalByLegacyID(ctx context.Context, legacyID string) (*model.Terminal, error)

	// RecordHeartbeat 原子写入心跳字段；当前状态不等于 expected 时返回 ErrConflict
	RecordHeartbeat(ctx context.Context, id string, expected model.TerminalStatus, upd model.HeartbeatUpdate) (*model.Terminal, error)

	// DemoteStaleTerminals 将最后心跳早于 cutoff 的 ACTIVE 终端降级为 INACTIVE，返回被降级的终端
	DemoteStaleTerminals(ctx context.Context, cutoff, now time.Time) ([]*model.Terminal, error)
}

// ClaimOptions 领取待投递命令的参数
type ClaimOptions struct {
	Now   time.Time
	Limit int

	// RedeliverBefore 之前发出且未确认的 SENT 命令可再次领取（零值表示不重投）
	RedeliverBefore time.Time
	MaxAttempts     int
}

// CommandStore 命令队列存储接口
type CommandStore interface {
	CreateCommand(ctx context.Context, cmd *model.Command) error
	GetCommand(ctx context.Context, id string) (*model.Command, error)
	GetCommandByCorrelationID(ctx context.Context, correlationID string) (*model.Command, error)
	ListCommandsByTerminal(ctx context.Context, terminalID string, limit int) ([]*model.Command, error)

	// ClaimPendingCommands 在单条语句中选出可投递命令并标记为 SENT
	ClaimPendingCommands(ctx context.Context, terminalID string, opts ClaimOptions) ([]*model.Command, error)

	// CompleteCommand 在同一事务中写入确认结果并应用终端状态修改；
	// 命令已结束时返回 ErrConflict
	CompleteCommand(ctx context.Context, c model.CommandCompletion, terminalID string, change *model.TerminalStateChange) (*model.Terminal, error)
}

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	TerminalStore
	CommandStore
	Ping(ctx context.Context) error
	Close() error
}
