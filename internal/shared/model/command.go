// Package model 定义核心数据模型
//
// command.go 包含终端命令队列相关的数据模型定义：
//   - CommandType / CommandSpec：命令类型及其强类型载荷（标签联合）
//   - CommandStatus：投递状态
//   - CommandResult：终端上报的执行结果
//   - Command：队列中的一条命令记录
//   - CommandMessage：下发给终端的线上格式
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// CommandType - 命令类型
// ============================================================================

// CommandType 命令类型
type CommandType string

const (
	CommandShutdown        CommandType = "SHUTDOWN"
	CommandRestart         CommandType = "RESTART"
	CommandMaintenanceMode CommandType = "MAINTENANCE_MODE"
	CommandExitMaintenance CommandType = "EXIT_MAINTENANCE"
	CommandLock            CommandType = "LOCK"
	CommandUnlock          CommandType = "UNLOCK"
	CommandReactivate      CommandType = "REACTIVATE"
	CommandUpdateStatus    CommandType = "UPDATE_STATUS"
)

// ParseCommandType 解析命令类型（大小写不敏感）
func ParseCommandType(s string) (CommandType, bool) {
	t := CommandType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case CommandShutdown, CommandRestart, CommandMaintenanceMode, CommandExitMaintenance,
		CommandLock, CommandUnlock, CommandReactivate, CommandUpdateStatus:
		return t, true
	default:
		return "", false
	}
}

// DefaultPriority 命令类型的默认优先级（数值越大越先投递）
func (t CommandType) DefaultPriority() int {
	switch t {
	case CommandLock:
		return 90
	case CommandShutdown:
		return 80
	case CommandMaintenanceMode, CommandExitMaintenance:
		return 70
	case CommandUnlock, CommandReactivate:
		return 60
	case CommandRestart:
		return 50
	default:
		return 10
	}
}

// HasStateEffect 确认成功后是否会修改终端状态
func (t CommandType) HasStateEffect() bool {
	switch t {
	case CommandMaintenanceMode, CommandExitMaintenance, CommandShutdown,
		CommandReactivate, CommandLock, CommandUnlock:
		return true
	default:
		return false
	}
}

// ============================================================================
// CommandSpec - 强类型命令载荷
// ============================================================================

// CommandSpec 命令载荷的标签联合
//
// 每种命令类型对应一个具体结构体，调用方通过 type switch 穷举处理。
type CommandSpec interface {
	Type() CommandType
	Validate() error
}

// ShutdownCommand 关机
type ShutdownCommand struct {
	DelaySeconds int    `json:"delaySeconds,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// RestartCommand 重启应用
type RestartCommand struct {
	DelaySeconds int `json:"delaySeconds,omitempty"`
}

// MaintenanceModeCommand 进入维护模式
type MaintenanceModeCommand struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// ExitMaintenanceCommand 退出维护模式
type ExitMaintenanceCommand struct{}

// LockCommand 锁定终端
type LockCommand struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// UnlockCommand 解锁终端
type UnlockCommand struct{}

// ReactivateCommand 重新激活（维护中的终端恢复为 ACTIVE）
type ReactivateCommand struct{}

// UpdateStatusCommand 要求终端在下次心跳中上报完整状态
type UpdateStatusCommand struct {
	IncludeDeviceInfo bool `json:"includeDeviceInfo,omitempty"`
}

func (ShutdownCommand) Type() CommandType        { return CommandShutdown }
func (RestartCommand) Type() CommandType         { return CommandRestart }
func (MaintenanceModeCommand) Type() CommandType { return CommandMaintenanceMode }
func (ExitMaintenanceCommand) Type() CommandType { return CommandExitMaintenance }
func (LockCommand) Type() CommandType            { return CommandLock }
func (UnlockCommand) Type() CommandType          { return CommandUnlock }
func (ReactivateCommand) Type() CommandType      { return CommandReactivate }
func (UpdateStatusCommand) Type() CommandType    { return CommandUpdateStatus }

func (c ShutdownCommand) Validate() error {
	if c.DelaySeconds < 0 {
		return fmt.Errorf("delaySeconds must not be negative")
	}
	return nil
}

func (c RestartCommand) Validate() error {
	if c.DelaySeconds < 0 {
		return fmt.Errorf("delaySeconds must not be negative")
	}
	return nil
}

func (MaintenanceModeCommand) Validate() error { return nil }
func (ExitMaintenanceCommand) Validate() error { return nil }
func (LockCommand) Validate() error            { return nil }
func (UnlockCommand) Validate() error          { return nil }
func (ReactivateCommand) Validate() error      { return nil }
func (UpdateStatusCommand) Validate() error    { return nil }

// DecodeCommandSpec 根据命令类型解析载荷
//
// 空载荷（nil、"null"、"{}"）按零值处理；未知字段视为错误。
func DecodeCommandSpec(t CommandType, payload json.RawMessage) (CommandSpec, error) {
	var spec CommandSpec
	switch t {
	case CommandShutdown:
		spec = &ShutdownCommand{}
	case CommandRestart:
		spec = &RestartCommand{}
	case CommandMaintenanceMode:
		spec = &MaintenanceModeCommand{}
	case CommandExitMaintenance:
		spec = &ExitMaintenanceCommand{}
	case CommandLock:
		spec = &LockCommand{}
	case CommandUnlock:
		spec = &UnlockCommand{}
	case CommandReactivate:
		spec = &ReactivateCommand{}
	case CommandUpdateStatus:
		spec = &UpdateStatusCommand{}
	default:
		return nil, fmt.Errorf("unknown command type %q", t)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(spec); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", t, err)
		}
	}

	spec = derefSpec(spec)
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", t, err)
	}
	return spec, nil
}

// derefSpec 将指针形式的载荷转为值形式，保证 type switch 只需匹配值类型
func derefSpec(spec CommandSpec) CommandSpec {
	switch s := spec.(type) {
	case *ShutdownCommand:
		return *s
	case *RestartCommand:
		return *s
	case *MaintenanceModeCommand:
		return *s
	case *ExitMaintenanceCommand:
		return *s
	case *LockCommand:
		return *s
	case *UnlockCommand:
		return *s
	case *ReactivateCommand:
		return *s
	case *UpdateStatusCommand:
		return *s
	default:
		return spec
	}
}

// EncodeCommandSpec 序列化命令载荷
func EncodeCommandSpec(spec CommandSpec) (json.RawMessage, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ============================================================================
// CommandStatus / CommandResult
// ============================================================================

// CommandStatus 命令投递状态
//
//	PENDING/QUEUED ──poll──→ SENT ──ack──→ COMPLETED / FAILED
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "PENDING"
	CommandStatusQueued    CommandStatus = "QUEUED"
	CommandStatusSent      CommandStatus = "SENT"
	CommandStatusCompleted CommandStatus = "COMPLETED"
	CommandStatusFailed    CommandStatus = "FAILED"
)

// IsFinal 是否已结束（收到确认）
func (s CommandStatus) IsFinal() bool {
	return s == CommandStatusCompleted || s == CommandStatusFailed
}

// CommandResult 终端上报的执行结果
type CommandResult string

const (
	CommandResultSuccess  CommandResult = "SUCCESS"
	CommandResultFailed   CommandResult = "FAILED"
	CommandResultRejected CommandResult = "REJECTED"
	CommandResultTimeout  CommandResult = "TIMEOUT"
)

// ParseCommandResult 解析结果字符串（大小写不敏感）
func ParseCommandResult(s string) (CommandResult, bool) {
	r := CommandResult(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case CommandResultSuccess, CommandResultFailed, CommandResultRejected, CommandResultTimeout:
		return r, true
	default:
		return "", false
	}
}

// FinalStatus 结果对应的命令状态：SUCCESS → COMPLETED，其余 → FAILED
func (r CommandResult) FinalStatus() CommandStatus {
	if r == CommandResultSuccess {
		return CommandStatusCompleted
	}
	return CommandStatusFailed
}

// ============================================================================
// Command - 队列记录
// ============================================================================

// CommandSource 命令来源渠道
type CommandSource string

const (
	CommandSourceDashboard CommandSource = "dashboard"
	CommandSourceAPI       CommandSource = "api"
	CommandSourceSystem    CommandSource = "system"
)

// Command 命令队列中的一条记录
//
// 一条命令只属于一个终端；确认只接受来自该终端的请求。
type Command struct {
	ID                   string          `json:"id" db:"id"`
	CorrelationID        string          `json:"correlation_id" db:"correlation_id"`
	TerminalID           string          `json:"terminal_id" db:"terminal_id"`
	VenueID              string          `json:"venue_id" db:"venue_id"`
	Type                 CommandType     `json:"type" db:"type"`
	Payload              json.RawMessage `json:"payload" db:"payload"`
	Priority             int             `json:"priority" db:"priority"`
	RequiresConfirmation bool            `json:"requires_confirmation" db:"requires_confirmation"`
	ExpiresAt            *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	RequestedBy          string          `json:"requested_by" db:"requested_by"`
	RequestedByName      string          `json:"requested_by_name,omitempty" db:"requested_by_name"`
	Source               CommandSource   `json:"source" db:"source"`
	Status               CommandStatus   `json:"status" db:"status"`
	Attempts             int             `json:"attempts" db:"attempts"`
	LastAttemptAt        *time.Time      `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	Result               *CommandResult  `json:"result,omitempty" db:"result"`
	ResultMessage        string          `json:"result_message,omitempty" db:"result_message"`
	ResultPayload        json.RawMessage `json:"result_payload,omitempty" db:"result_payload"`
	ExecutedAt           *time.Time      `json:"executed_at,omitempty" db:"executed_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// IsExpired 命令是否已过期
func (c *Command) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Spec 解析强类型载荷
func (c *Command) Spec() (CommandSpec, error) {
	return DecodeCommandSpec(c.Type, c.Payload)
}

// CommandCompletion 命令确认落库的字段
type CommandCompletion struct {
	CommandID     string
	Status        CommandStatus
	Result        CommandResult
	Message       string
	ResultPayload json.RawMessage
	ExecutedAt    time.Time
}

// ============================================================================
// CommandMessage - 下发给终端的线上格式
// ============================================================================

// CommandMessage 心跳响应和推送通道中携带的命令
type CommandMessage struct {
	CommandID            string          `json:"commandId"`
	CorrelationID        string          `json:"correlationId"`
	Type                 CommandType     `json:"type"`
	Payload              json.RawMessage `json:"payload"`
	Priority             int             `json:"priority"`
	RequiresConfirmation bool            `json:"requiresConfirmation"`
	ExpiresAt            *time.Time      `json:"expiresAt,omitempty"`
	RequestedBy          string          `json:"requestedBy"`
	RequestedByName      string          `json:"requestedByName,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
}

// ToMessage 转换为线上格式
func (c *Command) ToMessage() CommandMessage {
	payload := c.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return CommandMessage{
		CommandID:            c.ID,
		CorrelationID:        c.CorrelationID,
		Type:                 c.Type,
		Payload:              payload,
		Priority:             c.Priority,
		RequiresConfirmation: c.RequiresConfirmation,
		ExpiresAt:            c.ExpiresAt,
		RequestedBy:          c.RequestedBy,
		RequestedByName:      c.RequestedByName,
		CreatedAt:            c.CreatedAt,
	}
}
