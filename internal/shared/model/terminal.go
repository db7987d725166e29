// Package model 定义核心数据模型
//
// terminal.go 包含支付终端相关的数据模型定义：
//   - Terminal：场所内的实体 POS 终端
//   - TerminalStatus：终端生命周期状态
//   - LockState：锁定子状态（独立于生命周期状态）
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// TerminalStatus - 终端生命周期状态
// ============================================================================

// TerminalStatus 表示终端的生命周期状态
//
// 状态流转：
//
//	INACTIVE ──心跳──→ ACTIVE ──离线扫描──→ INACTIVE
//	                     ⇅ 显式命令
//	                 MAINTENANCE
//
//	任意状态 ──安全隔离──→ RETIRED（单向，不可退出）
//
// 约束：
//   - INACTIVE → ACTIVE 只能由心跳触发
//   - ACTIVE ⇄ MAINTENANCE 只能由显式命令触发，心跳永远不会改变 MAINTENANCE
//   - RETIRED 不会被本系统中的任何机制退出
type TerminalStatus string

const (
	// TerminalStatusActive 在线可用
	TerminalStatusActive TerminalStatus = "ACTIVE"

	// TerminalStatusMaintenance 维护中：仅能由 EXIT_MAINTENANCE / REACTIVATE 命令退出
	TerminalStatusMaintenance TerminalStatus = "MAINTENANCE"

	// TerminalStatusInactive 离线：心跳超时，下一次心跳自动恢复
	TerminalStatusInactive TerminalStatus = "INACTIVE"

	// TerminalStatusRetired 已退役：安全隔离，来自该设备的心跳视为可疑
	TerminalStatusRetired TerminalStatus = "RETIRED"
)

// Valid 判断是否为已知状态
func (s TerminalStatus) Valid() bool {
	switch s {
	case TerminalStatusActive, TerminalStatusMaintenance, TerminalStatusInactive, TerminalStatusRetired:
		return true
	default:
		return false
	}
}

// ParseTerminalStatus 解析状态字符串（大小写不敏感）
func ParseTerminalStatus(s string) (TerminalStatus, bool) {
	status := TerminalStatus(strings.ToUpper(strings.TrimSpace(s)))
	return status, status.Valid()
}

// ============================================================================
// LockState - 锁定子状态
// ============================================================================

// LockState 终端锁定子状态
//
// 只能由 LOCK / UNLOCK 命令设置或清除，命令被拒绝时可被协调修正。
type LockState struct {
	Locked   bool       `json:"locked"`
	Reason   string     `json:"reason,omitempty"`
	Message  string     `json:"message,omitempty"`
	LockedBy string     `json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

// Unlocked 返回清空后的锁定状态
func Unlocked() LockState {
	return LockState{}
}

// ============================================================================
// Terminal - 支付终端
// ============================================================================

// Terminal 表示一台实体支付终端
//
// 身份标识：
//   - ID：内部主键
//   - Serial：硬件序列号（唯一，大小写不敏感，可能带厂商前缀）
//   - LegacyExternalID：旧外部系统的 ID，仅用于向后兼容
//
// ActivatedAt 为 nil 表示尚未完成带外激活：心跳仍被接受用于监控，但不会获得状态晋升。
type Terminal struct {
	ID               string          `json:"id" db:"id"`
	VenueID          string          `json:"venue_id" db:"venue_id"`
	Serial           string          `json:"serial" db:"serial"`
	LegacyExternalID *string         `json:"legacy_external_id,omitempty" db:"legacy_external_id"`
	Status           TerminalStatus  `json:"status" db:"status"`
	ActivatedAt      *time.Time      `json:"activated_at,omitempty" db:"activated_at"`
	LastHeartbeat    *time.Time      `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	Version          string          `json:"version,omitempty" db:"version"`
	DeviceInfo       json.RawMessage `json:"device_info,omitempty" db:"device_info"`
	NetworkAddress   string          `json:"network_address,omitempty" db:"network_address"`
	Lock             LockState       `json:"lock"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// IsActivated 是否已完成激活
func (t *Terminal) IsActivated() bool {
	return t.ActivatedAt != nil
}

// IsRetired 是否已退役
func (t *Terminal) IsRetired() bool {
	return t.Status == TerminalStatusRetired
}

// HeartbeatWithin 最后一次心跳是否在给定窗口内
func (t *Terminal) HeartbeatWithin(now time.Time, window time.Duration) bool {
	if t.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*t.LastHeartbeat) <= window
}

// HeartbeatUpdate 心跳写入的字段集合，作为一次原子更新落库
type HeartbeatUpdate struct {
	Status         TerminalStatus
	LastHeartbeat  time.Time
	Version        string
	DeviceInfo     json.RawMessage
	NetworkAddress string
	ReceivedAt     time.Time // 服务端接收时间，写入 updated_at
}

// TerminalStateChange 命令确认后对终端状态的修改
//
// 字段为 nil 表示不修改对应部分。
// FromStatus 非空时，生命周期状态只在当前状态等于 FromStatus 时修改。
type TerminalStateChange struct {
	Status     *TerminalStatus
	FromStatus *TerminalStatus
	Lock       *LockState
}

// Empty 是否没有任何修改
func (c *TerminalStateChange) Empty() bool {
	return c == nil || (c.Status == nil && c.Lock == nil)
}

// ApplyTo 将修改应用到终端副本（RETIRED 终端的生命周期状态不会被改变）
func (c *TerminalStateChange) ApplyTo(t *Terminal) {
	if c == nil {
		return
	}
	if c.Status != nil && !t.IsRetired() && (c.FromStatus == nil || *c.FromStatus == t.Status) {
		t.Status = *c.Status
	}
	if c.Lock != nil {
		t.Lock = *c.Lock
	}
}
