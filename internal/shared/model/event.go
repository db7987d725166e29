// Package model 定义核心数据模型
//
// event.go 包含推送给观察者（仪表盘、计费等只读消费方）的通知事件：
//   - TerminalStatusChanged：终端状态或心跳元数据变化
//   - CommandStatusChanged：命令投递状态变化
package model

import (
	"encoding/json"
	"time"
)

// EventType 通知事件类型
type EventType string

const (
	EventTerminalStatusChanged EventType = "terminal_status_changed"
	EventCommandStatusChanged  EventType = "command_status_changed"
)

// TerminalStatusChanged 终端状态变化通知
type TerminalStatusChanged struct {
	TerminalID     string          `json:"terminalId"`
	VenueID        string          `json:"venueId"`
	Status         TerminalStatus  `json:"status"`
	PreviousStatus TerminalStatus  `json:"previousStatus,omitempty"`
	Locked         bool            `json:"locked"`
	LastHeartbeat  *time.Time      `json:"lastHeartbeat,omitempty"`
	Version        string          `json:"version,omitempty"`
	NetworkAddress string          `json:"networkAddress,omitempty"`
	DeviceInfo     json.RawMessage `json:"deviceInfo,omitempty"`
}

// NewTerminalStatusChanged 根据终端记录构建通知
func NewTerminalStatusChanged(t *Terminal, previous TerminalStatus) *TerminalStatusChanged {
	return &TerminalStatusChanged{
		TerminalID:     t.ID,
		VenueID:        t.VenueID,
		Status:         t.Status,
		PreviousStatus: previous,
		Locked:         t.Lock.Locked,
		LastHeartbeat:  t.LastHeartbeat,
		Version:        t.Version,
		NetworkAddress: t.NetworkAddress,
		DeviceInfo:     t.DeviceInfo,
	}
}

// CommandStatusChanged 命令状态变化通知
type CommandStatusChanged struct {
	TerminalID     string        `json:"terminalId"`
	CommandID      string        `json:"commandId"`
	CorrelationID  string        `json:"correlationId"`
	CommandType    CommandType   `json:"commandType"`
	PreviousStatus CommandStatus `json:"previousStatus"`
	NewStatus      CommandStatus `json:"newStatus"`
	Message        string        `json:"message,omitempty"`
}

// FleetEvent 事件总线上的通知信封
type FleetEvent struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}
