package mockterminal

import (
	"encoding/json"
	"fmt"
	"sync"

	"terminal-fleet/internal/shared/model"
)

// Outcome 一条命令在设备上的执行结果
type Outcome struct {
	Result  model.CommandResult
	Message string
	Payload json.RawMessage
}

// deviceReport 拒绝或状态查询时附带的设备自报状态
type deviceReport struct {
	Status  string `json:"status"`
	Locked  bool   `json:"locked"`
	Version string `json:"version,omitempty"`
}

// Device 设备侧状态机
//
// 与服务端记录不一致时（例如重复下发进入维护），设备拒绝命令并报告自身状态，
// 由服务端据此修正记录。
type Device struct {
	mu         sync.Mutex
	version    string
	status     model.TerminalStatus
	locked     bool
	lockReason string
	restarts   int
}

// NewDevice 创建处于 ACTIVE、未锁定状态的设备
func NewDevice(version string) *Device {
	return &Device{version: version, status: model.TerminalStatusActive}
}

// Status 当前设备状态
func (d *Device) Status() model.TerminalStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Locked 当前是否锁定
func (d *Device) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

// Restarts 执行过的重启次数
func (d *Device) Restarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

// DeviceInfo 随心跳上报的设备信息
func (d *Device) DeviceInfo() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, _ := json.Marshal(map[string]interface{}{
		"model":    "mock-terminal",
		"locked":   d.locked,
		"restarts": d.restarts,
	})
	return data
}

// Execute 执行一条命令
func (d *Device) Execute(msg model.CommandMessage) Outcome {
	spec, err := model.DecodeCommandSpec(msg.Type, msg.Payload)
	if err != nil {
		return Outcome{Result: model.CommandResultFailed, Message: err.Error()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch s := spec.(type) {
	case model.ShutdownCommand, model.RestartCommand:
		d.restarts++
		return d.success(fmt.Sprintf("%s scheduled", msg.Type))

	case model.MaintenanceModeCommand:
		if d.status == model.TerminalStatusMaintenance {
			return d.reject("already in maintenance")
		}
		d.status = model.TerminalStatusMaintenance
		return d.success("entered maintenance")

	case model.ExitMaintenanceCommand, model.ReactivateCommand:
		if d.status != model.TerminalStatusMaintenance {
			return d.reject("not in maintenance")
		}
		d.status = model.TerminalStatusActive
		return d.success("left maintenance")

	case model.LockCommand:
		if d.locked {
			return d.reject("already locked")
		}
		d.locked = true
		d.lockReason = s.Reason
		return d.success("locked")

	case model.UnlockCommand:
		if !d.locked {
			return d.reject("not locked")
		}
		d.locked = false
		d.lockReason = ""
		return d.success("unlocked")

	case model.UpdateStatusCommand:
		out := d.success("status reported")
		out.Payload = d.report()
		return out

	default:
		return Outcome{Result: model.CommandResultRejected, Message: fmt.Sprintf("unsupported command %s", msg.Type)}
	}
}

func (d *Device) success(message string) Outcome {
	return Outcome{Result: model.CommandResultSuccess, Message: message}
}

func (d *Device) reject(message string) Outcome {
	return Outcome{Result: model.CommandResultRejected, Message: message, Payload: d.report()}
}

func (d *Device) report() json.RawMessage {
	data, _ := json.Marshal(deviceReport{Status: string(d.status), Locked: d.locked, Version: d.version})
	return data
}
