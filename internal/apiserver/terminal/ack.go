package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"terminal-fleet/internal/shared/model"
	"terminal-fleet/internal/shared/storage"
	"terminal-fleet/pkg/logging"
)

// ============================================================================
// Acknowledgment Processor
// ============================================================================

// AckProcessor 处理终端对命令执行结果的确认
type AckProcessor struct {
	store    Store
	notifier *Notifier
	metrics  *Metrics
	clock    Clock
	prefix   string
	logger   *logging.Logger
}

// AckRequest 终端确认请求
type AckRequest struct {
	CommandID      string          `json:"commandId"`
	TerminalSerial string          `json:"terminalSerial"`
	Result         string          `json:"result"`
	Message        string          `json:"message,omitempty"`
	ResultPayload  json.RawMessage `json:"resultPayload,omitempty"`
}

// AckResult 确认处理结果
type AckResult struct {
	Command    *model.Command
	Terminal   *model.Terminal
	Duplicate  bool // 命令此前已结束，本次确认未产生任何修改
	Reconciled bool // REJECTED 结果修正了服务端记录的终端状态
}

// reportedState REJECTED 确认可携带的终端实际状态
type reportedState struct {
	Status *string `json:"status"`
	Locked *bool   `json:"locked"`
}

// Process 记录确认结果并应用终端状态效果
func (a *AckProcessor) Process(ctx context.Context, req AckRequest) (*AckResult, error) {
	if strings.TrimSpace(req.CommandID) == "" {
		return nil, fmt.Errorf("commandId is required: %w", ErrBadRequest)
	}
	result, ok := model.ParseCommandResult(req.Result)
	if !ok {
		return nil, fmt.Errorf("unknown result %q: %w", req.Result, ErrBadRequest)
	}

	cmd, err := a.findCommand(ctx, req.CommandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		a.metrics.ack("not_found")
		a.logger.Warn("Acknowledgment for unknown command",
			slog.String("command_id", req.CommandID),
			slog.String("terminal_serial", req.TerminalSerial))
		return nil, fmt.Errorf("command %q: %w", req.CommandID, ErrNotFound)
	}

	t, err := a.store.GetTerminal(ctx, cmd.TerminalID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("terminal %s for command %s: %w", cmd.TerminalID, cmd.ID, ErrNotFound)
	}
	if !SerialsMatch(req.TerminalSerial, t.Serial, a.prefix) {
		a.metrics.violation("ack_ownership")
		a.logger.SecurityLog("command_ack_ownership_mismatch",
			slog.String("command_id", cmd.ID),
			slog.String("terminal_id", t.ID),
			slog.String("expected_serial", t.Serial),
			slog.String("reported_serial", req.TerminalSerial))
		return nil, fmt.Errorf("command %s does not belong to %q: %w", cmd.ID, req.TerminalSerial, ErrUnauthorized)
	}

	logger := a.logger.WithCommandID(cmd.ID).WithTerminalID(t.ID)
	if cmd.Status.IsFinal() {
		a.metrics.ack("duplicate")
		logger.Info("Duplicate acknowledgment ignored", slog.String("status", string(cmd.Status)))
		return &AckResult{Command: cmd, Terminal: t, Duplicate: true}, nil
	}

	now := a.clock()
	var (
		change     *model.TerminalStateChange
		reconciled bool
	)
	switch result {
	case model.CommandResultSuccess:
		change, err = successEffect(cmd, t, now)
		if err != nil {
			logger.Warn("Stored command payload is invalid, no state effect applied", slog.String("error", err.Error()))
			change = nil
		}
	case model.CommandResultRejected:
		reported, err := decodeReportedState(req.ResultPayload)
		if err != nil {
			logger.Warn("Rejected acknowledgment carries an invalid resultPayload, assuming target state",
				slog.String("error", err.Error()))
		}
		change = reconcile(cmd, t, reported, now)
		reconciled = !change.Empty()
	}

	completion := model.CommandCompletion{
		CommandID:     cmd.ID,
		Status:        result.FinalStatus(),
		Result:        result,
		Message:       req.Message,
		ResultPayload: req.ResultPayload,
		ExecutedAt:    now,
	}
	updated, err := a.store.CompleteCommand(ctx, completion, t.ID, change)
	if errors.Is(err, storage.ErrConflict) {
		a.metrics.ack("duplicate")
		logger.Info("Command finalized concurrently, acknowledgment ignored")
		return &AckResult{Command: cmd, Terminal: t, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("complete command %s: %w", cmd.ID, err)
	}
	a.metrics.ack(string(result))

	previous := cmd.Status
	cmd.Status = completion.Status
	cmd.Result = &completion.Result
	cmd.ResultMessage = completion.Message
	cmd.ResultPayload = completion.ResultPayload
	cmd.ExecutedAt = &completion.ExecutedAt
	cmd.UpdatedAt = now

	logger.Info("Command acknowledged",
		slog.String("type", string(cmd.Type)),
		slog.String("result", string(result)),
		slog.String("terminal_status", string(updated.Status)),
		slog.Bool("locked", updated.Lock.Locked))

	if !change.Empty() {
		if reconciled {
			a.metrics.reconciled(string(cmd.Type))
			logger.Warn("Terminal state reconciled from rejected command",
				slog.String("type", string(cmd.Type)),
				slog.String("from", string(t.Status)),
				slog.String("to", string(updated.Status)))
		}
		a.notifier.TerminalStatusChanged(ctx, updated, t.Status)
	}
	a.notifier.CommandStatusChanged(ctx, cmd, previous, req.Message)

	return &AckResult{Command: cmd, Terminal: updated, Reconciled: reconciled}, nil
}

// findCommand 按内部 ID 查找，找不到时按关联 ID 查找
func (a *AckProcessor) findCommand(ctx context.Context, id string) (*model.Command, error) {
	cmd, err := a.store.GetCommand(ctx, id)
	if err != nil || cmd != nil {
		return cmd, err
	}
	return a.store.GetCommandByCorrelationID(ctx, id)
}

// successEffect 命令执行成功后对终端状态的修改
//
// 退出维护与重新激活只把 MAINTENANCE 改为 ACTIVE：INACTIVE → ACTIVE 只能由心跳触发。
func successEffect(cmd *model.Command, t *model.Terminal, now time.Time) (*model.TerminalStateChange, error) {
	spec, err := cmd.Spec()
	if err != nil {
		return nil, err
	}
	switch s := spec.(type) {
	case model.MaintenanceModeCommand:
		return statusChange(model.TerminalStatusMaintenance), nil
	case model.ExitMaintenanceCommand, model.ReactivateCommand:
		if t.Status != model.TerminalStatusMaintenance {
			return nil, nil
		}
		return leaveMaintenance(), nil
	case model.ShutdownCommand:
		return statusChange(model.TerminalStatusInactive), nil
	case model.LockCommand:
		lockedAt := now
		return &model.TerminalStateChange{Lock: &model.LockState{
			Locked:   true,
			Reason:   s.Reason,
			Message:  s.Message,
			LockedBy: cmd.RequestedBy,
			LockedAt: &lockedAt,
		}}, nil
	case model.UnlockCommand:
		unlocked := model.Unlocked()
		return &model.TerminalStateChange{Lock: &unlocked}, nil
	case model.RestartCommand, model.UpdateStatusCommand:
		return nil, nil
	default:
		return nil, fmt.Errorf("unhandled command type %s", spec.Type())
	}
}

// decodeReportedState 解析 REJECTED 确认中终端自报的状态；空载荷返回零值
func decodeReportedState(payload json.RawMessage) (reportedState, error) {
	var reported reportedState
	if len(payload) == 0 {
		return reported, nil
	}
	if err := json.Unmarshal(payload, &reported); err != nil {
		return reportedState{}, err
	}
	return reported, nil
}

// reconcile 根据被拒绝的命令修正服务端记录
//
// 只有维护与锁定类命令参与修正。终端自报的状态优先；未报告时假定终端已处于命令的目标状态。
// 修正只在与当前记录不同时产生，且永远不会产生 INACTIVE → ACTIVE 或进入 RETIRED。
// 状态修改以读取时的状态为前提，期间被并发修改时不生效。
func reconcile(cmd *model.Command, t *model.Terminal, reported reportedState, now time.Time) *model.TerminalStateChange {
	change := &model.TerminalStateChange{}
	switch cmd.Type {
	case model.CommandMaintenanceMode, model.CommandExitMaintenance, model.CommandLock, model.CommandUnlock:
	default:
		return change
	}

	if reported.Status != nil || reported.Locked != nil {
		if reported.Status != nil {
			if status, ok := model.ParseTerminalStatus(*reported.Status); ok {
				setReconciledStatus(change, t, status)
			}
		}
		if reported.Locked != nil && *reported.Locked != t.Lock.Locked {
			change.Lock = lockChange(*reported.Locked, cmd, now)
		}
		return change
	}

	switch cmd.Type {
	case model.CommandExitMaintenance:
		setReconciledStatus(change, t, model.TerminalStatusActive)
	case model.CommandMaintenanceMode:
		setReconciledStatus(change, t, model.TerminalStatusMaintenance)
	case model.CommandLock:
		if !t.Lock.Locked {
			change.Lock = lockChange(true, cmd, now)
		}
	case model.CommandUnlock:
		if t.Lock.Locked {
			change.Lock = lockChange(false, cmd, now)
		}
	}
	return change
}

// setReconciledStatus 在修正合法时写入目标状态
func setReconciledStatus(change *model.TerminalStateChange, t *model.Terminal, target model.TerminalStatus) {
	switch {
	case target == t.Status, target == model.TerminalStatusRetired, t.IsRetired():
		return
	case target == model.TerminalStatusActive && t.Status == model.TerminalStatusInactive:
		return
	}
	change.Status = statusPtr(target)
	change.FromStatus = statusPtr(t.Status)
}

func lockChange(locked bool, cmd *model.Command, now time.Time) *model.LockState {
	if !locked {
		unlocked := model.Unlocked()
		return &unlocked
	}
	lockedAt := now
	state := &model.LockState{Locked: true, LockedBy: cmd.RequestedBy, LockedAt: &lockedAt}
	if spec, err := cmd.Spec(); err == nil {
		if l, ok := spec.(model.LockCommand); ok {
			state.Reason = l.Reason
			state.Message = l.Message
		}
	}
	return state
}

func statusChange(s model.TerminalStatus) *model.TerminalStateChange {
	return &model.TerminalStateChange{Status: statusPtr(s)}
}

func leaveMaintenance() *model.TerminalStateChange {
	return &model.TerminalStateChange{
		Status:     statusPtr(model.TerminalStatusActive),
		FromStatus: statusPtr(model.TerminalStatusMaintenance),
	}
}

func statusPtr(s model.TerminalStatus) *model.TerminalStatus {
	return &s
}
