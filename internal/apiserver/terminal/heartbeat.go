package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"terminal-fleet/internal/config"
	"terminal-fleet/internal/shared/model"
	"terminal-fleet/internal/shared/storage"
	"terminal-fleet/pkg/logging"
)

// ============================================================================
// Heartbeat Processor
// ============================================================================

// maxHeartbeatAttempts 状态被并发修改时重新读取计算的次数上限
const maxHeartbeatAttempts = 3

// HeartbeatProcessor 处理终端心跳
type HeartbeatProcessor struct {
	store      Store
	resolver   *Resolver
	dispatcher *Dispatcher
	notifier   *Notifier
	metrics    *Metrics
	clock      Clock
	fleet      config.FleetConfig
	logger     *logging.Logger
}

// HeartbeatRequest 终端上报的心跳
//
// Status 是终端自报状态，只做校验和日志，不参与状态计算。
type HeartbeatRequest struct {
	Identifier     string          `json:"identifier"`
	Timestamp      string          `json:"timestamp"`
	Status         string          `json:"status"`
	Version        string          `json:"version,omitempty"`
	DeviceInfo     json.RawMessage `json:"deviceInfo,omitempty"`
	NetworkAddress string          `json:"-"`
}

// HeartbeatResult 心跳处理结果
type HeartbeatResult struct {
	Terminal *model.Terminal
	Commands []*model.Command
	Promoted bool
}

// NextStatus 心跳后的生命周期状态
//
// 唯一允许的变化是已激活终端的 INACTIVE → ACTIVE；
// MAINTENANCE 只能由显式命令改变。
func NextStatus(current model.TerminalStatus, activated bool) model.TerminalStatus {
	if current == model.TerminalStatusInactive && activated {
		return model.TerminalStatusActive
	}
	return current
}

// Process 处理一次心跳：写入状态和元数据，并返回待投递命令
func (h *HeartbeatProcessor) Process(ctx context.Context, req HeartbeatRequest) (*HeartbeatResult, error) {
	if strings.TrimSpace(req.Identifier) == "" {
		h.metrics.heartbeat("bad_request")
		return nil, fmt.Errorf("identifier is required: %w", ErrBadRequest)
	}

	var (
		updated  *model.Terminal
		previous model.TerminalStatus
	)
	for attempt := 1; ; attempt++ {
		t, err := h.resolver.Resolve(ctx, req.Identifier)
		if err != nil {
			h.metrics.heartbeat("error")
			return nil, err
		}
		if t == nil {
			h.metrics.heartbeat("not_found")
			h.logger.Warn("Heartbeat from unknown terminal", slog.String("identifier", req.Identifier))
			return nil, fmt.Errorf("terminal %q: %w", req.Identifier, ErrNotFound)
		}
		if t.IsRetired() {
			h.metrics.heartbeat("rejected")
			h.metrics.violation("retired_heartbeat")
			h.logger.SecurityLog("retired_terminal_heartbeat",
				slog.String("terminal_id", t.ID),
				slog.String("serial", t.Serial),
				slog.String("identifier", req.Identifier),
				slog.String("network_address", req.NetworkAddress))
			return nil, fmt.Errorf("terminal %s is retired: %w", t.ID, ErrUnauthorized)
		}
		if !t.IsActivated() {
			h.logger.Debug("Heartbeat from terminal pending activation", slog.String("terminal_id", t.ID))
		}

		previous = t.Status
		updated, err = h.store.RecordHeartbeat(ctx, t.ID, t.Status, h.buildUpdate(t, req))
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= maxHeartbeatAttempts {
			h.metrics.heartbeat("error")
			return nil, fmt.Errorf("record heartbeat for %s: %w", t.ID, err)
		}
		h.logger.Debug("Terminal status changed concurrently, retrying heartbeat",
			slog.String("terminal_id", t.ID), slog.Int("attempt", attempt))
	}

	promoted := previous != updated.Status
	if promoted {
		h.metrics.heartbeat("promoted")
		h.logger.Info("Terminal back online",
			slog.String("terminal_id", updated.ID),
			slog.String("from", string(previous)),
			slog.String("to", string(updated.Status)))
	} else {
		h.metrics.heartbeat("accepted")
	}
	h.checkReportedStatus(updated, req.Status)
	h.notifier.TerminalStatusChanged(ctx, updated, previous)

	cmds, err := h.dispatcher.Poll(ctx, updated.ID)
	if err != nil {
		return nil, err
	}
	if len(cmds) > 0 {
		h.logger.Info("Delivering commands via heartbeat",
			slog.String("terminal_id", updated.ID), slog.Int("count", len(cmds)))
	}
	return &HeartbeatResult{Terminal: updated, Commands: cmds, Promoted: promoted}, nil
}

// checkReportedStatus 记录无法识别或与服务端记录不一致的自报状态
func (h *HeartbeatProcessor) checkReportedStatus(t *model.Terminal, raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	reported, ok := model.ParseTerminalStatus(raw)
	switch {
	case !ok || (reported != model.TerminalStatusActive && reported != model.TerminalStatusMaintenance):
		h.logger.Debug("Heartbeat carries an unrecognized self-reported status",
			slog.String("terminal_id", t.ID),
			slog.String("reported_status", raw))
	case reported != t.Status:
		h.logger.Debug("Self-reported status differs from server record",
			slog.String("terminal_id", t.ID),
			slog.String("reported_status", string(reported)),
			slog.String("status", string(t.Status)))
	}
}

func (h *HeartbeatProcessor) buildUpdate(t *model.Terminal, req HeartbeatRequest) model.HeartbeatUpdate {
	now := h.clock()
	upd := model.HeartbeatUpdate{
		Status:         NextStatus(t.Status, t.IsActivated()),
		LastHeartbeat:  h.heartbeatTime(req.Timestamp, now),
		Version:        t.Version,
		DeviceInfo:     t.DeviceInfo,
		NetworkAddress: t.NetworkAddress,
		ReceivedAt:     now,
	}
	if v := strings.TrimSpace(req.Version); v != "" {
		upd.Version = v
	}
	if len(req.DeviceInfo) > 0 && string(req.DeviceInfo) != "null" {
		upd.DeviceInfo = req.DeviceInfo
	}
	if req.NetworkAddress != "" {
		upd.NetworkAddress = req.NetworkAddress
	}
	return upd
}

// heartbeatTime 解析终端上报的时间
//
// 无法解析、晚于服务端时间或早于离线阈值的时间均以服务端时间代替，
// 终端时钟漂移不会让刚收到的心跳被扫描降级。
func (h *HeartbeatProcessor) heartbeatTime(raw string, now time.Time) time.Time {
	ts, ok := parseHeartbeatTimestamp(raw)
	if !ok || ts.After(now) {
		return now
	}
	if h.fleet.OfflineThreshold > 0 && now.Sub(ts) >= h.fleet.OfflineThreshold {
		return now
	}
	return ts
}

func parseHeartbeatTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
