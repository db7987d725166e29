package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"terminal-fleet/internal/shared/eventbus"
	"terminal-fleet/internal/shared/model"
	"terminal-fleet/pkg/logging"
)

// Notifier 尽力而为的通知：观察者事件和设备推送
//
// 发布失败只记录日志，不影响调用方的主流程。
type Notifier struct {
	bus    eventbus.Publisher
	clock  Clock
	logger *logging.Logger
}

// NewNotifier 创建通知器
func NewNotifier(bus eventbus.Publisher, clock Clock, logger *logging.Logger) *Notifier {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = logging.Default("notifier")
	}
	return &Notifier{bus: bus, clock: clock, logger: logger}
}

// TerminalStatusChanged 通知终端状态或心跳元数据变化
func (n *Notifier) TerminalStatusChanged(ctx context.Context, t *model.Terminal, previous model.TerminalStatus) {
	n.publishEvent(ctx, model.EventTerminalStatusChanged, model.NewTerminalStatusChanged(t, previous))
}

// CommandStatusChanged 通知命令投递状态变化
func (n *Notifier) CommandStatusChanged(ctx context.Context, cmd *model.Command, previous model.CommandStatus, message string) {
	n.publishEvent(ctx, model.EventCommandStatusChanged, &model.CommandStatusChanged{
		TerminalID:     cmd.TerminalID,
		CommandID:      cmd.ID,
		CorrelationID:  cmd.CorrelationID,
		CommandType:    cmd.Type,
		PreviousStatus: previous,
		NewStatus:      cmd.Status,
		Message:        message,
	})
}

// PushCommand 向终端的推送频道发布命令
func (n *Notifier) PushCommand(ctx context.Context, terminalID string, msg model.CommandMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal command message: %w", err)
	}
	return n.bus.Publish(ctx, eventbus.TerminalPushChannel(terminalID), payload)
}

func (n *Notifier) publishEvent(ctx context.Context, typ model.EventType, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		n.logger.Warn("Failed to marshal event", slog.String("type", string(typ)), slog.String("error", err.Error()))
		return
	}
	envelope, err := json.Marshal(model.FleetEvent{Type: typ, Timestamp: n.clock(), Data: raw})
	if err != nil {
		n.logger.Warn("Failed to marshal event envelope", slog.String("type", string(typ)), slog.String("error", err.Error()))
		return
	}

	// 通知不应因请求取消而丢失
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := n.bus.Publish(pubCtx, eventbus.ChannelFleetEvents, envelope); err != nil {
		n.logger.Warn("Failed to publish event", slog.String("type", string(typ)), slog.String("error", err.Error()))
	}
}
