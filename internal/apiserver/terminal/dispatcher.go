package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"terminal-fleet/internal/config"
	"terminal-fleet/internal/shared/model"
	"terminal-fleet/internal/shared/storage"
	"terminal-fleet/pkg/logging"
)

// ============================================================================
// Command Queue & Dispatcher
// ============================================================================

// Dispatcher 命令入队与投递
//
// 队列是投递状态的唯一事实来源：
//   - Enqueue 无论终端是否在线都先落库
//   - Poll 在心跳中领取命令（可靠的拉取通道）
//   - Push 仅在终端近期有心跳时尝试实时推送（尽力而为的加速通道）
type Dispatcher struct {
	store    Store
	resolver *Resolver
	notifier *Notifier
	metrics  *Metrics
	clock    Clock
	fleet    config.FleetConfig
	logger   *logging.Logger
}

// EnqueueRequest 入队请求
type EnqueueRequest struct {
	TerminalIdentifier   string
	CommandType          string
	Payload              json.RawMessage
	RequestedBy          string
	RequestedByName      string
	Source               model.CommandSource
	Priority             *int           // nil 使用命令类型默认优先级
	TTL                  *time.Duration // nil 使用默认有效期；0 表示不过期
	RequiresConfirmation *bool          // nil 时有状态效果的命令需要确认
}

// EnqueueResult 入队结果
type EnqueueResult struct {
	CommandID                string          `json:"commandId"`
	CorrelationID            string          `json:"correlationId"`
	TerminalAppearsConnected bool            `json:"terminalAppearsConnected"`
	Command                  *model.Command  `json:"-"`
	Terminal                 *model.Terminal `json:"-"`
}

// Enqueue 校验并持久化一条命令，终端在线时尝试推送
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	typ, ok := model.ParseCommandType(req.CommandType)
	if !ok {
		return nil, fmt.Errorf("unknown command type %q: %w", req.CommandType, ErrBadRequest)
	}
	requestedBy := strings.TrimSpace(req.RequestedBy)
	if requestedBy == "" {
		return nil, fmt.Errorf("requestedBy is required: %w", ErrBadRequest)
	}
	spec, err := model.DecodeCommandSpec(typ, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrBadRequest)
	}
	payload, err := model.EncodeCommandSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	if req.TTL != nil && *req.TTL < 0 {
		return nil, fmt.Errorf("ttl must not be negative: %w", ErrBadRequest)
	}

	t, err := d.resolver.Resolve(ctx, req.TerminalIdentifier)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("terminal %q: %w", req.TerminalIdentifier, ErrNotFound)
	}
	if t.IsRetired() {
		return nil, fmt.Errorf("terminal %s is retired: %w", t.ID, ErrBadRequest)
	}

	now := d.clock()
	cmd := &model.Command{
		ID:                   uuid.NewString(),
		CorrelationID:        uuid.NewString(),
		TerminalID:           t.ID,
		VenueID:              t.VenueID,
		Type:                 typ,
		Payload:              payload,
		Priority:             typ.DefaultPriority(),
		RequiresConfirmation: typ.HasStateEffect(),
		RequestedBy:          requestedBy,
		RequestedByName:      strings.TrimSpace(req.RequestedByName),
		Source:               req.Source,
		Status:               model.CommandStatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if cmd.Source == "" {
		cmd.Source = model.CommandSourceAPI
	}
	if req.Priority != nil {
		cmd.Priority = *req.Priority
	}
	if req.RequiresConfirmation != nil {
		cmd.RequiresConfirmation = *req.RequiresConfirmation
	}
	ttl := d.fleet.DefaultCommandTTL
	if req.TTL != nil {
		ttl = *req.TTL
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		cmd.ExpiresAt = &expiresAt
	}

	if err := d.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("persist command: %w", err)
	}
	d.metrics.enqueued(string(typ))
	d.logger.Info("Command enqueued",
		slog.String("command_id", cmd.ID),
		slog.String("terminal_id", t.ID),
		slog.String("type", string(typ)),
		slog.Int("priority", cmd.Priority),
		slog.String("requested_by", requestedBy))

	d.notifier.CommandStatusChanged(ctx, cmd, "", "")

	connected := t.HeartbeatWithin(now, d.fleet.LivenessWindow)
	if connected {
		d.Push(ctx, t, cmd)
	} else {
		d.metrics.push("skipped")
	}

	return &EnqueueResult{
		CommandID:                cmd.ID,
		CorrelationID:            cmd.CorrelationID,
		TerminalAppearsConnected: connected,
		Command:                  cmd,
		Terminal:                 t,
	}, nil
}

// Poll 领取终端的待投递命令并标记为 SENT
//
// 按优先级降序、创建时间升序，最多 PollBatchSize 条；
// 超过重投间隔仍未确认的 SENT 命令在达到最大次数前会再次返回。
func (d *Dispatcher) Poll(ctx context.Context, terminalID string) ([]*model.Command, error) {
	now := d.clock()
	opts := storage.ClaimOptions{
		Now:         now,
		Limit:       d.batchSize(),
		MaxAttempts: d.fleet.MaxAttempts,
	}
	if d.fleet.RedeliverAfter > 0 {
		opts.RedeliverBefore = now.Add(-d.fleet.RedeliverAfter)
	}

	cmds, err := d.store.ClaimPendingCommands(ctx, terminalID, opts)
	if err != nil {
		return nil, fmt.Errorf("claim commands for %s: %w", terminalID, err)
	}
	d.metrics.polled(len(cmds))

	for _, cmd := range cmds {
		previous := model.CommandStatusPending
		if cmd.Attempts > 1 {
			previous = model.CommandStatusSent
		}
		d.notifier.CommandStatusChanged(ctx, cmd, previous, "")
	}
	return cmds, nil
}

// Push 通过推送通道尽力投递，不改变命令状态
func (d *Dispatcher) Push(ctx context.Context, t *model.Terminal, cmd *model.Command) bool {
	if err := d.notifier.PushCommand(ctx, t.ID, cmd.ToMessage()); err != nil {
		d.metrics.push("failed")
		d.logger.Warn("Push failed, command remains queued for poll",
			slog.String("command_id", cmd.ID),
			slog.String("terminal_id", t.ID),
			slog.String("error", err.Error()))
		return false
	}
	d.metrics.push("sent")
	return true
}

// History 终端的命令历史（最新在前）
func (d *Dispatcher) History(ctx context.Context, identifier string, limit int) (*model.Terminal, []*model.Command, error) {
	t, err := d.resolver.Resolve(ctx, identifier)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, fmt.Errorf("terminal %q: %w", identifier, ErrNotFound)
	}
	cmds, err := d.store.ListCommandsByTerminal(ctx, t.ID, limit)
	if err != nil {
		return nil, nil, err
	}
	return t, cmds, nil
}

func (d *Dispatcher) batchSize() int {
	n := d.fleet.PollBatchSize
	if n <= 0 || n > config.MaxPollBatchSize {
		n = config.MaxPollBatchSize
	}
	return n
}
