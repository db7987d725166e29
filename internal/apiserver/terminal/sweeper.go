package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"terminal-fleet/internal/shared/model"
	"terminal-fleet/pkg/logging"
)

// ============================================================================
// Offline Sweeper
// ============================================================================

// Sweeper 定期将心跳过期的 ACTIVE 终端降级为 INACTIVE
//
// 与心跳的 INACTIVE → ACTIVE 对称；MAINTENANCE 终端不受影响。
type Sweeper struct {
	store     Store
	notifier  *Notifier
	metrics   *Metrics
	clock     Clock
	threshold time.Duration
	interval  time.Duration
	logger    *logging.Logger
}

// Start 启动扫描循环，直到 ctx 取消
func (s *Sweeper) Start(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Offline sweeper started",
		slog.Duration("interval", interval),
		slog.Duration("threshold", s.threshold))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Offline sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Offline sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce 执行一次扫描，返回被降级的终端
func (s *Sweeper) SweepOnce(ctx context.Context) ([]*model.Terminal, error) {
	now := s.clock()
	demoted, err := s.store.DemoteStaleTerminals(ctx, now.Add(-s.threshold), now)
	if err != nil {
		return nil, fmt.Errorf("demote stale terminals: %w", err)
	}
	if len(demoted) == 0 {
		return nil, nil
	}

	s.metrics.demoted(len(demoted))
	s.logger.Info("Terminals marked offline", slog.Int("count", len(demoted)))
	for _, t := range demoted {
		s.notifier.TerminalStatusChanged(ctx, t, model.TerminalStatusActive)
	}
	return demoted, nil
}
