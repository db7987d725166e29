package terminal

import (
	"time"

	"terminal-fleet/internal/config"
	"terminal-fleet/internal/shared/eventbus"
	"terminal-fleet/internal/shared/storage"
	"terminal-fleet/pkg/logging"
)

// Store 终端服务所需的持久化存储接口
type Store interface {
	storage.TerminalStore
	storage.CommandStore
}

// Clock 时间源，服务内所有时间均为 UTC
type Clock func() time.Time

// SystemClock 系统时钟
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Deps 终端服务依赖
type Deps struct {
	Store   Store
	Bus     eventbus.Publisher
	Fleet   config.FleetConfig
	Clock   Clock
	Metrics *Metrics
	Logger  *logging.Logger
}

// Service 终端领域服务集合，各组件共享同一存储、总线和时钟
type Service struct {
	Resolver   *Resolver
	Notifier   *Notifier
	Dispatcher *Dispatcher
	Heartbeats *HeartbeatProcessor
	Acks       *AckProcessor
	Sweeper    *Sweeper
}

// NewService 组装终端领域服务
func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.Logger == nil {
		d.Logger = logging.Default("terminal")
	}
	if d.Bus == nil {
		d.Bus = eventbus.NewNoOpBus()
	}

	resolver := NewResolver(d.Store, d.Fleet.SerialPrefix)
	notifier := NewNotifier(d.Bus, d.Clock, d.Logger.Named("notifier"))
	dispatcher := &Dispatcher{
		store:    d.Store,
		resolver: resolver,
		notifier: notifier,
		metrics:  d.Metrics,
		clock:    d.Clock,
		fleet:    d.Fleet,
		logger:   d.Logger.Named("dispatcher"),
	}

	return &Service{
		Resolver:   resolver,
		Notifier:   notifier,
		Dispatcher: dispatcher,
		Heartbeats: &HeartbeatProcessor{
			store:      d.Store,
			resolver:   resolver,
			dispatcher: dispatcher,
			notifier:   notifier,
			metrics:    d.Metrics,
			clock:      d.Clock,
			fleet:      d.Fleet,
			logger:     d.Logger.Named("heartbeat"),
		},
		Acks: &AckProcessor{
			store:    d.Store,
			notifier: notifier,
			metrics:  d.Metrics,
			clock:    d.Clock,
			prefix:   d.Fleet.SerialPrefix,
			logger:   d.Logger.Named("ack"),
		},
		Sweeper: &Sweeper{
			store:     d.Store,
			notifier:  notifier,
			metrics:   d.Metrics,
			clock:     d.Clock,
			threshold: d.Fleet.OfflineThreshold,
			interval:  d.Fleet.SweepInterval,
			logger:    d.Logger.Named("sweeper"),
		},
	}
}
