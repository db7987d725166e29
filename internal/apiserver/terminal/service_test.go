package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"terminal-fleet/internal/config"
	"terminal-fleet/internal/shared/eventbus"
	"terminal-fleet/internal/shared/model"
	sqlitedriver "terminal-fleet/internal/shared/storage/driver/sqlite"
	"terminal-fleet/internal/shared/storage/repository"
	"terminal-fleet/pkg/logging"
)

// ============================================================================
// 测试夹具：SQLite 内存库 + 进程内总线 + 可控时钟
// ============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testFleetConfig() config.FleetConfig {
	return config.FleetConfig{
		LivenessWindow:    90 * time.Second,
		OfflineThreshold:  5 * time.Minute,
		SweepInterval:     time.Minute,
		PollBatchSize:     10,
		RedeliverAfter:    2 * time.Minute,
		MaxAttempts:       3,
		DefaultCommandTTL: 24 * time.Hour,
		SerialPrefix:      "AVQD-",
	}
}

type fixture struct {
	svc   *Service
	store *repository.Store
	bus   *eventbus.MemoryBus
	clock *testClock
	reg   *prometheus.Registry
	logs  *logBuffer
}

// logBuffer 并发安全的日志缓冲
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, nil)
}

// newFixtureWithStore wrap 非 nil 时用于包装真实存储（注入故障）
func newFixtureWithStore(t *testing.T, wrap func(Store) Store) *fixture {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })

	var svcStore Store = store
	if wrap != nil {
		svcStore = wrap(store)
	}

	clock := newTestClock()
	reg := prometheus.NewRegistry()
	logs := &logBuffer{}
	svc := NewService(Deps{
		Store:   svcStore,
		Bus:     bus,
		Fleet:   testFleetConfig(),
		Clock:   clock.Now,
		Metrics: NewMetrics(reg, "test"),
		Logger:  logging.NewWithWriter(logging.Config{Level: "debug", Format: "json", Component: "test"}, logs),
	})
	return &fixture{svc: svc, store: store, bus: bus, clock: clock, reg: reg, logs: logs}
}

type terminalOpt func(*model.Terminal)

func withLastHeartbeat(ago time.Duration) terminalOpt {
	return func(t *model.Terminal) {
		ts := t.CreatedAt.Add(time.Hour - ago)
		t.LastHeartbeat = &ts
	}
}

func notActivated() terminalOpt {
	return func(t *model.Terminal) { t.ActivatedAt = nil }
}

func withLegacyID(id string) terminalOpt {
	return func(t *model.Terminal) { t.LegacyExternalID = &id }
}

func withLock(reason string) terminalOpt {
	return func(t *model.Terminal) {
		at := t.CreatedAt
		t.Lock = model.LockState{Locked: true, Reason: reason, LockedBy: "op-0", LockedAt: &at}
	}
}

// seedTerminal 创建一台一小时前注册并激活的终端
func (f *fixture) seedTerminal(t *testing.T, id, serial string, status model.TerminalStatus, opts ...terminalOpt) *model.Terminal {
	t.Helper()
	created := f.clock.Now().Add(-time.Hour)
	activated := created
	term := &model.Terminal{
		ID:          id,
		VenueID:     "venue-1",
		Serial:      serial,
		Status:      status,
		ActivatedAt: &activated,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	for _, opt := range opts {
		opt(term)
	}
	require.NoError(t, f.store.CreateTerminal(context.Background(), term))
	return term
}

func (f *fixture) terminal(t *testing.T, id string) *model.Terminal {
	t.Helper()
	term, err := f.store.GetTerminal(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, term)
	return term
}

func (f *fixture) command(t *testing.T, id string) *model.Command {
	t.Helper()
	cmd, err := f.store.GetCommand(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	return cmd
}

func (f *fixture) enqueue(t *testing.T, terminalID string, typ model.CommandType, payload string) *EnqueueResult {
	t.Helper()
	req := EnqueueRequest{
		TerminalIdentifier: terminalID,
		CommandType:        string(typ),
		RequestedBy:        "op-1",
		RequestedByName:    "Operator One",
	}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	res, err := f.svc.Dispatcher.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return res
}

func (f *fixture) heartbeat(t *testing.T, identifier string) *HeartbeatResult {
	t.Helper()
	res, err := f.svc.Heartbeats.Process(context.Background(), HeartbeatRequest{
		Identifier: identifier,
		Timestamp:  f.clock.Now().Format(time.RFC3339),
		Status:     "ACTIVE",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) subscribe(t *testing.T, pattern string) <-chan *eventbus.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := f.bus.Subscribe(ctx, pattern)
	require.NoError(t, err)
	return ch
}

// drainEvents 取出当前已发布的全部观察者事件
func drainEvents(t *testing.T, ch <-chan *eventbus.Message) []model.FleetEvent {
	t.Helper()
	var events []model.FleetEvent
	for {
		select {
		case msg := <-ch:
			var ev model.FleetEvent
			require.NoError(t, json.Unmarshal(msg.Payload, &ev))
			events = append(events, ev)
		default:
			return events
		}
	}
}

func terminalEvents(t *testing.T, events []model.FleetEvent) []model.TerminalStatusChanged {
	t.Helper()
	var out []model.TerminalStatusChanged
	for _, ev := range events {
		if ev.Type != model.EventTerminalStatusChanged {
			continue
		}
		var data model.TerminalStatusChanged
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		out = append(out, data)
	}
	return out
}

func commandEvents(t *testing.T, events []model.FleetEvent) []model.CommandStatusChanged {
	t.Helper()
	var out []model.CommandStatusChanged
	for _, ev := range events {
		if ev.Type != model.EventCommandStatusChanged {
			continue
		}
		var data model.CommandStatusChanged
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		out = append(out, data)
	}
	return out
}

// counterValue 读取计数器当前值，找不到时返回 0
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func commandIDs(cmds []*model.Command) []string {
	ids := make([]string, 0, len(cmds))
	for _, c := range cmds {
		ids = append(ids, c.ID)
	}
	return ids
}
