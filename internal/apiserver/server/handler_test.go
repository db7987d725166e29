package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terminal-fleet/internal/apiserver/auth"
	"terminal-fleet/internal/apiserver/monitor"
	"terminal-fleet/internal/apiserver/push"
	"terminal-fleet/internal/apiserver/terminal"
	"terminal-fleet/internal/config"
	"terminal-fleet/internal/shared/eventbus"
	"terminal-fleet/internal/shared/model"
	sqlitedriver "terminal-fleet/internal/shared/storage/driver/sqlite"
	"terminal-fleet/internal/shared/storage/repository"
	"terminal-fleet/pkg/logging"
)

type testEnv struct {
	store *repository.Store
	srv   *httptest.Server
	now   time.Time
}

func setupServer(t *testing.T, authCfg auth.Config) *testEnv {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })

	now := time.Now().UTC().Truncate(time.Second)
	clock := func() time.Time { return now }
	reg := prometheus.NewRegistry()
	svc := terminal.NewService(terminal.Deps{
		Store: store,
		Bus:   bus,
		Fleet: config.FleetConfig{
			LivenessWindow: 90 * time.Second, OfflineThreshold: 5 * time.Minute,
			PollBatchSize: 10, RedeliverAfter: 2 * time.Minute, MaxAttempts: 3,
			DefaultCommandTTL: time.Hour, SerialPrefix: "AVQD-",
		},
		Clock:   clock,
		Metrics: terminal.NewMetrics(reg, "fleet"),
		Logger:  logging.Discard(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := push.NewHub(bus, svc.Resolver)
	require.NoError(t, hub.Start(ctx))
	mon := monitor.NewHandler(bus)
	require.NoError(t, mon.Start(ctx))

	h := NewHandler(Options{
		Store:     store,
		Terminals: svc,
		Push:      hub,
		Monitor:   mon,
		Auth:      authCfg,
		Metrics:   NewMetrics(reg, reg, "fleet"),
		Clock:     clock,
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	activated := now.Add(-time.Hour)
	require.NoError(t, store.CreateTerminal(context.Background(), &model.Terminal{
		ID: "term-1", VenueID: "venue-1", Serial: "AVQD-1", Status: model.TerminalStatusInactive,
		ActivatedAt: &activated, CreatedAt: activated, UpdatedAt: activated,
	}))
	return &testEnv{store: store, srv: srv, now: now}
}

func post(t *testing.T, url string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	env := setupServer(t, auth.Config{})

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

type brokenStore struct{}

func (brokenStore) Ping(context.Context) error { return errors.New("database is locked") }

func TestHealth_StorageDown(t *testing.T) {
	h := NewHandler(Options{Store: brokenStore{}})
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestRouter_HeartbeatAndMetrics(t *testing.T) {
	env := setupServer(t, auth.Config{JWTSecret: "s3cret", TerminalToken: "device-token"})

	resp := post(t, env.srv.URL+"/api/v1/terminals/heartbeat",
		map[string]string{"identifier": "AVQD-1", "timestamp": env.now.Format(time.RFC3339)},
		map[string]string{auth.TerminalTokenHeader: "device-token"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := env.store.GetTerminal(context.Background(), "term-1")
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusActive, stored.Status)

	// 运维接口需要 JWT
	resp = post(t, env.srv.URL+"/api/v1/terminals/commands",
		map[string]string{"terminalIdentifier": "AVQD-1", "commandType": "LOCK", "requestedBy": "op"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	metricsResp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	raw, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, `fleet_terminal_heartbeats_total{outcome="promoted"} 1`)
	assert.Contains(t, text, `fleet_http_requests_total{method="POST",path="/api/v1/terminals/heartbeat",status="200"} 1`)
}

func TestRouter_MonitorReceivesEvents(t *testing.T) {
	env := setupServer(t, auth.Config{})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.srv.URL, "http")+"/ws/monitor", nil)
	require.NoError(t, err)
	defer conn.Close()

	// 连接注册是异步的：重复心跳直到观察者收到事件
	received := make(chan model.FleetEvent, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev model.FleetEvent
		if json.Unmarshal(data, &ev) == nil {
			received <- ev
		}
	}()

	deadline := time.After(3 * time.Second)
	for {
		post(t, env.srv.URL+"/api/v1/terminals/heartbeat", map[string]string{"identifier": "AVQD-1"}, nil)
		select {
		case ev := <-received:
			assert.Equal(t, model.EventTerminalStatusChanged, ev.Type)
			return
		case <-deadline:
			t.Fatal("monitor did not receive any event")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestRouter_PushRequiresTerminalToken(t *testing.T) {
	env := setupServer(t, auth.Config{TerminalToken: "device-token"})
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/terminals?identifier=AVQD-1"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{auth.TerminalTokenHeader: []string{"device-token"}})
	require.NoError(t, err)
	conn.Close()
}

func TestCORSPreflight(t *testing.T) {
	env := setupServer(t, auth.Config{JWTSecret: "s3cret"})

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/v1/terminals/commands", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/health":                            "/health",
		"/api/v1/terminals/heartbeat":        "/api/v1/terminals/heartbeat",
		"/api/v1/terminals/commands":         "/api/v1/terminals/commands",
		"/api/v1/terminals/commands/ack":     "/api/v1/terminals/commands/ack",
		"/api/v1/terminals/AVQD-1":           "/api/v1/terminals/{id}",
		"/api/v1/terminals/term-77/commands": "/api/v1/terminals/{id}/commands",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}
