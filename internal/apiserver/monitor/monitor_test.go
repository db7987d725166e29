package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terminal-fleet/internal/shared/eventbus"
	"terminal-fleet/internal/shared/model"
)

func setupMonitor(t *testing.T) (*Handler, *eventbus.MemoryBus, string) {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })

	h := NewHandler(bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.Start(ctx))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/monitor", h.HandleWebSocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, bus, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/monitor"
}

func connect(t *testing.T, h *Handler, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.Clients() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestMonitor_ForwardsFleetEvents(t *testing.T) {
	h, bus, url := setupMonitor(t)
	a := connect(t, h, url, 1)
	b := connect(t, h, url, 2)

	data, err := json.Marshal(model.TerminalStatusChanged{TerminalID: "term-1", VenueID: "venue-1", Status: model.TerminalStatusMaintenance})
	require.NoError(t, err)
	envelope, err := json.Marshal(model.FleetEvent{Type: model.EventTerminalStatusChanged, Timestamp: time.Now().UTC(), Data: data})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), eventbus.ChannelFleetEvents, envelope))

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, got, err := conn.ReadMessage()
		require.NoError(t, err)

		var ev model.FleetEvent
		require.NoError(t, json.Unmarshal(got, &ev))
		assert.Equal(t, model.EventTerminalStatusChanged, ev.Type)
		assert.JSONEq(t, string(data), string(ev.Data))
	}
}

func TestMonitor_IgnoresPushChannels(t *testing.T) {
	h, bus, url := setupMonitor(t)
	conn := connect(t, h, url, 1)

	require.NoError(t, bus.Publish(context.Background(), eventbus.TerminalPushChannel("term-1"), []byte(`{"commandId":"x"}`)))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestMonitor_RemovesDisconnectedClients(t *testing.T) {
	h, _, url := setupMonitor(t)
	conn := connect(t, h, url, 1)

	conn.Close()
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
