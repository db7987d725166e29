// Package monitor 观察者实时事件流
//
// 仪表盘等只读消费方通过 GET /ws/monitor 订阅 fleet_events：
// 终端状态变化和命令状态变化原样转发，尽力而为，不保证送达。
package monitor

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"terminal-fleet/internal/shared/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 只读数据流，允许跨域
	},
}

// Handler 观察者 WebSocket 连接处理器
//
// 所有写操作都在转发协程中完成，每个连接只有一个写入方。
type Handler struct {
	bus          eventbus.Subscriber
	clients      map[*websocket.Conn]bool
	mu           sync.RWMutex
	pingInterval time.Duration
}

// NewHandler 创建观察者处理器
func NewHandler(bus eventbus.Subscriber) *Handler {
	return &Handler{
		bus:          bus,
		clients:      make(map[*websocket.Conn]bool),
		pingInterval: 30 * time.Second,
	}
}

// Start 订阅 fleet_events 并在后台广播，直到 ctx 取消
func (m *Handler) Start(ctx context.Context) error {
	msgs, err := m.bus.Subscribe(ctx, eventbus.ChannelFleetEvents)
	if err != nil {
		return err
	}
	go m.broadcastLoop(ctx, msgs)
	return nil
}

// HandleWebSocket 处理观察者连接
//
// 路由: GET /ws/monitor
func (m *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[MonitorWS] Upgrade error: %v", err)
		return
	}

	m.mu.Lock()
	m.clients[conn] = true
	total := len(m.clients)
	m.mu.Unlock()
	log.Printf("[MonitorWS] Client connected, total: %d", total)

	go m.readPump(conn)
}

// Clients 当前连接数
func (m *Handler) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Handler) readPump(conn *websocket.Conn) {
	defer func() {
		m.mu.Lock()
		delete(m.clients, conn)
		remaining := len(m.clients)
		m.mu.Unlock()
		conn.Close()
		log.Printf("[MonitorWS] Client disconnected, remaining: %d", remaining)
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(2 * m.pingInterval))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * m.pingInterval))
		return nil
	})

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[MonitorWS] Read error: %v", err)
			}
			break
		}
	}
}

func (m *Handler) broadcast(messageType int, data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for conn := range m.clients {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(messageType, data); err != nil {
			log.Printf("[MonitorWS] Broadcast error: %v", err)
		}
	}
}

func (m *Handler) broadcastLoop(ctx context.Context, msgs <-chan *eventbus.Message) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case msg, ok := <-msgs:
			if !ok {
				m.closeAll()
				return
			}
			m.broadcast(websocket.TextMessage, msg.Payload)
		case <-ticker.C:
			m.broadcast(websocket.PingMessage, nil)
		}
	}
}

func (m *Handler) closeAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for conn := range m.clients {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
	}
}
