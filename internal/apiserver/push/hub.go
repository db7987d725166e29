// Package push 设备推送通道
//
// 终端通过 GET /ws/terminals 保持一条 WebSocket 连接；
// 事件总线 terminal_push:<id> 频道上的命令消息被写入该终端在本实例上的连接。
// 推送只是加速手段：连接断开或消息丢弃时，命令仍由下一次心跳轮询领取。
package push

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"terminal-fleet/internal/shared/eventbus"
	"terminal-fleet/internal/shared/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Resolver 将终端上报的标识符解析为终端记录
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (*model.Terminal, error)
}

// Hub 本实例上的终端推送连接
type Hub struct {
	bus      eventbus.Subscriber
	resolver Resolver
	clients  map[string]map[*client]bool // 按终端 ID 索引
	mu       sync.RWMutex
}

type client struct {
	terminalID string
	conn       *websocket.Conn
	send       chan []byte
}

// NewHub 创建推送中心
func NewHub(bus eventbus.Subscriber, resolver Resolver) *Hub {
	return &Hub{
		bus:      bus,
		resolver: resolver,
		clients:  make(map[string]map[*client]bool),
	}
}

// Start 订阅推送频道，并在后台分发给本地连接直到 ctx 取消
func (h *Hub) Start(ctx context.Context) error {
	msgs, err := h.bus.Subscribe(ctx, eventbus.PatternTerminalPush)
	if err != nil {
		return err
	}
	log.Printf("[push] Subscribed to %s", eventbus.PatternTerminalPush)
	go h.run(ctx, msgs)
	return nil
}

func (h *Hub) run(ctx context.Context, msgs <-chan *eventbus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			terminalID, ok := eventbus.TerminalIDFromChannel(msg.Channel)
			if !ok {
				continue
			}
			h.dispatch(terminalID, msg.Payload)
		}
	}
}

// dispatch 写入终端的发送队列；队列已满时丢弃
func (h *Hub) dispatch(terminalID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.clients[terminalID] {
		select {
		case c.send <- payload:
			delivered++
		default:
			log.Printf("[push] Send buffer full for terminal %s, dropping message", terminalID)
		}
	}
	return delivered
}

// Connections 终端在本实例上的连接数
func (h *Hub) Connections(terminalID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[terminalID])
}

// HandleWebSocket 终端推送连接
//
// 路由: GET /ws/terminals?identifier=<serial|id>
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		http.Error(w, `{"error":"identifier required"}`, http.StatusBadRequest)
		return
	}

	t, err := h.resolver.Resolve(r.Context(), identifier)
	if err != nil {
		log.Printf("[push] Failed to resolve %q: %v", identifier, err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if t == nil {
		http.Error(w, `{"error":"terminal not found"}`, http.StatusNotFound)
		return
	}
	if t.IsRetired() {
		log.Printf("[push] SECURITY: rejected push connection for retired terminal %s from %s", t.ID, r.RemoteAddr)
		http.Error(w, `{"error":"terminal retired"}`, http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[push] Upgrade error: %v", err)
		return
	}

	c := &client{terminalID: t.ID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.addClient(c)
	log.Printf("[push] Terminal %s connected", t.ID)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.terminalID] == nil {
		h.clients[c.terminalID] = make(map[*client]bool)
	}
	h.clients[c.terminalID][c] = true
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[c.terminalID]
	if !conns[c] {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.terminalID)
	}
	close(c.send)
}

// readPump 只处理控制帧，连接断开时注销
func (h *Hub) readPump(c *client) {
	defer func() {
		h.removeClient(c)
		c.conn.Close()
		log.Printf("[push] Terminal %s disconnected", c.terminalID)
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[push] Read error for terminal %s: %v", c.terminalID, err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("[push] Write error for terminal %s: %v", c.terminalID, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
