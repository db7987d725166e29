package mockterminal

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"terminal-fleet/internal/shared/model"
)

// maxSeen 去重表上限，超过后整体清空
const maxSeen = 1024

// Agent 模拟终端主循环
//
// 命令可能同时出现在推送通道和心跳响应中，按 correlationId 去重，每条只执行一次。
// 确认失败的命令在重新下发时只补发确认，不再执行。
type Agent struct {
	config Config
	client *Client
	device *Device

	mu   sync.Mutex
	seen map[string]*delivery
}

// delivery 一条命令在本地的执行记录
type delivery struct {
	outcome *Outcome // nil 表示仍在执行
	acked   bool
}

// NewAgent 创建模拟终端
func NewAgent(cfg Config, client *Client, device *Device) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Agent{
		config: cfg,
		client: client,
		device: device,
		seen:   make(map[string]*delivery),
	}
}

// Start 启动心跳与推送循环，直到 ctx 取消
func (a *Agent) Start(ctx context.Context) {
	if !a.config.DisablePush {
		go a.pushLoop(ctx)
	}

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	a.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.beat(ctx)
		}
	}
}

// beat 发送一次心跳并执行返回的命令
func (a *Agent) beat(ctx context.Context) {
	cmds, err := a.client.Heartbeat(ctx, string(a.device.Status()), a.device.DeviceInfo())
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[heartbeat] failed: %v", err)
		}
		return
	}
	for _, cmd := range cmds {
		a.Handle(ctx, cmd)
	}
}

// Handle 执行一条命令并确认
//
// 已确认的 correlationId 直接忽略并返回 false；
// 执行过但确认失败的命令只补发确认。
func (a *Agent) Handle(ctx context.Context, cmd model.CommandMessage) bool {
	d, fresh := a.track(cmd.CorrelationID)
	if !fresh {
		a.mu.Lock()
		out, acked := d.outcome, d.acked
		a.mu.Unlock()
		if acked || out == nil {
			return false
		}
		log.Printf("[command] %s redelivered, resending %s", cmd.CommandID, out.Result)
		a.settle(d, a.ack(ctx, cmd, *out))
		return true
	}

	var out Outcome
	if cmd.ExpiresAt != nil && !time.Now().Before(*cmd.ExpiresAt) {
		out = Outcome{Result: model.CommandResultTimeout, Message: "command expired before execution"}
	} else {
		out = a.device.Execute(cmd)
		log.Printf("[command] %s %s -> %s (%s)", cmd.CommandID, cmd.Type, out.Result, out.Message)
	}

	if d != nil {
		a.mu.Lock()
		d.outcome = &out
		a.mu.Unlock()
	}
	a.settle(d, a.ack(ctx, cmd, out))
	return true
}

func (a *Agent) ack(ctx context.Context, cmd model.CommandMessage, out Outcome) error {
	duplicate, err := a.client.Ack(ctx, AckPayload{
		CommandID:     cmd.CommandID,
		Result:        string(out.Result),
		Message:       out.Message,
		ResultPayload: out.Payload,
	})
	if err != nil {
		log.Printf("[ack] failed: %v", err)
		return err
	}
	if duplicate {
		log.Printf("[ack] %s already acknowledged", cmd.CommandID)
	}
	return nil
}

// settle 确认成功后记录，之后的重复下发不再处理
func (a *Agent) settle(d *delivery, err error) {
	if d == nil || err != nil {
		return
	}
	a.mu.Lock()
	d.acked = true
	a.mu.Unlock()
}

// track 返回 correlationId 对应的执行记录，fresh 表示首次出现。
// 没有 correlationId 的命令不去重，返回 nil。
func (a *Agent) track(correlationID string) (*delivery, bool) {
	if correlationID == "" {
		return nil, true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.seen[correlationID]; ok {
		return d, false
	}
	if len(a.seen) >= maxSeen {
		a.seen = make(map[string]*delivery)
	}
	d := &delivery{}
	a.seen[correlationID] = d
	return d, true
}

// pushLoop 保持推送连接，断开后按退避重连
func (a *Agent) pushLoop(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		connected, err := a.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = time.Second
		}
		log.Printf("[push] disconnected: %v, retry in %s", err, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// listen 建立一次推送连接并读取到断开为止
func (a *Agent) listen(ctx context.Context) (bool, error) {
	pushURL, err := a.client.PushURL()
	if err != nil {
		return false, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, pushURL, a.client.authHeader())
	if err != nil {
		return false, err
	}
	defer conn.Close()
	log.Printf("[push] connected %s", pushURL)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var cmd model.CommandMessage
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Printf("[push] invalid message: %v", err)
			continue
		}
		a.Handle(ctx, cmd)
	}
}
