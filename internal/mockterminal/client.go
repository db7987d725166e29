// Package mockterminal 模拟支付终端
//
// 用于联调和演示：按固定周期心跳、执行心跳响应或推送通道中的命令并回传确认。
// 设备侧逻辑只保留协议相关的最小状态（生命周期状态与锁定状态）。
package mockterminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"terminal-fleet/internal/shared/model"
)

// TerminalTokenHeader 终端共享密钥请求头
const TerminalTokenHeader = "X-Terminal-Token"

// Config 模拟终端配置
type Config struct {
	ServerURL   string        // API Server 地址，例如 http://localhost:8080
	Identifier  string        // 上报的序列号（可带或不带厂商前缀）
	Token       string        // 终端共享密钥
	Version     string        // 上报的固件版本
	Interval    time.Duration // 心跳周期
	DisablePush bool          // 只依赖心跳轮询
}

// Client 终端协议 HTTP 客户端
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient 创建客户端
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return &Client{config: cfg, httpClient: httpClient}
}

// heartbeatPayload 心跳请求体
type heartbeatPayload struct {
	Identifier string          `json:"identifier"`
	Timestamp  string          `json:"timestamp"`
	Status     string          `json:"status"`
	Version    string          `json:"version,omitempty"`
	DeviceInfo json.RawMessage `json:"deviceInfo,omitempty"`
}

// AckPayload 命令确认请求体
type AckPayload struct {
	CommandID      string          `json:"commandId"`
	TerminalSerial string          `json:"terminalSerial"`
	Result         string          `json:"result"`
	Message        string          `json:"message,omitempty"`
	ResultPayload  json.RawMessage `json:"resultPayload,omitempty"`
}

type serverResponse struct {
	Accepted  bool                   `json:"accepted"`
	Duplicate bool                   `json:"duplicate"`
	Commands  []model.CommandMessage `json:"commands"`
	Error     string                 `json:"error"`
}

// Heartbeat 上报心跳，返回服务端下发的命令
func (c *Client) Heartbeat(ctx context.Context, status string, deviceInfo json.RawMessage) ([]model.CommandMessage, error) {
	resp, err := c.post(ctx, "/api/v1/terminals/heartbeat", heartbeatPayload{
		Identifier: c.config.Identifier,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Status:     status,
		Version:    c.config.Version,
		DeviceInfo: deviceInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return resp.Commands, nil
}

// Ack 回传命令执行结果，返回服务端是否判定为重复确认
func (c *Client) Ack(ctx context.Context, ack AckPayload) (bool, error) {
	if ack.TerminalSerial == "" {
		ack.TerminalSerial = c.config.Identifier
	}
	resp, err := c.post(ctx, "/api/v1/terminals/commands/ack", ack)
	if err != nil {
		return false, fmt.Errorf("ack %s: %w", ack.CommandID, err)
	}
	return resp.Duplicate, nil
}

// PushURL 推送通道 WebSocket 地址
func (c *Client) PushURL() (string, error) {
	u, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/terminals"
	u.RawQuery = url.Values{"identifier": {c.config.Identifier}}.Encode()
	return u.String(), nil
}

// authHeader 终端请求需要携带的认证头
func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if c.config.Token != "" {
		h.Set(TerminalTokenHeader, c.config.Token)
	}
	return h
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (*serverResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ServerURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header = c.authHeader()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out serverResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response (status=%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !out.Accepted {
		return &out, fmt.Errorf("server rejected request (status=%d): %s", resp.StatusCode, out.Error)
	}
	return &out, nil
}
