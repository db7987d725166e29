// Package server 路由配置与核心基础设施
//
// 文件组织：
//   - common.go: Handler 定义、健康检查、通用工具函数
//   - handler.go: 路由与中间件组装
//   - metrics.go: HTTP 请求 Prometheus 指标
//
// 领域接口在各自的包中注册：
//   - terminal: 心跳、命令入队与确认、终端查询
//   - push: 设备推送 WebSocket
//   - monitor: 观察者事件 WebSocket
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"terminal-fleet/internal/apiserver/auth"
	"terminal-fleet/internal/apiserver/monitor"
	"terminal-fleet/internal/apiserver/push"
	"terminal-fleet/internal/apiserver/terminal"
)

// Pinger 存储健康检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options Handler 依赖
type Options struct {
	Store     Pinger
	Terminals *terminal.Service
	Push      *push.Hub
	Monitor   *monitor.Handler
	Auth      auth.Config
	Metrics   *Metrics
	Clock     terminal.Clock
}

// Handler HTTP 入口，负责把请求分发到各领域处理器
type Handler struct {
	store      Pinger
	terminals  *terminal.Service
	pushHub    *push.Hub
	monitorWS  *monitor.Handler
	authConfig auth.Config
	metrics    *Metrics
	clock      terminal.Clock
}

// NewHandler 创建 HTTP 处理器
func NewHandler(opts Options) *Handler {
	return &Handler{
		store:      opts.Store,
		terminals:  opts.Terminals,
		pushHub:    opts.Push,
		monitorWS:  opts.Monitor,
		authConfig: opts.Auth,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
	}
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 存储不可用时返回 503，供负载均衡器摘除实例。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			log.Printf("[health] storage ping failed: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "storage": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
