package server

import (
	"net/http"

	"terminal-fleet/internal/apiserver/auth"
	"terminal-fleet/internal/apiserver/terminal"
)

// Router 返回配置好的 HTTP 路由
//
// 健康检查与指标:
//   - GET  /health
//   - GET  /metrics
//
// 终端设备（共享密钥）:
//   - POST /api/v1/terminals/heartbeat      - 心跳，响应携带待执行命令
//   - POST /api/v1/terminals/commands/ack   - 命令执行结果确认
//   - GET  /ws/terminals?identifier=...     - 命令推送连接
//
// 运维（JWT）:
//   - POST /api/v1/terminals/commands       - 命令入队
//   - GET  /api/v1/terminals/{id}           - 终端状态
//   - GET  /api/v1/terminals/{id}/commands  - 命令历史
//
// 观察者:
//   - GET  /ws/monitor                      - 终端与命令状态变化事件流
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.metrics.Handler())

	termHandler := terminal.NewHandler(h.terminals, h.clock)
	termHandler.RegisterRoutes(mux)

	// 应用指标中间件到 REST API
	apiHandler := h.metrics.MetricsMiddleware(mux)

	authMiddleware := auth.Middleware(h.authConfig)
	corsHandler := corsMiddleware(authMiddleware(apiHandler))

	// WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	if h.monitorWS != nil {
		topMux.HandleFunc("GET /ws/monitor", h.monitorWS.HandleWebSocket)
	}
	if h.pushHub != nil {
		topMux.Handle("GET /ws/terminals", authMiddleware(http.HandlerFunc(h.pushHub.HandleWebSocket)))
	}
	topMux.Handle("/", corsHandler)

	return topMux
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.TerminalTokenHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
