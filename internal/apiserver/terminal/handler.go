package terminal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"terminal-fleet/internal/apiserver/auth"
	"terminal-fleet/internal/shared/model"
)

// Handler 终端领域 HTTP 处理器
type Handler struct {
	svc   *Service
	clock Clock
}

// NewHandler 创建终端处理器
func NewHandler(svc *Service, clock Clock) *Handler {
	if clock == nil {
		clock = SystemClock
	}
	return &Handler{svc: svc, clock: clock}
}

// RegisterRoutes 注册终端相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// 设备调用
	mux.HandleFunc("POST /api/v1/terminals/heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /api/v1/terminals/commands/ack", h.Ack)

	// 运维调用
	mux.HandleFunc("POST /api/v1/terminals/commands", h.Enqueue)
	mux.HandleFunc("GET /api/v1/terminals/{id}", h.Get)
	mux.HandleFunc("GET /api/v1/terminals/{id}/commands", h.ListCommands)
}

// ============================================================================
// 设备 API
// ============================================================================

// Heartbeat 终端心跳，响应中携带待执行命令
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"accepted": false, "error": "invalid request body"})
		return
	}
	req.NetworkAddress = clientIP(r)

	result, err := h.svc.Heartbeats.Process(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Printf("[terminal] heartbeat from %q failed: %v", req.Identifier, err)
		}
		writeJSON(w, status, map[string]interface{}{"accepted": false, "error": errorMessage(err, status)})
		return
	}

	commands := make([]model.CommandMessage, 0, len(result.Commands))
	for _, cmd := range result.Commands {
		commands = append(commands, cmd.ToMessage())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": true,
		"commands": commands,
	})
}

// Ack 终端确认命令执行结果
func (h *Handler) Ack(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"accepted": false, "error": "invalid request body"})
		return
	}

	result, err := h.svc.Acks.Process(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Printf("[terminal] ack for command %q failed: %v", req.CommandID, err)
		}
		writeJSON(w, status, map[string]interface{}{"accepted": false, "error": errorMessage(err, status)})
		return
	}

	resp := map[string]interface{}{"accepted": true}
	if result.Duplicate {
		resp["duplicate"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// 运维 API
// ============================================================================

// maxTTLSeconds 命令有效期上限（一年）
const maxTTLSeconds = 365 * 24 * 60 * 60

type enqueueRequest struct {
	TerminalIdentifier   string          `json:"terminalIdentifier"`
	CommandType          string          `json:"commandType"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	RequestedBy          string          `json:"requestedBy,omitempty"`
	RequestedByName      string          `json:"requestedByName,omitempty"`
	Source               string          `json:"source,omitempty"`
	Priority             *int            `json:"priority,omitempty"`
	TTLSeconds           *int            `json:"ttlSeconds,omitempty"`
	RequiresConfirmation *bool           `json:"requiresConfirmation,omitempty"`
}

// Enqueue 为终端创建一条命令
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TerminalIdentifier == "" {
		writeError(w, http.StatusBadRequest, "terminalIdentifier is required")
		return
	}
	if req.TTLSeconds != nil && (*req.TTLSeconds < 0 || *req.TTLSeconds > maxTTLSeconds) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("ttlSeconds must be between 0 and %d", maxTTLSeconds))
		return
	}

	in := EnqueueRequest{
		TerminalIdentifier:   req.TerminalIdentifier,
		CommandType:          req.CommandType,
		Payload:              req.Payload,
		RequestedBy:          req.RequestedBy,
		RequestedByName:      req.RequestedByName,
		Source:               model.CommandSource(strings.ToLower(req.Source)),
		Priority:             req.Priority,
		RequiresConfirmation: req.RequiresConfirmation,
	}
	// 已认证的运维身份优先于请求体
	if op := auth.GetOperator(r.Context()); op != nil {
		in.RequestedBy = op.ID
		in.RequestedByName = op.Name
		if in.Source == "" {
			in.Source = model.CommandSourceDashboard
		}
	}
	if req.TTLSeconds != nil {
		ttl := time.Duration(*req.TTLSeconds) * time.Second
		in.TTL = &ttl
	}

	result, err := h.svc.Dispatcher.Enqueue(r.Context(), in)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Printf("[terminal] enqueue %s for %q failed: %v", req.CommandType, req.TerminalIdentifier, err)
		}
		writeError(w, status, errorMessage(err, status))
		return
	}

	log.Printf("[terminal] Enqueued %s for %s (command=%s, connected=%v)",
		result.Command.Type, result.Terminal.ID, result.CommandID, result.TerminalAppearsConnected)
	writeJSON(w, http.StatusCreated, result)
}

// Get 获取终端状态
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.svc.Resolver.Resolve(r.Context(), id)
	if err != nil {
		log.Printf("[terminal] Failed to resolve %q: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to get terminal")
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "terminal not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// commandView 命令历史中的一条记录
type commandView struct {
	*model.Command
	Expired bool `json:"expired"`
}

// ListCommands 列出终端命令历史（最新在前）
func (h *Handler) ListCommands(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	t, cmds, err := h.svc.Dispatcher.History(r.Context(), id, limit)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Printf("[terminal] Failed to list commands for %q: %v", id, err)
		}
		writeError(w, status, errorMessage(err, status))
		return
	}

	now := h.clock()
	views := make([]commandView, 0, len(cmds))
	for _, cmd := range cmds {
		views = append(views, commandView{Command: cmd, Expired: !cmd.Status.IsFinal() && cmd.IsExpired(now)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"terminal_id": t.ID,
		"commands":    views,
		"count":       len(views),
	})
}

// ============================================================================
// 工具函数
// ============================================================================

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage 内部错误不向调用方暴露细节
func errorMessage(err error, status int) string {
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

// clientIP 优先使用反向代理传入的地址
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
