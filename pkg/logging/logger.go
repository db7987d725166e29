// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	RequestIDKey  ContextKey = "request_id"
	TerminalIDKey ContextKey = "terminal_id"
	CommandIDKey  ContextKey = "command_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	base      *slog.Logger // 未附加 component 的日志器，用于派生子组件
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, or file path
	Component string `json:"component"`
}

// ParseLevel 解析日志级别，未知值按 info 处理
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}
	return NewWithWriter(cfg, output)
}

// NewWithWriter 使用指定输出创建日志器
func NewWithWriter(cfg Config, output io.Writer) *Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	base := slog.New(handler)
	logger := base
	if cfg.Component != "" {
		logger = base.With(slog.String("component", cfg.Component))
	}
	return &Logger{Logger: logger, base: base, component: cfg.Component}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Discard 丢弃所有输出（用于测试）
func Discard() *Logger {
	return NewWithWriter(Config{Level: "error"}, io.Discard)
}

// Component 返回组件名
func (l *Logger) Component() string {
	return l.component
}

// Named 派生子组件日志器
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		Logger:    l.base.With(slog.String("component", component)),
		base:      l.base,
		component: component,
	}
}

// WithContext 从上下文提取请求信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("request_id", v))
	}
	if v, ok := ctx.Value(TerminalIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("terminal_id", v))
	}
	if v, ok := ctx.Value(CommandIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("command_id", v))
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{Logger: l.Logger.With(attrs...), base: l.base, component: l.component}
}

// WithTerminalID 添加终端 ID
func (l *Logger) WithTerminalID(terminalID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("terminal_id", terminalID)),
		base:      l.base,
		component: l.component,
	}
}

// WithCommandID 添加命令 ID
func (l *Logger) WithCommandID(commandID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("command_id", commandID)),
		base:      l.base,
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		base:      l.base,
		component: l.component,
	}
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, clientIP string) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("client_ip", clientIP),
	)
}

// SecurityLog 安全事件（退役终端心跳、确认归属不匹配等），始终以 ERROR 级别输出
func (l *Logger) SecurityLog(event string, attrs ...any) {
	l.Logger.Error("Security violation", append([]any{slog.String("event", event)}, attrs...)...)
}

// HeartbeatLog 心跳日志
func (l *Logger) HeartbeatLog(terminalID, status string, commands int, err error) {
	attrs := []any{
		slog.String("terminal_id", terminalID),
		slog.String("status", status),
		slog.Int("commands", commands),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Heartbeat rejected", attrs...)
	} else {
		l.Logger.Debug("Heartbeat accepted", attrs...)
	}
}
