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
	TraceIDKey   ContextKey = "trace_id"
	StreamIDKey  ContextKey = "stream_id"
	OwnerIDKey   ContextKey = "owner_id"
	SessionIDKey ContextKey = "session_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"` // json or text
	Output    string `json:"output" yaml:"output"` // stdout, stderr, or file path
	Component string `json:"component" yaml:"-"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	return NewWithWriter(cfg, openOutput(cfg.Output))
}

// NewWithWriter 使用指定输出创建日志器（测试中捕获日志用）
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

	return &Logger{
		Logger:    slog.New(handler).With(slog.String("component", cfg.Component)),
		component: cfg.Component,
	}
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

func openOutput(output string) io.Writer {
	switch output {
	case "stdout", "":
		return os.Stdout
	case "stderr":
		return os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return os.Stdout
		}
		return f
	}
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

// Discard 丢弃全部输出的日志器
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
		Logger:    l.Logger.With(slog.String("subcomponent", component)),
		component: l.component,
	}
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	for _, key := range []ContextKey{TraceIDKey, StreamIDKey, OwnerIDKey, SessionIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// WithStreamID 添加 Stream ID
func (l *Logger) WithStreamID(streamID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("stream_id", streamID)),
		component: l.component,
	}
}

// WithOwnerID 添加 Owner ID
func (l *Logger) WithOwnerID(ownerID string) *Logger {
	if ownerID == "" {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("owner_id", ownerID)),
		component: l.component,
	}
}

// WithSessionID 添加会话 ID
func (l *Logger) WithSessionID(sessionID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("session_id", sessionID)),
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
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
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

// DBQueryLog 数据库查询日志
func (l *Logger) DBQueryLog(operation, table string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("table", table),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Error("DB query failed", attrs...)
	} else {
		l.Logger.Debug("DB query", attrs...)
	}
}

// StreamLog 事件流状态变化日志
func (l *Logger) StreamLog(action, streamID string, extra ...any) {
	attrs := []any{
		slog.String("action", action),
		slog.String("stream_id", streamID),
	}
	attrs = append(attrs, extra...)
	l.Logger.Info("Stream event", attrs...)
}

// PollLog 轮询结果日志
//
// benign 为 true 的错误（404、超时、后端暂不可用）只记 debug，不升级为告警。
func (l *Logger) PollLog(streamID, outcome string, latency time.Duration, err error, benign bool) {
	attrs := []any{
		slog.String("stream_id", streamID),
		slog.String("outcome", outcome),
		slog.Float64("latency_ms", float64(latency.Milliseconds())),
	}
	switch {
	case err == nil:
		l.Logger.Debug("Poll done", attrs...)
	case benign:
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Debug("Poll deferred", attrs...)
	default:
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Poll failed", attrs...)
	}
}

// ObserverFault 观察者回调异常日志
func (l *Logger) ObserverFault(streamID string, recovered any) {
	l.Logger.Error("Observer panicked",
		slog.String("stream_id", streamID),
		slog.Any("panic", recovered),
	)
}
