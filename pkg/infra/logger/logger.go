// Package logger configures the process-wide slog logger and carries
// correlation fields through contexts so every log line about an agent or
// message can be joined with the events it produced.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type contextKey int

const (
	correlationIDKey contextKey = iota
	agentIDKey
	messageIDKey
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
	mu            sync.RWMutex
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is json or text.
	Format string
	// Output defaults to os.Stderr.
	Output    io.Writer
	AddSource bool
}

// Init installs the default logger. Only the first call takes effect until
// Reset is called.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	once.Do(func() {
		defaultLogger = New(cfg)
		slog.SetDefault(defaultLogger)
	})
}

// Reset forgets the default logger so Init can run again. Tests use it.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	once = sync.Once{}
	defaultLogger = nil
}

// New builds a logger from cfg without installing it.
func New(cfg Config) *slog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the logger installed by Init, or slog's default.
func Default() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return slog.Default()
	}
	return l
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// WithContext returns the default logger enriched with the correlation
// fields found in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	return From(ctx, Default())
}

// From enriches l with the correlation fields found in ctx.
func From(ctx context.Context, l *slog.Logger) *slog.Logger {
	if attrs := Attrs(ctx); len(attrs) > 0 {
		return l.With(attrs...)
	}
	return l
}

// Attrs returns the correlation fields in ctx as slog key/value pairs.
func Attrs(ctx context.Context) []any {
	var attrs []any
	if v := CorrelationID(ctx); v != "" {
		attrs = append(attrs, "correlation_id", v)
	}
	if v, ok := ctx.Value(agentIDKey).(string); ok && v != "" {
		attrs = append(attrs, "agent_id", v)
	}
	if v, ok := ctx.Value(messageIDKey).(string); ok && v != "" {
		attrs = append(attrs, "message_id", v)
	}
	return attrs
}

// SetCorrelationID adds a correlation ID to the context.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID extracts the correlation ID from the context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// SetAgentID tags the context with the agent being handled.
func SetAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// SetMessageID tags the context with the message being streamed.
func SetMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey, id)
}

// Convenience functions that delegate to the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
