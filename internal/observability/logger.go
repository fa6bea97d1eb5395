// Package observability provides structured logging and metrics collection.
//
// Logger wraps log/slog with service-specific context fields.
// Metrics collects request counts, query latencies and error rates.
package observability

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps slog with a persistent component field.
type Logger struct {
	mu        sync.RWMutex
	inner     *slog.Logger
	component string
	fields    []slog.Attr
}

// NewLogger creates a structured logger for a given component.
// Output defaults to os.Stderr if w is nil.
func NewLogger(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return &Logger{
		inner:     slog.New(handler),
		component: component,
	}
}

// NewLoggerWithHandler creates a logger with a custom slog handler.
func NewLoggerWithHandler(component string, h slog.Handler) *Logger {
	return &Logger{
		inner:     slog.New(h),
		component: component,
	}
}

// With returns a new Logger with additional persistent fields.
func (l *Logger) With(key string, value any) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		inner:     l.inner.With(slog.Any(key, value)),
		component: l.component,
		fields:    append(l.fields, slog.Any(key, value)),
	}
}

// attrs prepends the component name to the arguments.
func (l *Logger) attrs(msg string, args []any) (string, []any) {
	return msg, append([]any{slog.String("component", l.component)}, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Debug(msg, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Info(msg, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Warn(msg, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Error(msg, args...)
}

// Request logs one handled HTTP request.
func (l *Logger) Request(method, path string, status int, elapsedMs int64, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Int64("elapsed_ms", elapsedMs),
	}, args...)
	l.inner.Info("request", allArgs...)
}

// QueryEvent logs one store operation.
func (l *Logger) QueryEvent(op string, elapsedMs int64, rows int, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.String("op", op),
		slog.Int64("elapsed_ms", elapsedMs),
		slog.Int("rows", rows),
	}, args...)
	l.inner.Debug("query", allArgs...)
}

// Component returns the component name associated with this logger.
func (l *Logger) Component() string {
	return l.component
}
