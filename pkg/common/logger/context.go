package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates attributes over the course of an operation so
// that later entries carry everything learned so far.
type LoggerContext struct {
	logger *Logger

	mu    sync.Mutex
	attrs []any
}

// NewLoggerContext returns a LoggerContext writing through l.
func NewLoggerContext(l *Logger) *LoggerContext { return &LoggerContext{logger: l} }

// Add appends key/value pairs to every subsequent entry.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.attrs = append(lc.attrs, args...)
}

// Logger returns a Logger carrying the accumulated attributes.
func (lc *LoggerContext) Logger() *Logger { return lc.logger.With(lc.snapshot()...) }

func (lc *LoggerContext) snapshot() []any {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	out := make([]any, len(lc.attrs))
	copy(out, lc.attrs)
	return out
}

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelDebug, msg, append(lc.snapshot(), args...)...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelInfo, msg, append(lc.snapshot(), args...)...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelWarn, msg, append(lc.snapshot(), args...)...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelError, msg, append(lc.snapshot(), args...)...)
}
