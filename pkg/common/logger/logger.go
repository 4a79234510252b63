// Package logger provides structured, leveled logging built on log/slog.
//
// A Logger fans records out to the sinks selected for the active profile: a
// JSON console sink (development only), an optional in-memory ring buffer,
// and a best-effort remote sink with a bounded retry queue.
package logger

import (
	"context"
	"io"
	"log"
	"log/slog"
	"runtime"
	"strconv"
	"time"
)

// TraceIDFn extracts a trace identifier from a context.
type TraceIDFn func(ctx context.Context) string

// Logger writes structured entries. All methods are safe for concurrent use.
type Logger struct {
	handler   slog.Handler
	traceIDFn TraceIDFn
	events    Events
}

// New constructs a Logger that writes JSON to w at or above minLevel.
func New(w io.Writer, minLevel Level, serviceName string, traceIDFn TraceIDFn) *Logger {
	return NewWithEvents(w, minLevel, serviceName, traceIDFn, Events{})
}

// NewWithEvents constructs a Logger that also invokes the supplied event
// hooks for every entry written at the matching level.
func NewWithEvents(w io.Writer, minLevel Level, serviceName string, traceIDFn TraceIDFn, events Events) *Logger {
	return NewWithMetadata(w, minLevel, serviceName, traceIDFn, events, nil)
}

// NewWithMetadata constructs a Logger whose entries all carry the provided
// metadata as attributes.
func NewWithMetadata(
	w io.Writer,
	minLevel Level,
	serviceName string,
	traceIDFn TraceIDFn,
	events Events,
	metadata map[string]string,
) *Logger {
	h := slog.Handler(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.Level(minLevel),
		ReplaceAttr: replaceSource,
	}))

	attrs := []slog.Attr{slog.String("service", serviceName)}
	for k, v := range metadata {
		if v == "" {
			continue
		}
		attrs = append(attrs, slog.String(k, v))
	}
	h = h.WithAttrs(attrs)

	return &Logger{handler: h, traceIDFn: traceIDFn, events: events}
}

// NewWithHandler wraps an arbitrary slog.Handler.
func NewWithHandler(h slog.Handler) *Logger { return &Logger{handler: h} }

// Noop returns a Logger that discards everything.
func Noop() *Logger {
	return &Logger{handler: slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(LevelError + 1)})}
}

// NewStdLogger adapts l to the standard library logger, writing every line at
// the given level. Useful for http.Server.ErrorLog.
func NewStdLogger(l *Logger, level Level) *log.Logger {
	return slog.NewLogLogger(l.handler, slog.Level(level))
}

// With returns a child Logger that adds args to every entry.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{
		handler:   l.handler.WithAttrs(argsToAttrs(args)),
		traceIDFn: l.traceIDFn,
		events:    l.events,
	}
}

// Enabled reports whether an entry at level would be written.
func (l *Logger) Enabled(ctx context.Context, level Level) bool {
	return l.handler.Enabled(ctx, slog.Level(level))
}

// Handler exposes the underlying handler, chiefly for bridging libraries.
func (l *Logger) Handler() slog.Handler { return l.handler }

// Debug logs at LevelDebug.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.write(ctx, LevelDebug, msg, args...)
}

// Info logs at LevelInfo.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.write(ctx, LevelInfo, msg, args...)
}

// Warn logs at LevelWarn.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.write(ctx, LevelWarn, msg, args...)
}

// Error logs at LevelError.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.write(ctx, LevelError, msg, args...)
}

// write must be called directly from an exported logging method so the
// recorded source location points at the caller.
func (l *Logger) write(ctx context.Context, level Level, msg string, args ...any) {
	if ctx == nil {
		ctx = context.Background()
	}
	slogLevel := slog.Level(level)
	if !l.handler.Enabled(ctx, slogLevel) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), slogLevel, msg, pcs[0])
	if l.traceIDFn != nil {
		args = append(args, "trace_id", l.traceIDFn(ctx))
	}
	r.Add(args...)

	_ = l.handler.Handle(ctx, r)
	l.events.dispatch(ctx, level, r)
}

func replaceSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	if src, ok := a.Value.Any().(*slog.Source); ok {
		return slog.String(slog.SourceKey, shortFile(src.File)+":"+strconv.Itoa(src.Line))
	}
	return a
}

func shortFile(path string) string {
	slashes := 0
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			slashes++
			if slashes == 2 {
				return path[i+1:]
			}
		}
	}
	return path
}

func argsToAttrs(args []any) []slog.Attr {
	r := slog.NewRecord(time.Time{}, slog.LevelInfo, "", 0)
	r.Add(args...)

	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return attrs
}
