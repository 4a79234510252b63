package logger

import (
	"context"
	"log/slog"
	"time"
)

// Record is the view of a log entry handed to event hooks.
type Record struct {
	Time       time.Time
	Message    string
	Level      Level
	Attributes map[string]any
}

// EventFn is invoked after an entry at the matching level has been written.
type EventFn func(ctx context.Context, r Record)

// Events holds optional hooks per level. A typical use is forwarding errors
// to an alerting channel.
type Events struct {
	Debug EventFn
	Info  EventFn
	Warn  EventFn
	Error EventFn
}

func (e Events) dispatch(ctx context.Context, level Level, r slog.Record) {
	var fn EventFn
	switch level {
	case LevelDebug:
		fn = e.Debug
	case LevelInfo:
		fn = e.Info
	case LevelWarn:
		fn = e.Warn
	case LevelError:
		fn = e.Error
	}
	if fn == nil {
		return
	}

	fn(ctx, toRecord(r))
}

func toRecord(r slog.Record) Record {
	attrs := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	return Record{
		Time:       r.Time,
		Message:    r.Message,
		Level:      Level(r.Level),
		Attributes: attrs,
	}
}
