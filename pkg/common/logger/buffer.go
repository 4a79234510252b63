package logger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultBufferCapacity is the number of entries retained by a RingBuffer
// created without an explicit capacity.
const DefaultBufferCapacity = 100

// LogEntry is the sink-facing representation of a single log call.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      Level          `json:"-"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context,omitempty"`
	RetryCount int            `json:"-"`
}

// RingBuffer keeps the most recent log entries in memory, evicting the oldest
// once full.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	start   int
	size    int
}

// NewRingBuffer creates a buffer holding up to capacity entries. A
// non-positive capacity selects DefaultBufferCapacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &RingBuffer{entries: make([]LogEntry, capacity)}
}

// Push appends an entry, overwriting the oldest when at capacity.
func (b *RingBuffer) Push(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.entries)
	if b.size < capacity {
		b.entries[(b.start+b.size)%capacity] = e
		b.size++
		return
	}
	b.entries[b.start] = e
	b.start = (b.start + 1) % capacity
}

// Entries returns a copy of the buffered entries, oldest first.
func (b *RingBuffer) Entries() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]LogEntry, b.size)
	for i := range b.size {
		out[i] = b.entries[(b.start+i)%len(b.entries)]
	}
	return out
}

// Len returns the number of buffered entries.
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the maximum number of entries retained.
func (b *RingBuffer) Cap() int { return len(b.entries) }

// Clear drops every buffered entry.
func (b *RingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.entries)
	b.start, b.size = 0, 0
}

// entryHandler converts slog records to LogEntry values and hands them to sink.
type entryHandler struct {
	accept func(level slog.Level) bool
	sink   func(LogEntry)
	attrs  []slog.Attr
	group  string
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool { return h.accept(level) }

func (h *entryHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fields[key] = a.Value.Resolve().Any()
		return true
	})

	h.sink(LogEntry{
		Timestamp: r.Time,
		Level:     Level(r.Level),
		Message:   r.Message,
		Context:   fields,
	})
	return nil
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

func newBufferHandler(buf *RingBuffer) slog.Handler {
	return &entryHandler{
		accept: func(slog.Level) bool { return true },
		sink:   buf.Push,
	}
}
