// Package history retains the most recent alert updates received over the
// push channel, newest first.
package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahrav/livesync/internal/domain/events"
	"github.com/ahrav/livesync/internal/domain/realtime"
	"github.com/ahrav/livesync/pkg/common/logger"
)

// DefaultCapacity is the number of alert updates retained.
const DefaultCapacity = 50

var _ events.EventHandler = (*Buffer)(nil)

// Buffer is a bounded, ordered store of alert updates. Index 0 is always the
// most recently inserted event; once full, inserting evicts the oldest.
//
// Storage is a ring: head points at the newest element and moves backwards
// on insert, so prepending never shifts elements.
type Buffer struct {
	mu      sync.RWMutex
	entries []realtime.AlertUpdateEvent
	head    int
	size    int

	logger *logger.Logger
}

// NewBuffer creates a Buffer holding up to capacity events. A non-positive
// capacity selects DefaultCapacity.
func NewBuffer(capacity int, logger *logger.Logger) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries: make([]realtime.AlertUpdateEvent, capacity),
		logger:  logger.With("component", "event_history"),
	}
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.entries) }

// Len returns the number of retained events.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Insert prepends evt, evicting the oldest event when full.
func (b *Buffer) Insert(evt realtime.AlertUpdateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	b.head = (b.head - 1 + n) % n
	b.entries[b.head] = evt
	if b.size < n {
		b.size++
	}
}

// Clear removes every event.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.entries)
	b.head, b.size = 0, 0
}

// at returns the i-th newest event. Callers hold the lock.
func (b *Buffer) at(i int) realtime.AlertUpdateEvent {
	return b.entries[(b.head+i)%len(b.entries)]
}

// Snapshot returns a copy of every retained event, newest first.
func (b *Buffer) Snapshot() []realtime.AlertUpdateEvent {
	return b.collect(0, func(realtime.AlertUpdateEvent) bool { return true })
}

// Latest returns the most recent event, if any.
func (b *Buffer) Latest() (realtime.AlertUpdateEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return realtime.AlertUpdateEvent{}, false
	}
	return b.at(0), true
}

// Query returns up to limit of the most recent events of the given type,
// newest first. A non-positive limit returns every match.
func (b *Buffer) Query(kind realtime.AlertUpdateType, limit int) []realtime.AlertUpdateEvent {
	return b.collect(limit, func(e realtime.AlertUpdateEvent) bool { return e.Type() == kind })
}

// ByAlert returns the retained events concerning alertID, newest first.
func (b *Buffer) ByAlert(alertID string) []realtime.AlertUpdateEvent {
	return b.collect(0, func(e realtime.AlertUpdateEvent) bool { return e.AlertID() == alertID })
}

// AtLeast returns the retained events whose severity is at least min,
// newest first.
func (b *Buffer) AtLeast(min realtime.Severity) []realtime.AlertUpdateEvent {
	return b.collect(0, func(e realtime.AlertUpdateEvent) bool { return e.Severity().AtLeast(min) })
}

func (b *Buffer) collect(limit int, keep func(realtime.AlertUpdateEvent) bool) []realtime.AlertUpdateEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]realtime.AlertUpdateEvent, 0, b.size)
	for i := range b.size {
		if limit > 0 && len(out) == limit {
			break
		}
		if e := b.at(i); keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// HandleEvent inserts alert updates delivered by the push channel.
func (b *Buffer) HandleEvent(ctx context.Context, evt events.EventEnvelope) error {
	update, ok := evt.Payload.(realtime.AlertUpdateEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
	}
	b.Insert(update)
	b.logger.Debug(ctx, "Alert update recorded",
		"event_id", update.ID(),
		"alert_id", update.AlertID(),
		"update_type", string(update.Type()))
	return nil
}

// SupportedEvents returns the alert update event types.
func (b *Buffer) SupportedEvents() []events.EventType {
	return []events.EventType{realtime.EventTypeAlertTriggered, realtime.EventTypeAlertStatusChanged}
}
