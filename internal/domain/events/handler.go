package events

import "context"

// HandlerFunc processes a single event envelope.
type HandlerFunc func(ctx context.Context, evt EventEnvelope) error

// EventHandler defines the contract for components that process inbound
// events. Each handler declares which event types it can process; the
// dispatcher routes envelopes to it based on that list.
type EventHandler interface {
	// HandleEvent processes an event and returns an error if processing fails.
	HandleEvent(ctx context.Context, evt EventEnvelope) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}
