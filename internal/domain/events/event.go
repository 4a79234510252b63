package events

import "time"

// EventEnvelope wraps a classified inbound event with the metadata needed to
// route, order and display it.
type EventEnvelope struct {
	// ID uniquely identifies this delivery.
	ID string

	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key carries the business identifier the event concerns, such as an alert
	// id, so consumers can filter without inspecting the payload.
	Key string

	// Timestamp records when the event was received.
	Timestamp time.Time

	// Payload contains the decoded event data. The concrete type depends on
	// the EventType.
	Payload any
}
