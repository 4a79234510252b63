// Package events provides the transport-neutral envelope and handler contracts
// for events received over the push channel.
package events

// EventType represents an event category, enabling type-safe routing.
type EventType string

func (t EventType) String() string { return string(t) }
