package realtime

import (
	"strings"
	"time"
)

// AlertUpdateType distinguishes the two kinds of alert updates retained in
// history.
type AlertUpdateType string

const (
	AlertUpdateTriggered     AlertUpdateType = "triggered"
	AlertUpdateStatusChanged AlertUpdateType = "status_changed"
)

// Severity ranks how urgently an alert should surface to a user.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes a wire value; unknown values map to SeverityLow.
func ParseSeverity(s string) Severity {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev
	default:
		return SeverityLow
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool { return s.rank() >= other.rank() }

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AlertPayload is the body of alert_triggered and alert_status_changed
// events. It holds only scalar fields so copies are independent.
type AlertPayload struct {
	AlertID        string    `json:"alertId"`
	ProductID      string    `json:"productId,omitempty"`
	AlertType      string    `json:"alertType,omitempty"`
	Severity       Severity  `json:"severity,omitempty"`
	Message        string    `json:"message,omitempty"`
	Status         string    `json:"status,omitempty"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	CurrentPrice   float64   `json:"currentPrice,omitempty"`
	ThresholdPrice float64   `json:"thresholdPrice,omitempty"`
	OccurredAt     time.Time `json:"occurredAt,omitempty"`
}

// AlertUpdateEvent is an immutable record of an alert update received over
// the push channel.
type AlertUpdateEvent struct {
	id        string
	kind      AlertUpdateType
	payload   AlertPayload
	timestamp time.Time
}

// NewAlertUpdateEvent creates an AlertUpdateEvent.
func NewAlertUpdateEvent(id string, kind AlertUpdateType, payload AlertPayload, ts time.Time) AlertUpdateEvent {
	return AlertUpdateEvent{id: id, kind: kind, payload: payload, timestamp: ts}
}

func (e AlertUpdateEvent) ID() string            { return e.id }
func (e AlertUpdateEvent) Type() AlertUpdateType { return e.kind }
func (e AlertUpdateEvent) Payload() AlertPayload { return e.payload }
func (e AlertUpdateEvent) Timestamp() time.Time  { return e.timestamp }
func (e AlertUpdateEvent) AlertID() string       { return e.payload.AlertID }
func (e AlertUpdateEvent) Severity() Severity    { return e.payload.Severity }
