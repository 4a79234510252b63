package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ahrav/livesync/internal/domain/events"
	"github.com/ahrav/livesync/internal/domain/realtime"
	"github.com/ahrav/livesync/pkg/common/uuid"
)

// MessageType identifies an outbound frame.
type MessageType string

const (
	MessageSubscribeAlerts    MessageType = "subscribe_alerts"
	MessageUnsubscribeAlerts  MessageType = "unsubscribe_alerts"
	MessageSubscribeMetrics   MessageType = "subscribe_metrics"
	MessageUnsubscribeMetrics MessageType = "unsubscribe_metrics"
	MessageRequestAlertStatus MessageType = "request_alert_status"
)

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON or
	// carry no type.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownEventType is returned for frames whose type is not part of
	// the inbound taxonomy.
	ErrUnknownEventType = errors.New("unknown event type")
)

// frame is the JSON envelope used in both directions.
type frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// alertStatusRequest is the body of a request_alert_status frame.
type alertStatusRequest struct {
	RequestID string `json:"requestId"`
	AlertID   string `json:"alertId"`
}

func encodeFrame(msgType MessageType, id string, data any, ts time.Time) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		raw = b
	}
	return json.Marshal(frame{Type: string(msgType), ID: id, Data: raw, Timestamp: ts})
}

// decodeFrame classifies a raw inbound frame into an envelope whose Payload
// is the typed value for its event type. Frames without an id get a fresh
// one; frames without a timestamp are stamped with now.
func decodeFrame(raw []byte, now time.Time) (events.EventEnvelope, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return events.EventEnvelope{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return events.EventEnvelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	env := events.EventEnvelope{
		ID:        f.ID,
		Type:      events.EventType(f.Type),
		Timestamp: f.Timestamp,
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = now
	}

	var err error
	switch env.Type {
	case realtime.EventTypeConnectionConfirmed:
		var p realtime.ConnectionConfirmed
		err = unmarshalData(f.Data, &p)
		env.Key, env.Payload = p.SessionID, p

	case realtime.EventTypeAlertTriggered, realtime.EventTypeAlertStatusChanged:
		var p realtime.AlertPayload
		err = unmarshalData(f.Data, &p)
		p.Severity = realtime.ParseSeverity(string(p.Severity))
		kind := realtime.AlertUpdateTriggered
		if env.Type == realtime.EventTypeAlertStatusChanged {
			kind = realtime.AlertUpdateStatusChanged
		}
		env.Key = p.AlertID
		env.Payload = realtime.NewAlertUpdateEvent(env.ID, kind, p, env.Timestamp)

	case realtime.EventTypeAlertStatusResponse:
		var p realtime.AlertStatusResponse
		err = unmarshalData(f.Data, &p)
		env.Key, env.Payload = p.AlertID, p

	case realtime.EventTypePerformanceMetrics:
		var p realtime.PerformanceMetricsSnapshot
		err = unmarshalData(f.Data, &p)
		env.Payload = p

	case realtime.EventTypeSystemStatus:
		var p realtime.SystemStatusSnapshot
		err = unmarshalData(f.Data, &p)
		env.Payload = p

	case realtime.EventTypeSubscriptionConfirmed:
		var p realtime.SubscriptionConfirmed
		err = unmarshalData(f.Data, &p)
		env.Key, env.Payload = p.Topic, p

	default:
		return events.EventEnvelope{}, fmt.Errorf("%w: %s", ErrUnknownEventType, f.Type)
	}
	if err != nil {
		return events.EventEnvelope{}, fmt.Errorf("%w: %s data: %w", ErrMalformedFrame, f.Type, err)
	}

	return env, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
