package channel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ChannelMetrics records push channel activity.
type ChannelMetrics interface {
	// IncConnectionAttempts counts handshakes started.
	IncConnectionAttempts(ctx context.Context)

	// IncReconnectsScheduled counts automatic reconnects placed on a timer.
	IncReconnectsScheduled(ctx context.Context)

	// IncEventsReceived counts classified inbound events by type.
	IncEventsReceived(ctx context.Context, eventType string)

	// IncDecodeErrors counts inbound frames that could not be classified.
	IncDecodeErrors(ctx context.Context)

	// IncMessagesSent counts outbound frames by type.
	IncMessagesSent(ctx context.Context, messageType string)

	// SetConnected records whether the channel is currently connected.
	SetConnected(ctx context.Context, connected bool)
}

// Metrics implements ChannelMetrics with OpenTelemetry instruments.
type Metrics struct {
	connectionAttempts  metric.Int64Counter
	reconnectsScheduled metric.Int64Counter
	eventsReceived      metric.Int64Counter
	decodeErrors        metric.Int64Counter
	messagesSent        metric.Int64Counter
	connected           metric.Int64UpDownCounter

	isConnected bool
}

var _ ChannelMetrics = (*Metrics)(nil)

const namespace = "push_channel"

// NewMetrics creates a new Metrics instance.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	if m.connectionAttempts, err = meter.Int64Counter(
		"connection_attempts_total",
		metric.WithDescription("Total number of push channel handshakes started"),
	); err != nil {
		return nil, err
	}

	if m.reconnectsScheduled, err = meter.Int64Counter(
		"reconnects_scheduled_total",
		metric.WithDescription("Total number of automatic reconnects scheduled"),
	); err != nil {
		return nil, err
	}

	if m.eventsReceived, err = meter.Int64Counter(
		"events_received_total",
		metric.WithDescription("Total number of inbound events classified"),
	); err != nil {
		return nil, err
	}

	if m.decodeErrors, err = meter.Int64Counter(
		"decode_errors_total",
		metric.WithDescription("Total number of inbound frames that failed to decode"),
	); err != nil {
		return nil, err
	}

	if m.messagesSent, err = meter.Int64Counter(
		"messages_sent_total",
		metric.WithDescription("Total number of outbound frames written"),
	); err != nil {
		return nil, err
	}

	if m.connected, err = meter.Int64UpDownCounter(
		"connected",
		metric.WithDescription("Whether the push channel is connected (1) or not (0)"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) IncConnectionAttempts(ctx context.Context) { m.connectionAttempts.Add(ctx, 1) }

func (m *Metrics) IncReconnectsScheduled(ctx context.Context) { m.reconnectsScheduled.Add(ctx, 1) }

func (m *Metrics) IncEventsReceived(ctx context.Context, eventType string) {
	m.eventsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) IncDecodeErrors(ctx context.Context) { m.decodeErrors.Add(ctx, 1) }

func (m *Metrics) IncMessagesSent(ctx context.Context, messageType string) {
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("message_type", messageType)))
}

// SetConnected is called by the client while it holds its state lock, so
// calls are serialized.
func (m *Metrics) SetConnected(ctx context.Context, connected bool) {
	if connected == m.isConnected {
		return
	}
	m.isConnected = connected
	if connected {
		m.connected.Add(ctx, 1)
	} else {
		m.connected.Add(ctx, -1)
	}
}
