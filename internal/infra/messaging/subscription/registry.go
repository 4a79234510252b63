package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/livesync/internal/domain/events"
	"github.com/ahrav/livesync/internal/domain/realtime"
	"github.com/ahrav/livesync/internal/infra/channel"
	"github.com/ahrav/livesync/pkg/common/logger"
)

var _ events.EventHandler = (*Registry)(nil)

// Registry records the desired topic interest and keeps the server aligned
// with it.
//
// Interest declared while the channel is not connected is recorded but not
// sent; a warning is logged. Every transition into connected replays the full
// desired state: the union of all subscribed alert topics, plus a
// subscribe_metrics frame when metrics interest is on. Metrics interest is a
// single boolean, independent of the alert topics.
type Registry struct {
	ch Channel

	mu         sync.Mutex
	alerts     realtime.AlertFilter
	metrics    bool
	lastAck    realtime.SubscriptionConfirmed
	hasLastAck bool
	replays    int

	unregister func()

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRegistry creates a Registry bound to ch.
func NewRegistry(ch Channel, logger *logger.Logger, tracer trace.Tracer) *Registry {
	r := &Registry{
		ch:     ch,
		logger: logger.With("component", "subscription_registry"),
		tracer: tracer,
	}
	r.unregister = ch.OnStateChange(func(_, to realtime.ConnectionState) {
		if to == realtime.ConnectionStateConnected {
			r.replay(context.Background())
		}
	})
	return r
}

// Close stops observing the channel. Desired state is kept.
func (r *Registry) Close() { r.unregister() }

// SubscribeAlerts adds the topics in filter to the desired state and, when
// connected, asks the server for them.
func (r *Registry) SubscribeAlerts(ctx context.Context, filter realtime.AlertFilter) error {
	ctx, span := r.tracer.Start(ctx, "subscription.subscribe_alerts")
	defer span.End()

	filter = filter.Normalize()
	if filter.IsEmpty() {
		return nil
	}

	r.mu.Lock()
	r.alerts = r.alerts.Union(filter)
	r.mu.Unlock()

	return r.sendIfConnected(ctx, span, channel.MessageSubscribeAlerts, filter)
}

// UnsubscribeAlerts removes the topics in filter from the desired state and,
// when connected, tells the server.
func (r *Registry) UnsubscribeAlerts(ctx context.Context, filter realtime.AlertFilter) error {
	ctx, span := r.tracer.Start(ctx, "subscription.unsubscribe_alerts")
	defer span.End()

	filter = filter.Normalize()
	if filter.IsEmpty() {
		return nil
	}

	r.mu.Lock()
	r.alerts = r.alerts.Subtract(filter)
	r.mu.Unlock()

	return r.sendIfConnected(ctx, span, channel.MessageUnsubscribeAlerts, filter)
}

// SubscribeMetrics turns metrics interest on.
func (r *Registry) SubscribeMetrics(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "subscription.subscribe_metrics")
	defer span.End()

	r.mu.Lock()
	r.metrics = true
	r.mu.Unlock()

	return r.sendIfConnected(ctx, span, channel.MessageSubscribeMetrics, nil)
}

// UnsubscribeMetrics turns metrics interest off.
func (r *Registry) UnsubscribeMetrics(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "subscription.unsubscribe_metrics")
	defer span.End()

	r.mu.Lock()
	r.metrics = false
	r.mu.Unlock()

	return r.sendIfConnected(ctx, span, channel.MessageUnsubscribeMetrics, nil)
}

// Desired returns the alert topics and metrics interest that will be
// replayed on the next connection.
func (r *Registry) Desired() realtime.SubscriptionTopic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return realtime.SubscriptionTopic{Alerts: r.alerts.Normalize(), Metrics: r.metrics}
}

// Interested reports whether p falls under the desired alert topics. Alerts
// the server pushes outside them, for example just before an unsubscribe is
// acknowledged, are not of interest.
func (r *Registry) Interested(p realtime.AlertPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alerts.Matches(p)
}

// LastConfirmation returns the most recent subscription_confirmed payload.
func (r *Registry) LastConfirmation() (realtime.SubscriptionConfirmed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAck, r.hasLastAck
}

// Replays returns how many times desired state has been replayed.
func (r *Registry) Replays() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replays
}

// HandleEvent records subscription confirmations.
func (r *Registry) HandleEvent(ctx context.Context, evt events.EventEnvelope) error {
	ack, ok := evt.Payload.(realtime.SubscriptionConfirmed)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
	}

	r.mu.Lock()
	r.lastAck, r.hasLastAck = ack, true
	r.mu.Unlock()

	r.logger.Debug(ctx, "Subscription confirmed", "topic", ack.Topic, "subscribed", ack.Subscribed)
	return nil
}

// SupportedEvents returns the event types the registry consumes.
func (r *Registry) SupportedEvents() []events.EventType {
	return []events.EventType{realtime.EventTypeSubscriptionConfirmed}
}

func (r *Registry) sendIfConnected(
	ctx context.Context,
	span trace.Span,
	msgType channel.MessageType,
	data any,
) error {
	span.SetAttributes(attribute.String("message.type", string(msgType)))

	if state := r.ch.State(); state != realtime.ConnectionStateConnected {
		span.AddEvent("deferred_until_connected")
		r.logger.Warn(ctx, "Subscription change not sent while channel is not connected",
			"message_type", string(msgType),
			"state", state.String())
		return nil
	}

	if err := r.ch.Send(ctx, msgType, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		r.logger.Warn(ctx, "Failed to send subscription change",
			"message_type", string(msgType),
			"error", err)
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

func (r *Registry) replay(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "subscription.replay")
	defer span.End()

	r.mu.Lock()
	alerts, metrics := r.alerts.Normalize(), r.metrics
	r.replays++
	r.mu.Unlock()

	var errs []error
	if !alerts.IsEmpty() {
		if err := r.ch.Send(ctx, channel.MessageSubscribeAlerts, alerts); err != nil {
			errs = append(errs, err)
		}
	}
	if metrics {
		if err := r.ch.Send(ctx, channel.MessageSubscribeMetrics, nil); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
		r.logger.Warn(ctx, "Failed to replay subscriptions", "error", err)
		return
	}
	r.logger.Debug(ctx, "Replayed subscriptions",
		"alert_ids", len(alerts.AlertIDs),
		"product_ids", len(alerts.ProductIDs),
		"alert_types", len(alerts.AlertTypes),
		"metrics", metrics)
}
