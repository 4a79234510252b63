// Package notify decides which synchronization events deserve a user-facing
// notification. The decision is a lookup in a policy table keyed by event
// type and severity, kept apart from the transport that delivers the events.
package notify

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ahrav/livesync/internal/domain/events"
	"github.com/ahrav/livesync/internal/domain/realtime"
	"github.com/ahrav/livesync/pkg/common/logger"
)

// Level is the prominence of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a user-facing message produced by the policy.
type Notification struct {
	Level     Level
	Title     string
	Message   string
	EventType events.EventType
	Key       string
	At        time.Time
}

// Notifier presents notifications to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Rule maps one event type to a notification. Match, when set, further
// restricts which events of that type notify.
type Rule struct {
	Level Level
	Title string
	Match func(evt events.EventEnvelope) bool
	// Message renders the body; it is only called for matching events.
	Message func(evt events.EventEnvelope) string
}

// Policy is the event-to-notification table.
type Policy struct {
	rules map[events.EventType]Rule
}

// NewPolicy creates a Policy from rules.
func NewPolicy(rules map[events.EventType]Rule) *Policy {
	cp := make(map[events.EventType]Rule, len(rules))
	for k, v := range rules {
		cp[k] = v
	}
	return &Policy{rules: cp}
}

// DefaultPolicy notifies for high and critical alert triggers, critical
// alert status changes and degraded server status.
func DefaultPolicy() *Policy {
	return NewPolicy(map[events.EventType]Rule{
		realtime.EventTypeAlertTriggered: {
			Level:   LevelWarning,
			Title:   "Price alert triggered",
			Match:   minSeverity(realtime.SeverityHigh),
			Message: alertMessage,
		},
		realtime.EventTypeAlertStatusChanged: {
			Level:   LevelInfo,
			Title:   "Alert status changed",
			Match:   minSeverity(realtime.SeverityCritical),
			Message: alertMessage,
		},
		realtime.EventTypeSystemStatus: {
			Level: LevelWarning,
			Title: "Analytics service degraded",
			Match: func(evt events.EventEnvelope) bool {
				s, ok := evt.Payload.(realtime.SystemStatusSnapshot)
				return ok && s.Degraded()
			},
			Message: func(evt events.EventEnvelope) string {
				s := evt.Payload.(realtime.SystemStatusSnapshot)
				if s.Message != "" {
					return s.Message
				}
				return "Server reported status " + s.Status
			},
		},
	})
}

func minSeverity(min realtime.Severity) func(events.EventEnvelope) bool {
	return func(evt events.EventEnvelope) bool {
		u, ok := evt.Payload.(realtime.AlertUpdateEvent)
		return ok && u.Severity().AtLeast(min)
	}
}

func alertMessage(evt events.EventEnvelope) string {
	u := evt.Payload.(realtime.AlertUpdateEvent)
	p := u.Payload()
	if p.Message != "" {
		return p.Message
	}
	if u.Type() == realtime.AlertUpdateStatusChanged {
		return fmt.Sprintf("Alert %s changed from %s to %s", p.AlertID, p.PreviousStatus, p.Status)
	}
	return fmt.Sprintf("Alert %s (%s) triggered", p.AlertID, p.Severity)
}

// EventTypes returns the event types the policy has rules for, sorted.
func (p *Policy) EventTypes() []events.EventType {
	out := make([]events.EventType, 0, len(p.rules))
	for et := range p.rules {
		out = append(out, et)
	}
	slices.Sort(out)
	return out
}

// Evaluate returns the notification for evt, if its rule matches.
func (p *Policy) Evaluate(evt events.EventEnvelope) (Notification, bool) {
	rule, ok := p.rules[evt.Type]
	if !ok {
		return Notification{}, false
	}
	if rule.Match != nil && !rule.Match(evt) {
		return Notification{}, false
	}

	n := Notification{
		Level:     rule.Level,
		Title:     rule.Title,
		EventType: evt.Type,
		Key:       evt.Key,
		At:        evt.Timestamp,
	}
	if rule.Message != nil {
		n.Message = rule.Message(evt)
	}
	return n, true
}

// ConnectionFailed is the notification raised when the push channel exhausts
// its reconnect attempts.
func ConnectionFailed(at time.Time, cause error) Notification {
	msg := "Live updates stopped after repeated connection failures."
	if cause != nil {
		msg += " Last error: " + cause.Error()
	}
	return Notification{
		Level:   LevelError,
		Title:   "Live updates unavailable",
		Message: msg,
		At:      at,
	}
}

// Handler evaluates inbound events against a Policy and forwards matches to
// a Notifier.
type Handler struct {
	policy     *Policy
	notifier   Notifier
	interested func(realtime.AlertPayload) bool
	logger     *logger.Logger
}

var _ events.EventHandler = (*Handler)(nil)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithInterest restricts alert notifications to alerts for which fn returns
// true. Non-alert events are unaffected.
func WithInterest(fn func(realtime.AlertPayload) bool) HandlerOption {
	return func(h *Handler) { h.interested = fn }
}

// NewHandler creates a Handler.
func NewHandler(policy *Policy, notifier Notifier, logger *logger.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		policy:   policy,
		notifier: notifier,
		logger:   logger.With("component", "notification_policy"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleEvent notifies when the policy matches evt.
func (h *Handler) HandleEvent(ctx context.Context, evt events.EventEnvelope) error {
	if u, ok := evt.Payload.(realtime.AlertUpdateEvent); ok && h.interested != nil && !h.interested(u.Payload()) {
		h.logger.Debug(ctx, "Skipping alert outside subscribed topics",
			"event_type", string(evt.Type),
			"alert_id", u.Payload().AlertID)
		return nil
	}

	n, ok := h.policy.Evaluate(evt)
	if !ok {
		return nil
	}
	h.logger.Debug(ctx, "Raising notification", "event_type", string(evt.Type), "level", string(n.Level))
	h.notifier.Notify(ctx, n)
	return nil
}

// SupportedEvents returns the event types covered by the policy.
func (h *Handler) SupportedEvents() []events.EventType { return h.policy.EventTypes() }

// LogNotifier presents notifications as log lines. Used by headless clients.
type LogNotifier struct {
	Logger *logger.Logger
}

// Notify logs n at a level matching its prominence.
func (l LogNotifier) Notify(ctx context.Context, n Notification) {
	args := []any{"title", n.Title, "event_type", string(n.EventType), "key", n.Key}
	switch n.Level {
	case LevelError:
		l.Logger.Error(ctx, n.Message, args...)
	case LevelWarning:
		l.Logger.Warn(ctx, n.Message, args...)
	default:
		l.Logger.Info(ctx, n.Message, args...)
	}
}
