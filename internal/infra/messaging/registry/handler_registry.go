// Package registry maps inbound event types to the handlers interested in
// them and dispatches classified envelopes to those handlers in
// registration order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/livesync/internal/domain/events"
	"github.com/ahrav/livesync/pkg/common/logger"
)

// HandlerRegistry provides thread-safe registration, lookup and dispatch of
// event handlers. Handlers registered for AnyEvent receive every envelope
// after the type-specific handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[events.EventType][]registration
	nextID   uint64

	logger *logger.Logger
	tracer trace.Tracer
}

// AnyEvent registers a handler for every event type.
const AnyEvent events.EventType = "*"

type registration struct {
	id uint64
	fn events.HandlerFunc
}

// NewHandlerRegistry creates a new HandlerRegistry with the given logger and tracer.
func NewHandlerRegistry(logger *logger.Logger, tracer trace.Tracer) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[events.EventType][]registration),
		logger:   logger.With("component", "handler_registry"),
		tracer:   tracer,
	}
}

// RegisterHandler adds a handler function for the specified event type.
// Multiple handlers can be registered for the same event type. The returned
// function removes the registration and is safe to call more than once.
func (r *HandlerRegistry) RegisterHandler(
	ctx context.Context,
	eventType events.EventType,
	handler events.HandlerFunc,
) (unregister func()) {
	ctx, span := r.tracer.Start(ctx, "registry.register_handler",
		trace.WithAttributes(attribute.String("event_type", eventType.String())))
	defer span.End()

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[eventType] = append(r.handlers[eventType], registration{id: id, fn: handler})
	r.mu.Unlock()

	span.AddEvent("handler_registered")
	span.SetStatus(codes.Ok, "handler registered")
	r.logger.Debug(ctx, "Handler registered for event type", "event_type", string(eventType))

	var once sync.Once
	return func() { once.Do(func() { r.remove(eventType, id) }) }
}

// RegisterEventHandler registers h for each of its supported event types.
func (r *HandlerRegistry) RegisterEventHandler(ctx context.Context, h events.EventHandler) (unregister func()) {
	var unregs []func()
	for _, et := range h.SupportedEvents() {
		unregs = append(unregs, r.RegisterHandler(ctx, et, h.HandleEvent))
	}
	return func() {
		for _, u := range unregs {
			u()
		}
	}
}

func (r *HandlerRegistry) remove(eventType events.EventType, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.handlers[eventType]
	for i, reg := range regs {
		if reg.id == id {
			r.handlers[eventType] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(r.handlers[eventType]) == 0 {
		delete(r.handlers, eventType)
	}
}

// GetHandlers retrieves all handler functions for a specific event type.
// Returns the handlers and a boolean indicating if any handlers were found.
func (r *HandlerRegistry) GetHandlers(ctx context.Context, eventType events.EventType) ([]events.HandlerFunc, bool) {
	ctx, span := r.tracer.Start(ctx, "registry.get_handlers")
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.handlers[eventType]
	if len(regs) == 0 {
		span.SetStatus(codes.Error, "no handlers found")
		r.logger.Debug(ctx, "No handlers found for event type", "event_type", string(eventType))
		return nil, false
	}

	handlers := make([]events.HandlerFunc, len(regs))
	for i, reg := range regs {
		handlers[i] = reg.fn
	}

	span.SetStatus(codes.Ok, "handlers found")
	r.logger.Debug(ctx, "Found handlers for event type",
		"event_type", string(eventType),
		"handler_count", len(handlers))
	return handlers, true
}

// Dispatch invokes every handler registered for evt.Type, followed by the
// AnyEvent handlers. A failing handler does not prevent later handlers from
// running; all failures are joined into the returned error.
func (r *HandlerRegistry) Dispatch(ctx context.Context, evt events.EventEnvelope) error {
	ctx, span := r.tracer.Start(ctx, "registry.dispatch",
		trace.WithAttributes(
			attribute.String("event_type", evt.Type.String()),
			attribute.String("event_id", evt.ID),
		))
	defer span.End()

	r.mu.RLock()
	regs := make([]registration, 0, len(r.handlers[evt.Type])+len(r.handlers[AnyEvent]))
	regs = append(regs, r.handlers[evt.Type]...)
	if evt.Type != AnyEvent {
		regs = append(regs, r.handlers[AnyEvent]...)
	}
	r.mu.RUnlock()

	var errs []error
	for _, reg := range regs {
		if err := reg.fn(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("handler for %s: %w", evt.Type, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		r.logger.Warn(ctx, "Event handler failed", "event_type", string(evt.Type), "error", err)
		return err
	}
	span.SetAttributes(attribute.Int("handler_count", len(regs)))
	return nil
}
