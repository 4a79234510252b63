// Package acktracking correlates responses that arrive asynchronously over a
// push channel with the requests that solicited them.
package acktracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/livesync/pkg/common/logger"
)

// ErrNotTracked is returned by Wait when the request was never tracked or
// has already been released.
var ErrNotTracked = errors.New("request not tracked")

// Result is what a waiting caller receives: either a response value or the
// error that ended the wait.
type Result[T any] struct {
	Value T
	Err   error
}

type pending[T any] struct {
	key string
	ch  chan Result[T]
}

// Tracker matches responses to pending requests by request id, falling back to a
// secondary key (such as the alert id a status request concerns) when the
// server does not echo the request id.
//
// Each tracked request gets a channel buffered with size 1 so resolving never
// blocks the receive loop.
type Tracker[T any] struct {
	mu      sync.Mutex
	pending map[string]pending[T]
	order   []string
	logger  *logger.Logger
}

// NewTracker creates a Tracker.
func NewTracker[T any](logger *logger.Logger) *Tracker[T] {
	return &Tracker[T]{
		pending: make(map[string]pending[T]),
		logger:  logger.With("component", "response_tracker"),
	}
}

// Track starts tracking requestID. key is the secondary correlation key and
// may be empty.
func (t *Tracker[T]) Track(requestID, key string) <-chan Result[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Result[T], 1)
	t.pending[requestID] = pending[T]{key: key, ch: ch}
	t.order = append(t.order, requestID)
	return ch
}

// Resolve delivers v to the request identified by requestID, or when that id
// is unknown, to the oldest pending request registered under key. It reports
// whether a waiting request was found.
func (t *Tracker[T]) Resolve(ctx context.Context, requestID, key string, v T) bool {
	t.mu.Lock()
	id, p, ok := t.lookupLocked(requestID, key)
	if ok {
		t.removeLocked(id)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug(ctx, "No pending request for response", "request_id", requestID, "key", key)
		return false
	}

	p.ch <- Result[T]{Value: v}
	return true
}

func (t *Tracker[T]) lookupLocked(requestID, key string) (string, pending[T], bool) {
	if requestID != "" {
		if p, ok := t.pending[requestID]; ok {
			return requestID, p, true
		}
	}
	if key == "" {
		return "", pending[T]{}, false
	}
	for _, id := range t.order {
		if p := t.pending[id]; p.key == key {
			return id, p, true
		}
	}
	return "", pending[T]{}, false
}

func (t *Tracker[T]) removeLocked(requestID string) {
	delete(t.pending, requestID)
	for i, id := range t.order {
		if id == requestID {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			return
		}
	}
}

// StopTracking abandons a request.
func (t *Tracker[T]) StopTracking(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(requestID)
}

// Len returns the number of pending requests.
func (t *Tracker[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CleanupAll fails every pending request with err. Used when the connection
// carrying the responses goes away.
func (t *Tracker[T]) CleanupAll(ctx context.Context, err error) {
	t.mu.Lock()
	drained := t.pending
	t.pending = make(map[string]pending[T])
	t.order = nil
	t.mu.Unlock()

	if len(drained) == 0 {
		return
	}

	t.logger.Info(ctx, "Cleaning up pending requests", "count", len(drained), "error", err)
	for _, p := range drained {
		p.ch <- Result[T]{Err: err}
	}
}

// Wait blocks until a response arrives for requestID, the timeout elapses or
// ctx is cancelled. The request stops being tracked on every exit path.
func (t *Tracker[T]) Wait(
	ctx context.Context,
	requestID string,
	ch <-chan Result[T],
	timeout time.Duration,
) (T, error) {
	var zero T
	if ch == nil {
		return zero, ErrNotTracked
	}

	span := trace.SpanFromContext(ctx)
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-ch:
		span.AddEvent("response_received")
		return res.Value, res.Err
	case <-timeoutCtx.Done():
		t.StopTracking(requestID)
		if ctx.Err() != nil {
			span.AddEvent("context_canceled_while_waiting")
			return zero, ctx.Err()
		}
		span.AddEvent("timeout_waiting_for_response")
		t.logger.Warn(ctx, "Timed out waiting for response", "request_id", requestID)
		return zero, timeoutCtx.Err()
	}
}
