// Package channel implements the client side of the persistent push
// connection. A Client authenticates every connection attempt, waits for the
// server to confirm the session, classifies inbound frames and dispatches
// them in delivery order, and reconnects with capped exponential backoff
// after failures.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/livesync/internal/domain/events"
	"github.com/ahrav/livesync/internal/domain/realtime"
	"github.com/ahrav/livesync/internal/infra/messaging/acktracking"
	"github.com/ahrav/livesync/pkg/common/logger"
	"github.com/ahrav/livesync/pkg/common/timeutil"
	"github.com/ahrav/livesync/pkg/common/uuid"
)

var (
	// ErrConnection wraps handshake and transport failures.
	ErrConnection = errors.New("push channel connection error")

	// ErrNotConnected is returned for operations that need an established
	// connection.
	ErrNotConnected = errors.New("push channel not connected")

	// ErrClientClosed is returned once Close has been called.
	ErrClientClosed = errors.New("push channel client closed")

	// ErrMissingCredential is returned when the token source yields an
	// empty credential.
	ErrMissingCredential = errors.New("missing bearer credential")

	// ErrHandshakeAborted is returned when a disconnect interrupts a
	// handshake in progress.
	ErrHandshakeAborted = errors.New("handshake aborted by disconnect")
)

// Dispatcher receives classified inbound events. The registry package's
// HandlerRegistry satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt events.EventEnvelope) error
}

// ClientConfig contains configuration for the push channel client.
type ClientConfig struct {
	// URL is the websocket endpoint, see ChannelURL.
	URL string

	// ConnectionTimeout bounds a handshake from dial until confirmation.
	ConnectionTimeout time.Duration

	// RequestTimeout bounds request/response exchanges.
	RequestTimeout time.Duration

	// MaxRetries is the number of consecutive handshake failures tolerated
	// before the client gives up and enters the failed state.
	MaxRetries int

	// RetryBaseDelay is the delay for the first reconnect; it doubles with
	// every consecutive failure.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the reconnect delay.
	RetryMaxDelay time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
}

// Option configures a Client.
type Option func(*Client)

// WithTimeProvider sets the clock used for reconnect timers and event
// timestamps.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(c *Client) { c.timeProvider = tp }
}

// WithDialer replaces the default gorilla websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client owns one logical push connection.
//
// Every connection attempt gets a generation number. Disconnect bumps the
// generation so goroutines and timers belonging to an older attempt observe
// that they are stale and exit without touching client state.
type Client struct {
	cfg        ClientConfig
	dialer     Dialer
	tokens     TokenSource
	dispatcher Dispatcher

	mu             sync.Mutex
	state          realtime.ConnectionState
	attempts       int
	retry          *backoff.ExponentialBackOff
	attempt        chan struct{} // Closed when the in-flight handshake settles.
	lastErr        error
	conn           Conn
	gen            uint64
	session        realtime.ConnectionConfirmed
	reconnectTimer timeutil.Timer
	closed         bool

	// Serializes writes; websocket connections allow one concurrent writer.
	writeMu sync.Mutex

	// Lifetime context for timer-driven reconnects.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	requests *acktracking.Tracker[realtime.AlertStatusResponse]
	notifier *notifier

	timeProvider timeutil.Provider
	logger       *logger.Logger
	metrics      ChannelMetrics
	tracer       trace.Tracer
}

// NewClient creates a disconnected Client. Call Connect to start it.
func NewClient(
	cfg ClientConfig,
	tokens TokenSource,
	dispatcher Dispatcher,
	logger *logger.Logger,
	metrics ChannelMetrics,
	tracer trace.Tracer,
	opts ...Option,
) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("push channel URL is required")
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if metrics == nil {
		return nil, errors.New("metrics are required")
	}
	cfg.applyDefaults()

	logger = logger.With("component", "push_channel", "url", cfg.URL)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		cfg:          cfg,
		dialer:       NewWebsocketDialer(),
		tokens:       tokens,
		dispatcher:   dispatcher,
		state:        realtime.ConnectionStateDisconnected,
		retry:        newRetryBackOff(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		ctx:          ctx,
		cancel:       cancel,
		requests:     acktracking.NewTracker[realtime.AlertStatusResponse](logger),
		notifier:     newNotifier(),
		timeProvider: timeutil.Default(),
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// State returns the current connection state.
func (c *Client) State() realtime.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed handshakes.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastError returns the error that caused the most recent failure, or nil
// once a connection succeeds.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Session returns the metadata from the last connection confirmation and
// whether the client is currently connected.
func (c *Client) Session() (realtime.ConnectionConfirmed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.state == realtime.ConnectionStateConnected
}

// OnStateChange registers fn for every state change. The returned function
// removes the listener.
func (c *Client) OnStateChange(fn StateListener) (unregister func()) {
	return c.notifier.subscribe(fn)
}

// Connect starts a connection attempt and blocks until the server confirms
// it or the attempt fails. A failed attempt still schedules an automatic
// reconnect; its error is returned for callers that want it. Connect resets
// the failure counter. It returns nil at once when already connected, and
// when an attempt is already in flight it waits for that attempt's outcome
// instead of starting another.
func (c *Client) Connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "channel.connect")
	defer span.End()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	switch c.state {
	case realtime.ConnectionStateConnected:
		c.mu.Unlock()
		span.AddEvent("already_connected")
		return nil
	case realtime.ConnectionStateConnecting:
		inflight := c.attempt
		c.mu.Unlock()
		span.AddEvent("awaiting_inflight_attempt")
		if err := c.awaitAttempt(ctx, inflight); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "in-flight attempt failed")
			return err
		}
		return nil
	}
	c.stopTimerLocked()
	c.resetRetryLocked()
	gen, ok := c.beginAttemptLocked(ctx)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: cannot connect from current state", ErrConnection)
	}

	if err := c.handshake(ctx, gen); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		return err
	}
	span.SetStatus(codes.Ok, "connected")
	return nil
}

// awaitAttempt blocks until the handshake behind done settles and reports
// whether it left the client connected.
func (c *Client) awaitAttempt(ctx context.Context, done <-chan struct{}) error {
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("%w: awaiting in-flight attempt: %w", ErrConnection, ctx.Err())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == realtime.ConnectionStateConnected:
		return nil
	case c.state == realtime.ConnectionStateDisconnected:
		return ErrHandshakeAborted
	case c.lastErr != nil:
		return c.lastErr
	default:
		return fmt.Errorf("%w: attempt did not connect", ErrConnection)
	}
}

// Reconnect drops any current connection and connects again with a fresh
// failure counter. It is the way out of the failed state.
func (c *Client) Reconnect(ctx context.Context) error {
	c.Disconnect(ctx)
	return c.Connect(ctx)
}

// Disconnect closes the connection, cancels any pending reconnect and resets
// the failure counter. Calling it repeatedly has the same effect as calling it
// once.
func (c *Client) Disconnect(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "channel.disconnect")
	defer span.End()

	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.resetRetryLocked()
	c.settleAttemptLocked()
	if c.state != realtime.ConnectionStateDisconnected {
		c.transitionLocked(ctx, realtime.ConnectionStateDisconnected)
	}
	c.metrics.SetConnected(ctx, false)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		c.writeMu.Unlock()
		_ = conn.Close()
		c.logger.Info(ctx, "Push channel disconnected")
	}
	c.requests.CleanupAll(ctx, ErrNotConnected)
}

// Close disconnects and releases the client. It is idempotent; the client
// cannot be reused afterwards.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.Disconnect(context.Background())
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.notifier.close()
	})
}

// Send writes an outbound frame. It fails with ErrNotConnected unless the
// client is connected.
func (c *Client) Send(ctx context.Context, msgType MessageType, data any) error {
	return c.send(ctx, msgType, uuid.NewString(), data)
}

func (c *Client) send(ctx context.Context, msgType MessageType, id string, data any) error {
	ctx, span := c.tracer.Start(ctx, "channel.send",
		trace.WithAttributes(attribute.String("message.type", string(msgType))))
	defer span.End()

	c.mu.Lock()
	conn := c.conn
	connected := c.state == realtime.ConnectionStateConnected && conn != nil
	c.mu.Unlock()

	if !connected {
		err := fmt.Errorf("%w: cannot send %s", ErrNotConnected, msgType)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	payload, err := encodeFrame(msgType, id, data, c.timeProvider.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("%w: write %s: %w", ErrConnection, msgType, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.metrics.IncMessagesSent(ctx, string(msgType))
	return nil
}

// RequestAlertStatus asks the server for the current status of an alert and
// waits for the correlated alert_status_response.
func (c *Client) RequestAlertStatus(ctx context.Context, alertID string) (realtime.AlertStatusResponse, error) {
	ctx, span := c.tracer.Start(ctx, "channel.request_alert_status",
		trace.WithAttributes(attribute.String("alert_id", alertID)))
	defer span.End()

	requestID := uuid.NewString()
	ch := c.requests.Track(requestID, alertID)

	req := alertStatusRequest{RequestID: requestID, AlertID: alertID}
	if err := c.send(ctx, MessageRequestAlertStatus, requestID, req); err != nil {
		c.requests.StopTracking(requestID)
		span.RecordError(err)
		return realtime.AlertStatusResponse{}, err
	}

	resp, err := c.requests.Wait(ctx, requestID, ch, c.cfg.RequestTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no alert status response")
		return realtime.AlertStatusResponse{}, fmt.Errorf("alert status for %s: %w", alertID, err)
	}
	return resp, nil
}

// beginAttemptLocked moves to connecting under a new generation.
func (c *Client) beginAttemptLocked(ctx context.Context) (uint64, bool) {
	if !c.transitionLocked(ctx, realtime.ConnectionStateConnecting) {
		return 0, false
	}
	c.gen++
	c.attempt = make(chan struct{})
	return c.gen, true
}

// settleAttemptLocked releases callers waiting on the in-flight handshake.
func (c *Client) settleAttemptLocked() {
	if c.attempt != nil {
		close(c.attempt)
		c.attempt = nil
	}
}

func (c *Client) resetRetryLocked() {
	c.attempts = 0
	c.retry.Reset()
}

// pendingConn carries the handshake rendezvous between handshake and the
// read loop. Every channel is buffered so neither side blocks if the other
// has given up.
type pendingConn struct {
	conn      Conn
	gen       uint64
	confirmed chan events.EventEnvelope
	failed    chan error
	ready     chan bool
}

func (c *Client) handshake(ctx context.Context, gen uint64) error {
	c.metrics.IncConnectionAttempts(ctx)

	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()

	token, err := c.tokens.Token(hsCtx)
	if err == nil && token == "" {
		err = ErrMissingCredential
	}
	if err != nil {
		return c.handshakeFailed(ctx, gen, fmt.Errorf("%w: credential: %w", ErrConnection, err))
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, err := c.dialer.Dial(hsCtx, c.cfg.URL, header)
	if err != nil {
		return c.handshakeFailed(ctx, gen, fmt.Errorf("%w: %w", ErrConnection, err))
	}

	p := &pendingConn{
		conn:      conn,
		gen:       gen,
		confirmed: make(chan events.EventEnvelope, 1),
		failed:    make(chan error, 1),
		ready:     make(chan bool, 1),
	}
	go c.readLoop(p)

	select {
	case env := <-p.confirmed:
		info, _ := env.Payload.(realtime.ConnectionConfirmed)
		if err := c.handshakeSucceeded(ctx, gen, conn, info); err != nil {
			p.ready <- false
			_ = conn.Close()
			return err
		}
		p.ready <- true
		return nil

	case err := <-p.failed:
		p.ready <- false
		_ = conn.Close()
		return c.handshakeFailed(ctx, gen, fmt.Errorf("%w: %w", ErrConnection, err))

	case <-hsCtx.Done():
		p.ready <- false
		_ = conn.Close()
		return c.handshakeFailed(ctx, gen,
			fmt.Errorf("%w: awaiting connection confirmation: %w", ErrConnection, hsCtx.Err()))
	}
}

func (c *Client) handshakeSucceeded(
	ctx context.Context,
	gen uint64,
	conn Conn,
	info realtime.ConnectionConfirmed,
) error {
	c.mu.Lock()
	if c.gen != gen || c.state != realtime.ConnectionStateConnecting {
		c.mu.Unlock()
		return ErrHandshakeAborted
	}
	c.conn = conn
	c.resetRetryLocked()
	c.lastErr = nil
	c.session = info
	c.transitionLocked(ctx, realtime.ConnectionStateConnected)
	c.settleAttemptLocked()
	c.metrics.SetConnected(ctx, true)
	c.mu.Unlock()

	c.logger.Info(ctx, "Push channel connected",
		"session_id", info.SessionID,
		"user_id", info.UserID)
	return nil
}

func (c *Client) handshakeFailed(ctx context.Context, gen uint64, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen || c.state != realtime.ConnectionStateConnecting {
		return fmt.Errorf("%w: %w", ErrHandshakeAborted, err)
	}

	c.lastErr = err
	c.transitionLocked(ctx, realtime.ConnectionStateError)
	c.attempts++

	if c.attempts >= c.cfg.MaxRetries {
		c.transitionLocked(ctx, realtime.ConnectionStateFailed)
		c.settleAttemptLocked()
		c.logger.Error(ctx, "Push channel reconnect attempts exhausted",
			"attempts", c.attempts,
			"error", err)
		return err
	}

	delay := c.retry.NextBackOff()
	c.scheduleReconnectLocked(ctx, delay)
	c.settleAttemptLocked()
	c.logger.Warn(ctx, "Push channel handshake failed",
		"attempts", c.attempts,
		"retry_in", delay.String(),
		"error", err)
	return err
}

// scheduleReconnectLocked arms the reconnect timer and moves to reconnecting.
func (c *Client) scheduleReconnectLocked(ctx context.Context, delay time.Duration) {
	c.transitionLocked(ctx, realtime.ConnectionStateReconnecting)

	gen := c.gen
	c.stopTimerLocked()
	c.reconnectTimer = c.timeProvider.AfterFunc(delay, func() { c.reconnect(gen) })
	c.metrics.IncReconnectsScheduled(ctx)
}

func (c *Client) reconnect(gen uint64) {
	ctx, span := c.tracer.Start(c.ctx, "channel.reconnect")
	defer span.End()

	c.mu.Lock()
	if c.closed || c.gen != gen || c.state != realtime.ConnectionStateReconnecting {
		c.mu.Unlock()
		span.AddEvent("stale_reconnect_timer")
		return
	}
	c.reconnectTimer = nil
	next, ok := c.beginAttemptLocked(ctx)
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := c.handshake(ctx, next); err != nil {
		span.RecordError(err)
	}
}

func (c *Client) stopTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) transitionLocked(ctx context.Context, to realtime.ConnectionState) bool {
	from := c.state
	if err := from.ValidateTransition(to); err != nil {
		c.logger.Error(ctx, "Rejected connection state transition", "error", err)
		return false
	}
	c.state = to
	c.notifier.enqueue(stateChange{from: from, to: to})
	c.logger.Debug(ctx, "Connection state changed", "from", from.String(), "to", to.String())
	return true
}

// readLoop receives frames for one connection until it fails. Before the
// server confirms the session, frames other than connection_confirmed are
// dropped and a read failure is handed to the handshake.
func (c *Client) readLoop(p *pendingConn) {
	ctx := c.ctx
	confirmed := false

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !confirmed {
				p.failed <- err
				return
			}
			c.onTransportClosed(p.gen, err)
			return
		}

		env, err := decodeFrame(data, c.timeProvider.Now())
		if err != nil {
			c.metrics.IncDecodeErrors(ctx)
			c.logger.Warn(ctx, "Dropping undecodable frame", "error", err)
			continue
		}
		c.metrics.IncEventsReceived(ctx, env.Type.String())

		if !confirmed {
			if env.Type != realtime.EventTypeConnectionConfirmed {
				c.logger.Debug(ctx, "Dropping frame received before confirmation", "event_type", env.Type.String())
				continue
			}
			confirmed = true
			p.confirmed <- env
			if !<-p.ready {
				return
			}
		}

		if resp, ok := env.Payload.(realtime.AlertStatusResponse); ok {
			c.requests.Resolve(ctx, resp.RequestID, resp.AlertID, resp)
		}

		if err := c.dispatcher.Dispatch(ctx, env); err != nil {
			c.logger.Debug(ctx, "Inbound event handler reported failure",
				"event_type", env.Type.String(),
				"event_id", env.ID)
		}
	}
}

// onTransportClosed handles the end of a confirmed connection. A deliberate
// server close ends the session; anything else schedules a reconnect.
func (c *Client) onTransportClosed(gen uint64, err error) {
	ctx := c.ctx

	c.mu.Lock()
	if c.gen != gen || c.state != realtime.ConnectionStateConnected {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.metrics.SetConnected(ctx, false)

	if isServerClose(err) {
		c.resetRetryLocked()
		c.transitionLocked(ctx, realtime.ConnectionStateDisconnected)
		c.mu.Unlock()
		c.logger.Info(ctx, "Push channel closed by server", "reason", err.Error())
	} else {
		c.lastErr = fmt.Errorf("%w: %w", ErrConnection, err)
		delay := c.cfg.RetryBaseDelay
		c.scheduleReconnectLocked(ctx, delay)
		c.mu.Unlock()
		c.logger.Warn(ctx, "Push channel transport dropped",
			"retry_in", delay.String(),
			"error", err)
	}

	c.requests.CleanupAll(ctx, ErrNotConnected)
}
