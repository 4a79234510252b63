// Package session assembles the synchronization components for one signed-in
// identity and owns their lifetimes. Everything a session starts, including
// the reconnect timer and the polling timer, is released by a single Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/livesync/internal/app/history"
	"github.com/ahrav/livesync/internal/app/jobs"
	"github.com/ahrav/livesync/internal/app/mirror"
	"github.com/ahrav/livesync/internal/app/notify"
	"github.com/ahrav/livesync/internal/app/polling"
	"github.com/ahrav/livesync/internal/domain/processing"
	"github.com/ahrav/livesync/internal/domain/realtime"
	"github.com/ahrav/livesync/internal/infra/channel"
	"github.com/ahrav/livesync/internal/infra/messaging/registry"
	"github.com/ahrav/livesync/internal/infra/messaging/subscription"
	"github.com/ahrav/livesync/pkg/common/logger"
	"github.com/ahrav/livesync/pkg/common/timeutil"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Identity is the signed-in principal a session serves.
type Identity struct {
	UserID   string
	TenantID string
	Token    string
}

// Config carries the tunables for every component of a session.
type Config struct {
	Channel         channel.ClientConfig
	Polling         polling.Config
	HistoryCapacity int
}

// Option configures a Session.
type Option func(*options)

type options struct {
	timeProvider timeutil.Provider
	dialer       channel.Dialer
	policy       *notify.Policy
}

// WithTimeProvider sets the clock shared by the session's timers.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(o *options) { o.timeProvider = tp }
}

// WithDialer replaces the push channel's websocket dialer.
func WithDialer(d channel.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithPolicy replaces notify.DefaultPolicy.
func WithPolicy(p *notify.Policy) Option {
	return func(o *options) { o.policy = p }
}

// Session is the live synchronization layer for one identity.
type Session struct {
	identity Identity

	handlers *registry.HandlerRegistry
	client   *channel.Client
	subs     *subscription.Registry
	history  *history.Buffer
	store    *mirror.Store
	poller   *polling.Scheduler
	jobs     *jobs.Controller
	notifier notify.Notifier

	mu         sync.Mutex
	closed     bool
	unregister []func()

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// New wires a session. Nothing connects or polls until Start.
func New(
	identity Identity,
	cfg Config,
	tokens channel.TokenSource,
	repo processing.Repository,
	notifier notify.Notifier,
	log *logger.Logger,
	tracer trace.Tracer,
	mp metric.MeterProvider,
	opts ...Option,
) (*Session, error) {
	o := options{timeProvider: timeutil.Default(), policy: notify.DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}

	log = log.With("user_id", identity.UserID, "tenant_id", identity.TenantID)
	s := &Session{
		identity:     identity,
		notifier:     notifier,
		timeProvider: o.timeProvider,
		logger:       log.With("component", "session"),
		tracer:       tracer,
	}

	s.handlers = registry.NewHandlerRegistry(log, tracer)

	chMetrics, err := channel.NewMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel metrics: %w", err)
	}
	clientOpts := []channel.Option{channel.WithTimeProvider(o.timeProvider)}
	if o.dialer != nil {
		clientOpts = append(clientOpts, channel.WithDialer(o.dialer))
	}
	s.client, err = channel.NewClient(cfg.Channel, tokens, s.handlers, log, chMetrics, tracer, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create push channel client: %w", err)
	}

	s.subs = subscription.NewRegistry(s.client, log, tracer)
	s.history = history.NewBuffer(cfg.HistoryCapacity, log)
	s.store = mirror.NewStore(o.timeProvider, mirror.WithLogger(log))
	s.poller = polling.NewScheduler(cfg.Polling, repo, s.store, log, tracer, polling.WithTimeProvider(o.timeProvider))

	s.jobs, err = jobs.NewController(repo, s.store, s.poller, log, tracer, mp)
	if err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to create job controller: %w", err)
	}

	ctx := context.Background()
	s.unregister = append(s.unregister,
		s.handlers.RegisterEventHandler(ctx, s.subs),
		s.handlers.RegisterEventHandler(ctx, s.history),
		s.handlers.RegisterEventHandler(ctx, s.store),
		s.handlers.RegisterEventHandler(ctx, notify.NewHandler(o.policy, notifier, log, notify.WithInterest(s.subs.Interested))),
		s.client.OnStateChange(s.onStateChange),
	)

	return s, nil
}

func (s *Session) onStateChange(_, to realtime.ConnectionState) {
	if to != realtime.ConnectionStateFailed {
		return
	}
	ctx := context.Background()
	cause := s.client.LastError()
	s.logger.Error(ctx, "Push channel gave up reconnecting", "error", cause)
	s.notifier.Notify(ctx, notify.ConnectionFailed(s.timeProvider.Now(), cause))
}

// Start connects the push channel and loads the job list once. The poller
// then starts itself if any job is active. Failures are reported but leave
// the session usable: the channel keeps retrying on its own schedule.
func (s *Session) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.start")
	defer span.End()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var errs []error
	if err := s.client.Connect(ctx); err != nil {
		s.logger.Warn(ctx, "Initial push channel connect failed", "error", err)
		errs = append(errs, err)
	}
	if err := s.poller.Refresh(ctx); err != nil {
		s.logger.Warn(ctx, "Initial job list load failed", "error", err)
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Close tears the session down: the poller stops, the push channel
// disconnects with its reconnect timer cancelled, and every handler is
// unregistered. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unregister := s.unregister
	s.unregister = nil
	s.mu.Unlock()

	s.poller.Close()
	s.client.Close()
	s.subs.Close()
	for _, fn := range unregister {
		fn()
	}
	s.logger.Info(context.Background(), "Session closed")
}

// Identity returns the identity the session serves.
func (s *Session) Identity() Identity { return s.identity }

// Channel returns the push channel client.
func (s *Session) Channel() *channel.Client { return s.client }

// Subscriptions returns the topic registry.
func (s *Session) Subscriptions() *subscription.Registry { return s.subs }

// History returns the alert event history.
func (s *Session) History() *history.Buffer { return s.history }

// Mirror returns the versioned resource mirror.
func (s *Session) Mirror() *mirror.Store { return s.store }

// Poller returns the adaptive polling scheduler.
func (s *Session) Poller() *polling.Scheduler { return s.poller }

// Jobs returns the job lifecycle controller.
func (s *Session) Jobs() *jobs.Controller { return s.jobs }
