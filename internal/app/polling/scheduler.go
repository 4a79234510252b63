// Package polling refreshes server-owned resources on a timer while
// invoice processing is in flight. The scheduler watches the mirrored job
// list: it starts itself when a job becomes active and stops once none are.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/livesync/internal/app/mirror"
	"github.com/ahrav/livesync/internal/domain/processing"
	"github.com/ahrav/livesync/pkg/common/logger"
	"github.com/ahrav/livesync/pkg/common/timeutil"
)

const (
	DefaultInterval       = 3 * time.Second
	DefaultMaxInterval    = 10 * time.Second
	DefaultRequestTimeout = 5 * time.Second
)

// ErrRefresh wraps failures of a refresh pass.
var ErrRefresh = errors.New("refresh failed")

// Source is the read side of the processing repository.
type Source interface {
	ListJobs(ctx context.Context) ([]processing.ProcessingJob, error)
	ListInvoices(ctx context.Context) ([]processing.Invoice, error)
	GetStatistics(ctx context.Context) (processing.InvoiceStatistics, error)
}

// Config controls tick timing.
type Config struct {
	// Interval is the tick period while refreshes succeed.
	Interval time.Duration
	// MaxInterval caps the period after consecutive failures.
	MaxInterval time.Duration
	// RequestTimeout bounds each repository call.
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeProvider sets the clock driving the tick timer.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(s *Scheduler) { s.timeProvider = tp }
}

// Scheduler is the adaptive poller. One timer drives ticks; each tick
// schedules its successor before refreshing, so a slow refresh never delays
// the cadence. Overlapping refreshes are resolved by the mirror's versions.
type Scheduler struct {
	cfg    Config
	source Source
	store  *mirror.Store

	mu       sync.Mutex
	running  bool
	closed   bool
	gen      uint64
	timer    timeutil.Timer
	interval time.Duration
	failures int
	ticks    int
	backoff  *backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewScheduler creates a stopped Scheduler bound to store. It registers an
// observer so later job list replacements start and stop it.
func NewScheduler(
	cfg Config,
	source Source,
	store *mirror.Store,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Scheduler {
	cfg.applyDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Interval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:          cfg,
		source:       source,
		store:        store,
		backoff:      b,
		ctx:          ctx,
		cancel:       cancel,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "polling_scheduler"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetIntervalLocked()

	store.OnJobsChanged(s.observe)
	return s
}

// resetIntervalLocked rewinds the backoff and consumes its first value, the
// base interval, so the next failure yields the first grown interval.
func (s *Scheduler) resetIntervalLocked() {
	s.backoff.Reset()
	s.interval = s.backoff.NextBackOff()
	s.failures = 0
}

func (s *Scheduler) observe(jobs []processing.ProcessingJob) {
	if processing.AnyActive(jobs) {
		s.Start()
		return
	}
	s.Stop()
}

// Start begins ticking if it is not already. The first tick fires one
// interval from now.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.closed {
		return
	}
	s.running = true
	s.gen++
	s.scheduleLocked(s.gen)
	s.logger.Info(s.ctx, "Polling started", "interval", s.interval.String())
}

// Stop cancels the pending tick. A refresh already in flight completes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if !s.running {
		return
	}
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.logger.Info(s.ctx, "Polling stopped", "ticks", s.ticks)
}

// Close stops the scheduler permanently and cancels in-flight requests.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.stopLocked()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// Running reports whether a tick is scheduled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Interval returns the period the next scheduled tick will use.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Ticks returns the number of ticks fired so far.
func (s *Scheduler) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

func (s *Scheduler) scheduleLocked(gen uint64) {
	s.timer = s.timeProvider.AfterFunc(s.interval, func() { s.tick(gen) })
}

// tick ignores timers left over from before the latest Start.
func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.ticks++
	s.scheduleLocked(gen)
	s.mu.Unlock()

	err := s.Refresh(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		if s.failures > 0 {
			s.logger.Info(s.ctx, "Polling recovered", "failures", s.failures)
		}
		s.resetIntervalLocked()
		return
	}

	s.failures++
	s.interval = s.backoff.NextBackOff()
	s.logger.Warn(s.ctx, "Poll refresh failed",
		"error", err,
		"consecutive_failures", s.failures,
		"next_interval", s.interval.String(),
	)
}

// Refresh fetches the job list and, when any job is active, invoices and
// statistics too. Results land in the mirror under versions reserved before
// each request. Errors are joined and wrapped with ErrRefresh.
func (s *Scheduler) Refresh(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "polling.refresh")
	defer span.End()

	jobs, err := s.refreshJobs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job refresh failed")
		return fmt.Errorf("%w: jobs: %w", ErrRefresh, err)
	}

	// The mirror decides: a newer overlapping refresh may already have
	// replaced this response.
	active := s.store.HasActiveJobs()
	span.SetAttributes(attribute.Int("jobs", len(jobs)), attribute.Bool("active", active))
	if !active {
		return nil
	}

	var wg sync.WaitGroup
	var invErr, statErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		invErr = s.refreshInvoices(ctx)
	}()
	go func() {
		defer wg.Done()
		statErr = s.refreshStatistics(ctx)
	}()
	wg.Wait()

	if err := errors.Join(invErr, statErr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resource refresh failed")
		return fmt.Errorf("%w: %w", ErrRefresh, err)
	}
	return nil
}

func (s *Scheduler) refreshJobs(ctx context.Context) ([]processing.ProcessingJob, error) {
	version := s.store.NextVersion()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	jobs, err := s.source.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	s.store.ReplaceJobs(version, jobs)
	return jobs, nil
}

func (s *Scheduler) refreshInvoices(ctx context.Context) error {
	version := s.store.NextVersion()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	invoices, err := s.source.ListInvoices(ctx)
	if err != nil {
		return fmt.Errorf("invoices: %w", err)
	}
	s.store.ReplaceInvoices(version, invoices)
	return nil
}

func (s *Scheduler) refreshStatistics(ctx context.Context) error {
	version := s.store.NextVersion()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	stats, err := s.source.GetStatistics(ctx)
	if err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	s.store.ReplaceStatistics(version, stats)
	return nil
}
