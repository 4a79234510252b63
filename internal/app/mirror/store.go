// Package mirror holds the client's copy of server-owned state. Each resource
// carries a monotonic version so that when a push event and a poll refresh
// race, the update that was requested last wins regardless of which response
// lands first.
package mirror

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ahrav/livesync/internal/domain/events"
	"github.com/ahrav/livesync/internal/domain/processing"
	"github.com/ahrav/livesync/internal/domain/realtime"
	"github.com/ahrav/livesync/pkg/common/logger"
	"github.com/ahrav/livesync/pkg/common/timeutil"
)

// Versioned is a mirrored value tagged with the version it was requested
// under.
type Versioned[T any] struct {
	Version   uint64
	Value     T
	UpdatedAt time.Time
}

// JobsObserver is called after the job list changes, with the newest list.
type JobsObserver func(jobs []processing.ProcessingJob)

// Store is the versioned mirror. Every mutation replaces a resource
// wholesale; nothing is patched in place.
type Store struct {
	mu       sync.RWMutex
	seq      uint64
	jobs     Versioned[[]processing.ProcessingJob]
	invoices Versioned[[]processing.Invoice]
	stats    Versioned[processing.InvoiceStatistics]
	metrics  Versioned[realtime.PerformanceMetricsSnapshot]
	status   Versioned[realtime.SystemStatusSnapshot]

	notifyMu  sync.Mutex
	observers []JobsObserver

	timeProvider timeutil.Provider
	logger       *logger.Logger
}

var _ events.EventHandler = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger that reports job status transitions the
// lifecycle does not allow.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.logger = l.With("component", "mirror") }
}

// NewStore creates an empty Store.
func NewStore(tp timeutil.Provider, opts ...Option) *Store {
	if tp == nil {
		tp = timeutil.Default()
	}
	s := &Store{timeProvider: tp, logger: logger.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextVersion reserves a version. Callers take one when they start a
// request and pass it to the matching Replace call.
func (s *Store) NextVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func replace[T any](cur *Versioned[T], version uint64, v T, now time.Time) bool {
	if version <= cur.Version {
		return false
	}
	*cur = Versioned[T]{Version: version, Value: v, UpdatedAt: now}
	return true
}

// OnJobsChanged registers an observer for job list replacements.
func (s *Store) OnJobsChanged(fn JobsObserver) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.observers = append(s.observers, fn)
}

// ReplaceJobs stores jobs if version is newer than the current list and
// reports whether it was applied. The server's statuses always win; a change
// the job lifecycle does not allow is only logged.
func (s *Store) ReplaceJobs(version uint64, jobs []processing.ProcessingJob) bool {
	s.mu.Lock()
	prior := s.jobs.Value
	applied := replace(&s.jobs, version, slices.Clone(jobs), s.timeProvider.Now())
	s.mu.Unlock()

	if applied {
		s.checkTransitions(prior, jobs)
		s.notifyJobs()
	}
	return applied
}

func (s *Store) checkTransitions(prior, next []processing.ProcessingJob) {
	if len(prior) == 0 {
		return
	}
	was := make(map[string]processing.JobStatus, len(prior))
	for _, j := range prior {
		was[j.JobID] = j.Status
	}
	for _, j := range next {
		from, ok := was[j.JobID]
		if !ok || from == j.Status {
			continue
		}
		if err := from.ValidateTransition(j.Status); err != nil {
			s.logger.Warn(context.Background(), "Unexpected job status transition",
				"job_id", j.JobID,
				"error", err)
		}
	}
}

// notifyJobs hands observers the list current at notification time, so the
// last notification always carries the newest list even when replacements
// race.
func (s *Store) notifyJobs() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	jobs := s.Jobs().Value
	for _, fn := range s.observers {
		fn(jobs)
	}
}

// ReplaceInvoices stores invoices if version is newer.
func (s *Store) ReplaceInvoices(version uint64, invoices []processing.Invoice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return replace(&s.invoices, version, slices.Clone(invoices), s.timeProvider.Now())
}

// ReplaceStatistics stores stats if version is newer.
func (s *Store) ReplaceStatistics(version uint64, stats processing.InvoiceStatistics) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return replace(&s.stats, version, stats, s.timeProvider.Now())
}

// ReplaceMetrics stores the performance snapshot if version is newer.
func (s *Store) ReplaceMetrics(version uint64, m realtime.PerformanceMetricsSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return replace(&s.metrics, version, m, s.timeProvider.Now())
}

// ReplaceSystemStatus stores the system status snapshot if version is newer.
func (s *Store) ReplaceSystemStatus(version uint64, st realtime.SystemStatusSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return replace(&s.status, version, st, s.timeProvider.Now())
}

// Jobs returns the current job list. The slice is a copy.
func (s *Store) Jobs() Versioned[[]processing.ProcessingJob] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.jobs
	v.Value = slices.Clone(v.Value)
	return v
}

// Invoices returns the current invoice list. The slice is a copy.
func (s *Store) Invoices() Versioned[[]processing.Invoice] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.invoices
	v.Value = slices.Clone(v.Value)
	return v
}

// Statistics returns the current invoice statistics.
func (s *Store) Statistics() Versioned[processing.InvoiceStatistics] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Metrics returns the latest performance snapshot.
func (s *Store) Metrics() Versioned[realtime.PerformanceMetricsSnapshot] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// SystemStatus returns the latest system status snapshot.
func (s *Store) SystemStatus() Versioned[realtime.SystemStatusSnapshot] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// HasActiveJobs reports whether any mirrored job is active.
func (s *Store) HasActiveJobs() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return processing.AnyActive(s.jobs.Value)
}

// HandleEvent stores snapshots pushed by the server. Snapshots keep no
// history; the newest wins.
func (s *Store) HandleEvent(_ context.Context, evt events.EventEnvelope) error {
	switch p := evt.Payload.(type) {
	case realtime.PerformanceMetricsSnapshot:
		s.ReplaceMetrics(s.NextVersion(), p)
	case realtime.SystemStatusSnapshot:
		s.ReplaceSystemStatus(s.NextVersion(), p)
	default:
		return fmt.Errorf("unexpected payload %T for %s", evt.Payload, evt.Type)
	}
	return nil
}

// SupportedEvents returns the snapshot event types.
func (s *Store) SupportedEvents() []events.EventType {
	return []events.EventType{realtime.EventTypePerformanceMetrics, realtime.EventTypeSystemStatus}
}
