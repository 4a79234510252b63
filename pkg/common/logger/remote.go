package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ahrav/livesync/pkg/common/timeutil"
)

const (
	// DefaultReplayInterval is how often queued entries are re-sent.
	DefaultReplayInterval = 30 * time.Second

	// DefaultMaxRetries bounds the delivery attempts made for one entry,
	// counting the initial delivery, before it is dropped.
	DefaultMaxRetries = 3

	defaultDeliveryTimeout = 5 * time.Second
)

// ErrDelivery is returned by transports when the remote sink rejects an entry.
var ErrDelivery = errors.New("log delivery failed")

// Transport ships a single entry to a remote collector.
type Transport interface {
	Deliver(ctx context.Context, entry LogEntry) error
}

// HTTPTransport posts entries as JSON to a collector endpoint.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

type wireEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context"`
}

// Deliver sends one POST. Any non-2xx response is reported as ErrDelivery.
func (t *HTTPTransport) Deliver(ctx context.Context, entry LogEntry) error {
	body, err := json.Marshal(wireEntry{
		Timestamp: entry.Timestamp,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Context:   entry.Context,
	})
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build log request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDelivery, resp.StatusCode)
	}
	return nil
}

// RemoteSinkConfig configures a RemoteSink.
type RemoteSinkConfig struct {
	Transport      Transport
	Profile        Profile
	Enabled        bool
	ReplayInterval time.Duration
	MaxRetries     int
	TimeProvider   timeutil.Provider
}

// RemoteSink delivers warn and error entries to a collector on a best-effort
// basis. Failed entries are queued and replayed on a fixed timer; an entry is
// dropped silently once MaxRetries delivery attempts, the initial one
// included, have failed.
//
// The sink never accepts entries in the development profile or when disabled.
type RemoteSink struct {
	transport      Transport
	profile        Profile
	enabled        bool
	replayInterval time.Duration
	maxRetries     int
	timeProvider   timeutil.Provider

	mu      sync.Mutex
	queue   []LogEntry
	timer   timeutil.Timer
	closed  bool
	dropped int

	inflight sync.WaitGroup
}

// NewRemoteSink creates a sink and starts its replay timer when the sink is
// active for the configured profile.
func NewRemoteSink(cfg RemoteSinkConfig) *RemoteSink {
	s := &RemoteSink{
		transport:      cfg.Transport,
		profile:        cfg.Profile,
		enabled:        cfg.Enabled && cfg.Transport != nil,
		replayInterval: cfg.ReplayInterval,
		maxRetries:     cfg.MaxRetries,
		timeProvider:   cfg.TimeProvider,
	}
	if s.replayInterval <= 0 {
		s.replayInterval = DefaultReplayInterval
	}
	if s.maxRetries <= 0 {
		s.maxRetries = DefaultMaxRetries
	}
	if s.timeProvider == nil {
		s.timeProvider = timeutil.Default()
	}

	if s.active() {
		s.mu.Lock()
		s.scheduleLocked()
		s.mu.Unlock()
	}
	return s
}

func (s *RemoteSink) active() bool { return s.enabled && s.profile != ProfileDevelopment }

// Accepts reports whether an entry at level is eligible for remote delivery.
func (s *RemoteSink) Accepts(level Level) bool { return s.active() && level >= LevelWarn }

// Submit delivers entry asynchronously, queueing it on failure.
func (s *RemoteSink) Submit(entry LogEntry) {
	if !s.Accepts(entry.Level) {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		if err := s.deliver(entry); err != nil {
			s.retryOrDrop(entry)
		}
	}()
}

func (s *RemoteSink) deliver(entry LogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDeliveryTimeout)
	defer cancel()
	return s.transport.Deliver(ctx, entry)
}

func (s *RemoteSink) retryOrDrop(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exhausted(entry) {
		s.dropped++
		return
	}
	s.queue = append(s.queue, entry)
}

// exhausted reports whether entry has used all its delivery attempts. The
// initial delivery is not counted in RetryCount.
func (s *RemoteSink) exhausted(entry LogEntry) bool { return entry.RetryCount+1 >= s.maxRetries }

func (s *RemoteSink) scheduleLocked() {
	if s.closed {
		return
	}
	s.timer = s.timeProvider.AfterFunc(s.replayInterval, func() {
		s.Replay()
		s.mu.Lock()
		s.scheduleLocked()
		s.mu.Unlock()
	})
}

// Replay re-sends every queued entry once. Entries that fail again are
// re-queued until they exhaust their MaxRetries attempts.
func (s *RemoteSink) Replay() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	var requeue []LogEntry
	dropped := 0
	for _, entry := range pending {
		entry.RetryCount++
		if err := s.deliver(entry); err == nil {
			continue
		}
		if s.exhausted(entry) {
			dropped++
			continue
		}
		requeue = append(requeue, entry)
	}

	s.mu.Lock()
	s.queue = append(requeue, s.queue...)
	s.dropped += dropped
	s.mu.Unlock()
}

// Queue returns a copy of the entries awaiting replay.
func (s *RemoteSink) Queue() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.queue))
	copy(out, s.queue)
	return out
}

// Dropped returns how many entries were discarded after exhausting retries.
func (s *RemoteSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Wait blocks until every in-flight delivery started by Submit has finished.
func (s *RemoteSink) Wait() { s.inflight.Wait() }

// Close stops the replay timer and waits for in-flight deliveries. Queued
// entries are discarded.
func (s *RemoteSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.inflight.Wait()
}

func newRemoteHandler(s *RemoteSink) slog.Handler {
	return &entryHandler{
		accept: func(level slog.Level) bool { return s.Accepts(Level(level)) },
		sink:   s.Submit,
	}
}
