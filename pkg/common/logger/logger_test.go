package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/livesync/pkg/common/timeutil"
)

func TestLoggerFiltersBelowMinimumLevel(t *testing.T) {
	var out bytes.Buffer
	log := New(&out, LevelWarn, "test", nil)
	ctx := context.Background()

	assert.False(t, log.Enabled(ctx, LevelInfo))
	assert.True(t, log.Enabled(ctx, LevelWarn))

	log.Info(ctx, "dropped")
	assert.Zero(t, out.Len())

	log.Warn(ctx, "kept", "job_id", "j-1")
	var line map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "j-1", line["job_id"])
	assert.Equal(t, "test", line["service"])
}

func TestLoggerEventsHookReceivesAttributes(t *testing.T) {
	var got Record
	events := Events{Error: func(_ context.Context, r Record) { got = r }}

	var out bytes.Buffer
	log := NewWithEvents(&out, LevelDebug, "test", nil, events)
	log.Error(context.Background(), "boom", "code", 7)

	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.EqualValues(t, 7, got.Attributes["code"])
}

func TestLoggerContextAccumulates(t *testing.T) {
	buf := NewRingBuffer(10)
	log := NewForProfile(Options{Profile: ProfileProduction, MinLevel: LevelDebug, Buffer: buf})

	lc := NewLoggerContext(log)
	lc.Add("job_id", "j-9")
	lc.Add("action", "cancel")
	lc.Info(context.Background(), "done", "ok", true)

	entries := buf.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "j-9", entries[0].Context["job_id"])
	assert.Equal(t, "cancel", entries[0].Context["action"])
	assert.Equal(t, true, entries[0].Context["ok"])
}

func TestRingBufferEvictsOldest(t *testing.T) {
	buf := NewRingBuffer(0)
	require.Equal(t, DefaultBufferCapacity, buf.Cap())

	for i := range 150 {
		buf.Push(LogEntry{Message: "m", Context: map[string]any{"i": i}})
	}

	entries := buf.Entries()
	require.Len(t, entries, DefaultBufferCapacity)
	assert.Equal(t, 50, entries[0].Context["i"])
	assert.Equal(t, 149, entries[len(entries)-1].Context["i"])

	buf.Clear()
	assert.Zero(t, buf.Len())
}

func TestConsoleOnlyInDevelopment(t *testing.T) {
	ctx := context.Background()

	var devOut bytes.Buffer
	NewForProfile(Options{Profile: ProfileDevelopment, MinLevel: LevelInfo, Console: &devOut}).Info(ctx, "hello")
	assert.Contains(t, devOut.String(), "hello")

	var prodOut bytes.Buffer
	NewForProfile(Options{Profile: ProfileProduction, MinLevel: LevelInfo, Console: &prodOut}).Info(ctx, "hello")
	assert.Zero(t, prodOut.Len())
}

type collector struct {
	calls  atomic.Int32
	status atomic.Int32
}

func newCollector(t *testing.T, status int) (*collector, *httptest.Server) {
	t.Helper()
	c := new(collector)
	c.status.Store(int32(status))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.calls.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(int(c.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return c, srv
}

func TestRemoteSinkProfileGating(t *testing.T) {
	tests := []struct {
		name      string
		profile   Profile
		failing   bool
		wantCalls int32
		wantQueue int
	}{
		{name: "development never calls remote", profile: ProfileDevelopment, wantCalls: 0},
		{name: "production delivers once", profile: ProfileProduction, wantCalls: 1},
		{name: "production failure queues once", profile: ProfileProduction, failing: true, wantCalls: 1, wantQueue: 1},
		{name: "staging delivers once", profile: ProfileStaging, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := http.StatusNoContent
			if tt.failing {
				status = http.StatusInternalServerError
			}
			c, srv := newCollector(t, status)

			sink := NewRemoteSink(RemoteSinkConfig{
				Transport:    &HTTPTransport{URL: srv.URL},
				Profile:      tt.profile,
				Enabled:      true,
				TimeProvider: timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
			})
			defer sink.Close()

			log := NewForProfile(Options{Profile: tt.profile, MinLevel: LevelDebug, Remote: sink, Console: &bytes.Buffer{}})
			log.Warn(context.Background(), "price feed lagging", "feed", "eu")
			sink.Wait()

			assert.Equal(t, tt.wantCalls, c.calls.Load())
			assert.Len(t, sink.Queue(), tt.wantQueue)
		})
	}
}

func TestRemoteSinkIgnoresInfoAndDisabled(t *testing.T) {
	c, srv := newCollector(t, http.StatusOK)
	clock := timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	enabled := NewRemoteSink(RemoteSinkConfig{Transport: &HTTPTransport{URL: srv.URL}, Profile: ProfileProduction, Enabled: true, TimeProvider: clock})
	disabled := NewRemoteSink(RemoteSinkConfig{Transport: &HTTPTransport{URL: srv.URL}, Profile: ProfileProduction, Enabled: false, TimeProvider: clock})
	defer enabled.Close()
	defer disabled.Close()

	ctx := context.Background()
	NewForProfile(Options{Profile: ProfileProduction, MinLevel: LevelDebug, Remote: enabled}).Info(ctx, "info only")
	NewForProfile(Options{Profile: ProfileProduction, MinLevel: LevelDebug, Remote: disabled}).Error(ctx, "disabled")
	enabled.Wait()
	disabled.Wait()

	assert.Zero(t, c.calls.Load())
}

func TestRemoteSinkReplayBoundsRetries(t *testing.T) {
	c, srv := newCollector(t, http.StatusBadGateway)
	clock := timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	sink := NewRemoteSink(RemoteSinkConfig{
		Transport:    &HTTPTransport{URL: srv.URL},
		Profile:      ProfileProduction,
		Enabled:      true,
		TimeProvider: clock,
	})
	defer sink.Close()

	sink.Submit(LogEntry{Timestamp: clock.Now(), Level: LevelError, Message: "upload failed"})
	sink.Wait()
	require.Len(t, sink.Queue(), 1)

	clock.Advance(DefaultReplayInterval)
	require.Len(t, sink.Queue(), 1)
	assert.Equal(t, 1, sink.Queue()[0].RetryCount)

	clock.Advance(DefaultReplayInterval)
	assert.Empty(t, sink.Queue(), "entry is dropped after its third attempt")
	assert.Equal(t, 1, sink.Dropped())
	assert.EqualValues(t, DefaultMaxRetries, c.calls.Load(), "the initial attempt counts toward the limit")

	clock.Advance(DefaultReplayInterval)
	assert.EqualValues(t, DefaultMaxRetries, c.calls.Load())
}

func TestRemoteSinkSingleAttemptIsNotQueued(t *testing.T) {
	c, srv := newCollector(t, http.StatusBadGateway)
	clock := timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	sink := NewRemoteSink(RemoteSinkConfig{
		Transport:    &HTTPTransport{URL: srv.URL},
		Profile:      ProfileProduction,
		Enabled:      true,
		MaxRetries:   1,
		TimeProvider: clock,
	})
	defer sink.Close()

	sink.Submit(LogEntry{Timestamp: clock.Now(), Level: LevelError, Message: "upload failed"})
	sink.Wait()

	assert.Empty(t, sink.Queue())
	assert.Equal(t, 1, sink.Dropped())
	assert.EqualValues(t, 1, c.calls.Load())
}

func TestRemoteSinkReplaySucceeds(t *testing.T) {
	c, srv := newCollector(t, http.StatusServiceUnavailable)
	clock := timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	sink := NewRemoteSink(RemoteSinkConfig{Transport: &HTTPTransport{URL: srv.URL}, Profile: ProfileStaging, Enabled: true, TimeProvider: clock})
	defer sink.Close()

	sink.Submit(LogEntry{Level: LevelWarn, Message: "slow"})
	sink.Wait()
	require.Len(t, sink.Queue(), 1)

	c.status.Store(http.StatusAccepted)
	clock.Advance(DefaultReplayInterval)

	assert.Empty(t, sink.Queue())
	assert.Zero(t, sink.Dropped())
}

func TestParseLevelAndProfile(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)
	assert.Equal(t, "warn", lvl.String())

	_, err = ParseLevel("loud")
	assert.Error(t, err)

	p, err := ParseProfile("prod")
	require.NoError(t, err)
	assert.Equal(t, ProfileProduction, p)

	_, err = ParseProfile("qa")
	assert.Error(t, err)
}
