package acktracking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/livesync/internal/infra/messaging/acktracking"
	"github.com/ahrav/livesync/pkg/common/logger"
)

func TestResolveByRequestID(t *testing.T) {
	tracker := acktracking.NewTracker[string](logger.Noop())

	ch := tracker.Track("req-1", "alert-1")
	ok := tracker.Resolve(context.Background(), "req-1", "", "active")
	require.True(t, ok, "Resolve should return true for a tracked request")

	got, err := tracker.Wait(context.Background(), "req-1", ch, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "active", got)
	assert.Equal(t, 0, tracker.Len())
}

func TestResolveFallsBackToOldestKey(t *testing.T) {
	tracker := acktracking.NewTracker[string](logger.Noop())

	first := tracker.Track("req-1", "alert-1")
	second := tracker.Track("req-2", "alert-1")

	require.True(t, tracker.Resolve(context.Background(), "", "alert-1", "one"))
	require.True(t, tracker.Resolve(context.Background(), "unknown", "alert-1", "two"))

	assert.Equal(t, "one", (<-first).Value)
	assert.Equal(t, "two", (<-second).Value)
}

func TestResolveUnknown(t *testing.T) {
	tracker := acktracking.NewTracker[int](logger.Noop())
	assert.False(t, tracker.Resolve(context.Background(), "missing", "missing", 1))
}

func TestWaitTimeout(t *testing.T) {
	tracker := acktracking.NewTracker[int](logger.Noop())

	ch := tracker.Track("slow", "")
	_, err := tracker.Wait(context.Background(), "slow", ch, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, tracker.Len(), "timed out request should no longer be tracked")
}

func TestWaitContextCanceled(t *testing.T) {
	tracker := acktracking.NewTracker[int](logger.Noop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := tracker.Track("canceled", "")
	_, err := tracker.Wait(ctx, "canceled", ch, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCleanupAll(t *testing.T) {
	tracker := acktracking.NewTracker[int](logger.Noop())
	gone := errors.New("connection closed")

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range 3 {
		ch := tracker.Track(string(rune('a'+i)), "")
		wg.Add(1)
		go func(i int, ch <-chan acktracking.Result[int]) {
			defer wg.Done()
			errs[i] = (<-ch).Err
		}(i, ch)
	}

	tracker.CleanupAll(context.Background(), gone)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, gone)
	}
	assert.Equal(t, 0, tracker.Len())
}
