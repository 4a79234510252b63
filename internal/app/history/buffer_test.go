package history

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/livesync/internal/domain/events"
	"github.com/ahrav/livesync/internal/domain/realtime"
	"github.com/ahrav/livesync/pkg/common/logger"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func update(i int, kind realtime.AlertUpdateType, sev realtime.Severity) realtime.AlertUpdateEvent {
	return realtime.NewAlertUpdateEvent(
		fmt.Sprintf("evt-%d", i),
		kind,
		realtime.AlertPayload{AlertID: fmt.Sprintf("alert-%d", i%3), Severity: sev},
		epoch.Add(time.Duration(i)*time.Second),
	)
}

func TestBufferBoundedNewestFirst(t *testing.T) {
	buf := NewBuffer(0, logger.Noop())
	require.Equal(t, DefaultCapacity, buf.Cap())

	rng := rand.New(rand.NewSource(7))
	kinds := []realtime.AlertUpdateType{realtime.AlertUpdateTriggered, realtime.AlertUpdateStatusChanged}

	for i := range 137 {
		evt := update(i, kinds[rng.Intn(2)], realtime.SeverityLow)
		buf.Insert(evt)

		assert.LessOrEqual(t, buf.Len(), DefaultCapacity)
		latest, ok := buf.Latest()
		require.True(t, ok)
		assert.Equal(t, evt.ID(), latest.ID(), "index 0 is the most recent insert")
		assert.Equal(t, evt.ID(), buf.Snapshot()[0].ID())
	}

	snap := buf.Snapshot()
	require.Len(t, snap, DefaultCapacity)
	assert.Equal(t, "evt-136", snap[0].ID())
	assert.Equal(t, "evt-87", snap[DefaultCapacity-1].ID(), "oldest retained event")
	for i := 1; i < len(snap); i++ {
		assert.True(t, snap[i-1].Timestamp().After(snap[i].Timestamp()))
	}
}

func TestQueryReturnsMostRecentOfTypeInOrder(t *testing.T) {
	buf := NewBuffer(10, logger.Noop())

	buf.Insert(update(1, realtime.AlertUpdateTriggered, realtime.SeverityLow))
	buf.Insert(update(2, realtime.AlertUpdateStatusChanged, realtime.SeverityLow))
	buf.Insert(update(3, realtime.AlertUpdateTriggered, realtime.SeverityHigh))
	buf.Insert(update(4, realtime.AlertUpdateTriggered, realtime.SeverityLow))
	buf.Insert(update(5, realtime.AlertUpdateStatusChanged, realtime.SeverityLow))

	got := buf.Query(realtime.AlertUpdateTriggered, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "evt-4", got[0].ID())
	assert.Equal(t, "evt-3", got[1].ID())

	all := buf.Query(realtime.AlertUpdateTriggered, 0)
	ids := make([]string, len(all))
	for i, e := range all {
		ids[i] = e.ID()
	}
	assert.Equal(t, []string{"evt-4", "evt-3", "evt-1"}, ids)

	assert.Len(t, buf.Query(realtime.AlertUpdateStatusChanged, 10), 2)
}

func TestFilters(t *testing.T) {
	buf := NewBuffer(10, logger.Noop())
	for i := range 6 {
		sev := realtime.SeverityLow
		if i%2 == 0 {
			sev = realtime.SeverityCritical
		}
		buf.Insert(update(i, realtime.AlertUpdateTriggered, sev))
	}

	byAlert := buf.ByAlert("alert-0")
	require.Len(t, byAlert, 2)
	assert.Equal(t, "evt-3", byAlert[0].ID())
	assert.Equal(t, "evt-0", byAlert[1].ID())

	assert.Len(t, buf.AtLeast(realtime.SeverityHigh), 3)
	assert.Len(t, buf.AtLeast(realtime.SeverityLow), 6)
}

func TestClear(t *testing.T) {
	buf := NewBuffer(3, logger.Noop())
	for i := range 5 {
		buf.Insert(update(i, realtime.AlertUpdateTriggered, realtime.SeverityLow))
	}
	buf.Clear()

	assert.Equal(t, 0, buf.Len())
	assert.Empty(t, buf.Snapshot())
	_, ok := buf.Latest()
	assert.False(t, ok)

	buf.Insert(update(9, realtime.AlertUpdateTriggered, realtime.SeverityLow))
	assert.Equal(t, []string{"evt-9"}, []string{buf.Snapshot()[0].ID()})
}

func TestHandleEvent(t *testing.T) {
	buf := NewBuffer(5, logger.Noop())
	evt := update(1, realtime.AlertUpdateTriggered, realtime.SeverityHigh)

	require.NoError(t, buf.HandleEvent(context.Background(), events.EventEnvelope{
		Type:    realtime.EventTypeAlertTriggered,
		Payload: evt,
	}))
	assert.Equal(t, 1, buf.Len())

	err := buf.HandleEvent(context.Background(), events.EventEnvelope{
		Type:    realtime.EventTypeAlertTriggered,
		Payload: realtime.AlertPayload{},
	})
	assert.Error(t, err)
	assert.Equal(t, 1, buf.Len())
}
