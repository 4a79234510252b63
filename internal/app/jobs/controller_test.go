package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/livesync/internal/app/mirror"
	"github.com/ahrav/livesync/internal/domain/processing"
	"github.com/ahrav/livesync/pkg/common/logger"
)

type mockActor struct{ mock.Mock }

func (m *mockActor) StartJob(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockActor) CancelJob(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockActor) RestartJob(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockActor) DeleteJob(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type mockRefresher struct{ mock.Mock }

func (m *mockRefresher) Refresh(ctx context.Context) error { return m.Called(ctx).Error(0) }

func newTestController(t *testing.T, jobs ...processing.ProcessingJob) (*Controller, *mockActor, *mockRefresher) {
	t.Helper()
	store := mirror.NewStore(nil)
	store.ReplaceJobs(store.NextVersion(), jobs)

	actor := new(mockActor)
	refresher := new(mockRefresher)
	c, err := NewController(
		actor,
		store,
		refresher,
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
		noopmetric.NewMeterProvider(),
	)
	require.NoError(t, err)
	return c, actor, refresher
}

func job(id string, s processing.JobStatus) processing.ProcessingJob {
	return processing.ProcessingJob{JobID: id, Status: s}
}

func TestPermittedActionsCallRepositoryThenRefresh(t *testing.T) {
	tests := []struct {
		name   string
		status processing.JobStatus
		method string
		run    func(*Controller, context.Context, string) processing.ActionResult
	}{
		{"start uploaded", processing.JobStatusUploaded, "StartJob", (*Controller).Start},
		{"cancel pending", processing.JobStatusPending, "CancelJob", (*Controller).Cancel},
		{"cancel processing", processing.JobStatusProcessing, "CancelJob", (*Controller).Cancel},
		{"restart failed", processing.JobStatusFailed, "RestartJob", (*Controller).Restart},
		{"restart cancelled", processing.JobStatusCancelled, "RestartJob", (*Controller).Restart},
		{"delete completed", processing.JobStatusCompleted, "DeleteJob", (*Controller).Delete},
		{"delete uploaded", processing.JobStatusUploaded, "DeleteJob", (*Controller).Delete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, actor, refresher := newTestController(t, job("j1", tt.status))

			var order []string
			actor.On(tt.method, mock.Anything, "j1").Return(nil).Run(func(mock.Arguments) {
				order = append(order, "action")
			}).Once()
			refresher.On("Refresh", mock.Anything).Return(nil).Run(func(mock.Arguments) {
				order = append(order, "refresh")
			}).Once()

			res := tt.run(c, context.Background(), "j1")
			assert.True(t, res.OK)
			assert.NoError(t, res.Err)
			assert.Equal(t, tt.status, res.PriorStatus)
			assert.Equal(t, []string{"action", "refresh"}, order)

			actor.AssertExpectations(t)
			refresher.AssertExpectations(t)
		})
	}
}

func TestForbiddenActionMakesNoRequest(t *testing.T) {
	c, actor, refresher := newTestController(t, job("j1", processing.JobStatusProcessing))

	res := c.Delete(context.Background(), "j1")
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, processing.ErrActionNotPermitted)
	assert.Equal(t, processing.JobStatusProcessing, res.PriorStatus)
	assert.NotEmpty(t, res.Reason)

	actor.AssertNotCalled(t, "DeleteJob", mock.Anything, mock.Anything)
	refresher.AssertNotCalled(t, "Refresh", mock.Anything)
}

func TestUnknownJob(t *testing.T) {
	c, _, _ := newTestController(t)

	res := c.Start(context.Background(), "missing")
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrJobNotFound)
	assert.Nil(t, c.AvailableActions("missing"))
}

func TestRepositoryFailureIsReported(t *testing.T) {
	c, actor, refresher := newTestController(t, job("j1", processing.JobStatusFailed))

	actor.On("RestartJob", mock.Anything, "j1").Return(errors.New("409 conflict"))

	res := c.Restart(context.Background(), "j1")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "409 conflict")
	refresher.AssertNotCalled(t, "Refresh", mock.Anything)
}

func TestRefreshFailureKeepsSuccess(t *testing.T) {
	c, actor, refresher := newTestController(t, job("j1", processing.JobStatusUploaded))

	actor.On("StartJob", mock.Anything, "j1").Return(nil)
	refresher.On("Refresh", mock.Anything).Return(errors.New("timeout"))

	res := c.Start(context.Background(), "j1")
	assert.True(t, res.OK)
	refresher.AssertExpectations(t)
}

func TestAvailableActionsAndValidationSummary(t *testing.T) {
	flagged := processing.ProcessingJob{
		JobID:  "j2",
		Status: processing.JobStatusCompleted,
		Files: []processing.ProcessingFile{
			{Filename: "ok.pdf", Status: processing.FileStatusCompleted},
			{Filename: "bad.pdf", Status: processing.FileStatusCompleted, ValidationErrors: []string{"missing total"}},
		},
	}
	c, _, _ := newTestController(t, job("j1", processing.JobStatusUploaded), flagged)

	assert.Equal(t, []processing.Action{processing.ActionStart, processing.ActionDelete}, c.AvailableActions("j1"))
	assert.Equal(t, []processing.Action{processing.ActionDelete}, c.AvailableActions("j2"))

	summary := c.ValidationSummary()
	require.Len(t, summary, 1)
	require.Len(t, summary["j2"], 1)
	assert.Equal(t, "bad.pdf", summary["j2"][0].Filename)
}
