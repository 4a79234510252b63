// Package jobs issues lifecycle actions against invoice processing jobs.
// Every action is checked against the job's current mirrored status before
// any request is made, and is followed by a forced job list refresh so the
// mirror reflects the server's view of the outcome.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/livesync/internal/app/mirror"
	"github.com/ahrav/livesync/internal/domain/processing"
	"github.com/ahrav/livesync/pkg/common/logger"
)

// ErrJobNotFound is returned when the job is absent from the mirror.
var ErrJobNotFound = errors.New("job not found")

// Actor is the write side of the processing repository.
type Actor interface {
	StartJob(ctx context.Context, jobID string) error
	CancelJob(ctx context.Context, jobID string) error
	RestartJob(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error
}

// Refresher reloads the job list. The polling scheduler implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Controller performs job actions.
type Controller struct {
	actor     Actor
	store     *mirror.Store
	refresher Refresher

	actions metric.Int64Counter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewController creates a Controller. mp may be a noop provider.
func NewController(
	actor Actor,
	store *mirror.Store,
	refresher Refresher,
	logger *logger.Logger,
	tracer trace.Tracer,
	mp metric.MeterProvider,
) (*Controller, error) {
	meter := mp.Meter("job_controller", metric.WithInstrumentationVersion("v0.1.0"))
	actions, err := meter.Int64Counter(
		"job_actions_total",
		metric.WithDescription("Total number of job actions by action and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job action counter: %w", err)
	}

	return &Controller{
		actor:     actor,
		store:     store,
		refresher: refresher,
		actions:   actions,
		logger:    logger.With("component", "job_controller"),
		tracer:    tracer,
	}, nil
}

// Start queues an uploaded job for processing.
func (c *Controller) Start(ctx context.Context, jobID string) processing.ActionResult {
	return c.Perform(ctx, jobID, processing.ActionStart)
}

// Cancel stops a pending or processing job.
func (c *Controller) Cancel(ctx context.Context, jobID string) processing.ActionResult {
	return c.Perform(ctx, jobID, processing.ActionCancel)
}

// Restart re-queues a failed or cancelled job.
func (c *Controller) Restart(ctx context.Context, jobID string) processing.ActionResult {
	return c.Perform(ctx, jobID, processing.ActionRestart)
}

// Delete removes a job that is not in flight.
func (c *Controller) Delete(ctx context.Context, jobID string) processing.ActionResult {
	return c.Perform(ctx, jobID, processing.ActionDelete)
}

// AvailableActions returns the actions permitted for the mirrored job.
func (c *Controller) AvailableActions(jobID string) []processing.Action {
	job, ok := c.lookup(jobID)
	if !ok {
		return nil
	}
	return processing.AvailableActions(job.Status)
}

func (c *Controller) lookup(jobID string) (processing.ProcessingJob, bool) {
	for _, j := range c.store.Jobs().Value {
		if j.JobID == jobID {
			return j, true
		}
	}
	return processing.ProcessingJob{}, false
}

// Perform validates and issues action for jobID, then refreshes the job
// list. The outcome is always returned as an ActionResult; a refresh
// failure after a successful action is logged but does not fail the result.
func (c *Controller) Perform(ctx context.Context, jobID string, action processing.Action) processing.ActionResult {
	ctx, span := c.tracer.Start(ctx, "jobs.perform",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.String("action", action.String()),
		))
	defer span.End()

	res := processing.ActionResult{JobID: jobID, Action: action}

	job, ok := c.lookup(jobID)
	if !ok {
		return c.fail(ctx, span, res, fmt.Errorf("%w: %s", ErrJobNotFound, jobID))
	}
	res.PriorStatus = job.Status

	if err := processing.CheckAction(job.Status, action); err != nil {
		return c.fail(ctx, span, res, err)
	}

	if err := c.issue(ctx, jobID, action); err != nil {
		return c.fail(ctx, span, res, fmt.Errorf("%s request failed: %w", action, err))
	}

	res.OK = true
	c.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action.String()),
		attribute.Bool("ok", true),
	))
	c.logger.Info(ctx, "Job action succeeded",
		"job_id", jobID,
		"action", action.String(),
		"prior_status", string(job.Status),
	)

	if err := c.refresher.Refresh(ctx); err != nil {
		span.RecordError(err)
		c.logger.Warn(ctx, "Job list refresh after action failed",
			"job_id", jobID,
			"action", action.String(),
			"error", err,
		)
	}
	return res
}

func (c *Controller) issue(ctx context.Context, jobID string, action processing.Action) error {
	switch action {
	case processing.ActionStart:
		return c.actor.StartJob(ctx, jobID)
	case processing.ActionCancel:
		return c.actor.CancelJob(ctx, jobID)
	case processing.ActionRestart:
		return c.actor.RestartJob(ctx, jobID)
	case processing.ActionDelete:
		return c.actor.DeleteJob(ctx, jobID)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func (c *Controller) fail(
	ctx context.Context,
	span trace.Span,
	res processing.ActionResult,
	err error,
) processing.ActionResult {
	res.OK = false
	res.Err = err
	res.Reason = err.Error()

	span.RecordError(err)
	span.SetStatus(codes.Error, "job action failed")
	c.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", res.Action.String()),
		attribute.Bool("ok", false),
	))
	c.logger.Warn(ctx, "Job action failed",
		"job_id", res.JobID,
		"action", res.Action.String(),
		"prior_status", string(res.PriorStatus),
		"error", err,
	)
	return res
}

// ValidationSummary maps each mirrored job id to the files in it that
// reported validation errors. Jobs without such files are omitted.
func (c *Controller) ValidationSummary() map[string][]processing.ProcessingFile {
	out := make(map[string][]processing.ProcessingFile)
	for _, j := range c.store.Jobs().Value {
		if files := j.FilesWithValidationErrors(); len(files) > 0 {
			out[j.JobID] = files
		}
	}
	return out
}
