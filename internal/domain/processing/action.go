package processing

import (
	"context"
	"errors"
	"fmt"
)

// Action is a lifecycle operation a client may request for a job.
type Action string

const (
	ActionStart   Action = "start"
	ActionCancel  Action = "cancel"
	ActionRestart Action = "restart"
	ActionDelete  Action = "delete"
)

func (a Action) String() string { return string(a) }

// ErrActionNotPermitted is returned when an action is requested for a job
// whose status does not allow it.
var ErrActionNotPermitted = errors.New("action not permitted for job status")

// AvailableActions returns the actions permitted for a job in status s.
//
//	uploaded            -> start, delete
//	pending, processing -> cancel
//	failed, cancelled   -> restart, delete
//	completed           -> delete
func AvailableActions(s JobStatus) []Action {
	switch s {
	case JobStatusUploaded:
		return []Action{ActionStart, ActionDelete}
	case JobStatusPending, JobStatusProcessing:
		return []Action{ActionCancel}
	case JobStatusFailed, JobStatusCancelled:
		return []Action{ActionRestart, ActionDelete}
	case JobStatusCompleted:
		return []Action{ActionDelete}
	default:
		return nil
	}
}

// CheckAction returns ErrActionNotPermitted, wrapped with context, unless a
// is available for status s.
func CheckAction(s JobStatus, a Action) error {
	for _, allowed := range AvailableActions(s) {
		if allowed == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s job", ErrActionNotPermitted, a, s)
}

// ActionResult is the outcome of a job action. Every action returns one so
// callers decide how to surface failures.
type ActionResult struct {
	JobID       string
	Action      Action
	PriorStatus JobStatus
	OK          bool
	Reason      string
	Err         error
}

// Repository is the consumed surface of the external processing service.
type Repository interface {
	ListJobs(ctx context.Context) ([]ProcessingJob, error)
	StartJob(ctx context.Context, jobID string) error
	CancelJob(ctx context.Context, jobID string) error
	RestartJob(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error
	ListInvoices(ctx context.Context) ([]Invoice, error)
	GetStatistics(ctx context.Context) (InvoiceStatistics, error)
}
