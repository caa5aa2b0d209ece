package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/valetsys/valetcore/internal/domain"
	"github.com/valetsys/valetcore/internal/hitl"
	"github.com/valetsys/valetcore/internal/progress"
	"github.com/valetsys/valetcore/internal/queue"
)

// jobRuntime is the concrete handlerreg.JobRuntime a Runtime hands to a
// Handler for the duration of one job execution.
type jobRuntime struct {
	job      *domain.Job
	workerID string
	queue    *queue.Store
	recorder *progress.Recorder
	hitl     *hitl.Coordinator
	clock    *deadlineClock
}

func (r *jobRuntime) JobID() string           { return r.job.JobID }
func (r *jobRuntime) JobType() string         { return r.job.JobType }
func (r *jobRuntime) TargetURL() string       { return r.job.TargetURL }
func (r *jobRuntime) TaskDescription() string { return r.job.TaskDescription }
func (r *jobRuntime) InputData() []byte       { return r.job.InputData }
func (r *jobRuntime) UserID() string          { return r.job.UserID }

// RequestHumanIntervention pauses the job and blocks until resume, cancel,
// or timeout. A timeout or cancel outcome has already been committed to the
// database by the HITL Coordinator by the time this returns, so the caller
// (executeClaimed) must treat domain.ErrHITLTimeout / domain.ErrJobCancelled
// as "stop, do not commit anything else." The job's own wall-clock deadline
// is paused for the duration of the wait, so HITL time is never charged
// against timeout_seconds.
func (r *jobRuntime) RequestHumanIntervention(ctx context.Context, blocker domain.Blocker) error {
	r.clock.Pause()
	defer r.clock.Resume()

	outcome, err := r.hitl.WaitAndPause(ctx, r.job, blocker, r.job.CallbackURL)
	if err != nil {
		return fmt.Errorf("job runtime: request human intervention: %w", err)
	}
	switch outcome {
	case hitl.OutcomeResumed:
		return nil
	case hitl.OutcomeTimeout:
		return domain.ErrHITLTimeout
	case hitl.OutcomeCancelled:
		return domain.ErrJobCancelled
	default:
		return fmt.Errorf("job runtime: unrecognized hitl outcome %q", outcome)
	}
}

func (r *jobRuntime) RecordEvent(ctx context.Context, eventType, message string, metadata []byte) error {
	return r.recorder.RecordEvent(ctx, r.job.JobID, eventType, message, json.RawMessage(metadata))
}

func (r *jobRuntime) RecordCost(ctx context.Context, deltaCents, deltaActions, deltaTokens int) error {
	return r.recorder.RecordCost(ctx, r.job.JobID, deltaCents, deltaActions, deltaTokens)
}

func (r *jobRuntime) Heartbeat(ctx context.Context) error {
	return r.queue.UpdateHeartbeat(ctx, r.job.JobID, r.workerID)
}
