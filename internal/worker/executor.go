package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valetsys/valetcore/internal/callback"
	"github.com/valetsys/valetcore/internal/domain"
	"github.com/valetsys/valetcore/internal/errkind"
	"github.com/valetsys/valetcore/internal/handlerreg"
)

// executeClaimed runs the handler for a freshly-claimed job through to a
// terminal (or requeued) outcome: instantiate the handler, run it under a
// wall-clock deadline, classify any error, and commit the resulting
// transition. Heartbeating is the caller's responsibility (runtime.go runs it
// on an independent goroutine). A cancel written to the row does not
// interrupt a running handler: it is seen only by the HITL wait's status
// checks, or as a rejected final transition once the row is no longer running.
func (w *Runtime) executeClaimed(ctx context.Context, job *domain.Job) {
	log := w.logger.With(slog.String("job_id", job.JobID), slog.String("job_type", job.JobType), slog.String("worker_id", w.workerID))

	w.emitCallback(job, "running")

	factory, ok := w.registry.Lookup(job.JobType)
	if !ok {
		log.Error("no handler registered for job type")
		w.commitFailure(ctx, job, domain.ErrorCodeUnknownHandler, fmt.Sprintf("no handler registered for job_type %q", job.JobType))
		return
	}

	deadline := w.jobTimeout
	if job.TimeoutSeconds > 0 {
		deadline = time.Duration(job.TimeoutSeconds) * time.Second
	}
	jobCtx, clock := newDeadlineClock(ctx, deadline)
	defer clock.Stop()

	rt := &jobRuntime{job: job, workerID: w.workerID, queue: w.queue, recorder: w.recorder, hitl: w.hitl, clock: clock}
	handler := factory()

	result, err := handler.Execute(jobCtx, rt)

	if err != nil {
		w.handleExecutionError(ctx, jobCtx, job, err, log)
		return
	}

	if err := w.machine.ToCompleted(ctx, job.JobID, result.Data, result.Summary); err != nil {
		log.Error("failed to commit completed status", slog.Any("error", err))
		return
	}
	log.Info("job completed")
	w.emitCallback(job, "completed")
}

// handleExecutionError decides the outcome of a failed handler run: a
// cancelled/hitl-timeout sentinel means the HITL Coordinator (or the cancel
// handler) already committed the terminal transition, so a cancel only logs
// and a HITL timeout only emits the failed callback; a classified retryable kind requeues the job if retries
// remain; everything else (including an exhausted retryable kind) fails
// the job with the classified error code.
func (w *Runtime) handleExecutionError(ctx context.Context, jobCtx context.Context, job *domain.Job, err error, log *slog.Logger) {
	if errors.Is(err, domain.ErrJobCancelled) {
		log.Info("job cancelled during human intervention wait")
		return
	}
	if errors.Is(err, domain.ErrHITLTimeout) {
		log.Warn("job failed: human intervention timed out")
		w.emitCallback(job, "failed")
		return
	}
	if jobCtx.Err() != nil && ctx.Err() == nil {
		log.Warn("job exceeded wall-clock timeout")
		w.commitFailure(ctx, job, domain.ErrorCodeTimeout, "job exceeded timeout_seconds")
		return
	}

	kind := errkind.Classify(err)
	switch errkind.PolicyFor(kind) {
	case errkind.PolicyRetryable:
		if job.RetryCount < job.MaxRetries {
			if mErr := w.machine.ToPendingRetry(ctx, job.JobID); mErr != nil {
				log.Error("failed to requeue job for retry", slog.Any("error", mErr))
			} else {
				log.Info("job requeued for retry", slog.String("kind", string(kind)), slog.Int("retry_count", job.RetryCount+1))
			}
			return
		}
		w.commitFailure(ctx, job, string(kind), err.Error())
	case errkind.PolicyHITL:
		// A handler that returns a HITL-eligible error without having called
		// RequestHumanIntervention itself is treated as fatal: the contract
		// is that handlers pause proactively, not reactively via error kind.
		w.commitFailure(ctx, job, string(kind), err.Error())
	default:
		w.commitFailure(ctx, job, string(kind), err.Error())
	}
}

func (w *Runtime) commitFailure(ctx context.Context, job *domain.Job, errorCode, message string) {
	details, _ := json.Marshal(map[string]string{"message": message})
	if err := w.machine.ToFailed(ctx, job.JobID, domain.JobStatusRunning, errorCode, details); err != nil {
		w.logger.Error("failed to commit failed status", slog.String("job_id", job.JobID), slog.Any("error", err))
		return
	}
	w.emitCallback(job, "failed")
}

// emitCallback fetches the job's current cost/error fields fresh (the
// handler may have accumulated cost via RecordCost mid-run) and enqueues a
// callback payload for the given status.
func (w *Runtime) emitCallback(job *domain.Job, status string) {
	if job.CallbackURL == "" {
		return
	}
	current, err := w.queue.GetByID(context.Background(), job.JobID)
	if err != nil {
		w.logger.Warn("emitCallback: could not reload job for payload", slog.String("job_id", job.JobID), slog.Any("error", err))
		current = job
	}

	payload := callback.Payload{
		JobID:          current.JobID,
		ExternalTaskID: current.ExternalTaskID,
		WorkerID:       derefOrEmpty(current.WorkerID),
		Status:         status,
		ResultSummary:  current.ResultSummary,
		ExecutionMode:  current.ExecutionMode,
		FinalMode:      current.FinalMode,
		Cost: &callback.Cost{
			TotalCostUSD: float64(current.LLMCostCents) / 100,
			ActionCount:  current.ActionCount,
			TotalTokens:  current.TotalTokens,
		},
	}
	if current.ErrorCode != nil {
		payload.ErrorCode = *current.ErrorCode
	}
	if current.CompletedAt != nil {
		ts := current.CompletedAt.UTC().Format(time.RFC3339)
		payload.CompletedAt = &ts
	}

	w.dispatcher.Enqueue(job.CallbackURL, payload)
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
