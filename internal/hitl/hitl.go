// Package hitl implements the human-in-the-loop pause/resume coordinator:
// when a handler hits a human-gated obstacle it pauses the job, emits a
// needs_human callback, and waits for resume, racing a Postgres
// LISTEN/NOTIFY signal against a polling fallback exactly as spec §6.4
// mandates both. The heartbeat-ticker-in-a-goroutine shape mirrors the
// teacher's Worker.sendJobHeartbeat.
package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/valetsys/valetcore/internal/callback"
	"github.com/valetsys/valetcore/internal/domain"
	"github.com/valetsys/valetcore/internal/queue"
	"github.com/valetsys/valetcore/internal/statemachine"
)

// Outcome is what WaitAndPause resolves to.
type Outcome string

const (
	OutcomeResumed   Outcome = "resumed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Coordinator drives one job's pause/resume cycle.
type Coordinator struct {
	db           *sqlx.DB
	machine      *statemachine.Machine
	queue        *queue.Store
	dispatcher   *callback.Dispatcher
	listener     *pq.Listener
	channel      string
	pollInterval time.Duration
	logger       *slog.Logger
}

// New builds a Coordinator. listener may be nil, in which case WaitAndPause
// falls back to polling only (LISTEN/NOTIFY is an optimization, not a
// correctness requirement — the poll loop alone satisfies the contract).
func New(db *sqlx.DB, machine *statemachine.Machine, store *queue.Store, dispatcher *callback.Dispatcher, listener *pq.Listener, channel string, pollInterval time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		db:           db,
		machine:      machine,
		queue:        store,
		dispatcher:   dispatcher,
		listener:     listener,
		channel:      channel,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// WaitAndPause transitions the job from running to paused, emits the
// needs_human callback, and blocks until the job resumes, is cancelled, or
// blocker.Effective() seconds elapse. On timeout it commits failed with
// error_code=hitl_timeout, preserving the blocker type in error_details.
func (c *Coordinator) WaitAndPause(ctx context.Context, job *domain.Job, blocker domain.Blocker, callbackURL string) (Outcome, error) {
	blockerData, err := json.Marshal(blocker)
	if err != nil {
		return "", fmt.Errorf("hitl: marshal blocker: %w", err)
	}

	if err := c.machine.ToPaused(ctx, job.JobID, blocker, blockerData); err != nil {
		return "", fmt.Errorf("hitl: pause %s: %w", job.JobID, err)
	}

	c.dispatcher.Enqueue(callbackURL, callback.Payload{
		JobID:          job.JobID,
		ExternalTaskID: job.ExternalTaskID,
		WorkerID:       derefOrEmpty(job.WorkerID),
		Status:         "needs_human",
		Interaction: &callback.Interaction{
			Type:           string(blocker.Type),
			ScreenshotURL:  blocker.ScreenshotURL,
			PageURL:        blocker.PageURL,
			TimeoutSeconds: blocker.Effective(),
		},
	})

	outcome, err := c.waitForResume(ctx, job.JobID, time.Duration(blocker.Effective())*time.Second)
	if err != nil {
		return "", err
	}

	switch outcome {
	case OutcomeResumed:
		c.dispatcher.Enqueue(callbackURL, callback.Payload{
			JobID:          job.JobID,
			ExternalTaskID: job.ExternalTaskID,
			WorkerID:       derefOrEmpty(job.WorkerID),
			Status:         "resumed",
		})
	case OutcomeTimeout:
		details, _ := json.Marshal(map[string]string{"blocker_type": string(blocker.Type)})
		if err := c.machine.ToFailed(ctx, job.JobID, domain.JobStatusPaused, domain.ErrorCodeHITLTimeout, details); err != nil {
			c.logger.Error("hitl: commit timeout failure", slog.String("job_id", job.JobID), slog.Any("error", err))
		}
	case OutcomeCancelled:
		// the cancel handler already committed the cancelled transition;
		// no callback here, per the invariant "no resumed callback on cancel".
	}

	return outcome, nil
}

// waitForResume races a LISTEN/NOTIFY wakeup against a poll ticker, bounded
// by timeout. Resume is observed as status transitioning away from paused;
// a job found cancelled during the wait reports OutcomeCancelled.
func (c *Coordinator) waitForResume(ctx context.Context, jobID string, timeout time.Duration) (Outcome, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var notifyCh <-chan *pq.Notification
	if c.listener != nil {
		notifyCh = c.listener.NotificationChannel()
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case <-deadline.C:
			return OutcomeTimeout, nil

		case n := <-notifyCh:
			if n == nil || n.Extra != jobID {
				continue
			}
			outcome, ok, err := c.checkStatus(ctx, jobID)
			if err != nil {
				return "", err
			}
			if ok {
				return outcome, nil
			}

		case <-ticker.C:
			outcome, ok, err := c.checkStatus(ctx, jobID)
			if err != nil {
				return "", err
			}
			if ok {
				return outcome, nil
			}
		}
	}
}

// checkStatus reports (outcome, observed, err): observed is true once the
// job has left paused, either to running (resumed) or cancelled.
func (c *Coordinator) checkStatus(ctx context.Context, jobID string) (Outcome, bool, error) {
	job, err := c.queue.GetByID(ctx, jobID)
	if err != nil {
		return "", false, fmt.Errorf("hitl: check status %s: %w", jobID, err)
	}
	switch job.Status {
	case domain.JobStatusRunning:
		return OutcomeResumed, true, nil
	case domain.JobStatusCancelled:
		return OutcomeCancelled, true, nil
	default:
		return "", false, nil
	}
}

// Resume transitions a paused job back to running and notifies any
// listeners, via pg_notify on the same connection so LISTEN/NOTIFY and the
// polling fallback both see it. Nothing in this module calls it: the status
// API has no resume endpoint, and the worker never resumes its own jobs. A
// second resume on an
// already-running job returns ErrTransitionRejected, which callers should
// treat as a no-op (the resume signal is idempotent per spec §6.4).
func (c *Coordinator) Resume(ctx context.Context, jobID string) error {
	if err := c.machine.ResumeToRunning(ctx, jobID); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, c.channel, jobID)
	if err != nil {
		return fmt.Errorf("hitl: notify resume for %s: %w", jobID, err)
	}
	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
