// Package statemachine implements every guarded transition on the jobs
// table: each one is a conditional UPDATE keyed on the expected current
// status, so a transition that loses a race simply affects zero rows rather
// than corrupting state. The shape follows the teacher's
// internal/worker/storage.Storage.UpdateJobStatus, generalized to the full
// transition table and to distinguishing "not found" from "already moved
// on" the way other_examples' ScheduleRepository.SetPaused does.
package statemachine

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/valetsys/valetcore/internal/domain"
)

// Machine applies guarded transitions against the jobs table.
type Machine struct {
	db *sqlx.DB
}

// New builds a Machine over an already-connected *sqlx.DB.
func New(db *sqlx.DB) *Machine {
	return &Machine{db: db}
}

// transition runs a single guarded UPDATE and translates a zero-rows result
// into either ErrJobNotFound or ErrTransitionRejected.
func (m *Machine) transition(ctx context.Context, jobID, query string, args ...interface{}) error {
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("statemachine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("statemachine: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := m.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id = $1)`, jobID); err != nil {
		return fmt.Errorf("statemachine: check existence: %w", err)
	}
	if !exists {
		return domain.ErrJobNotFound
	}
	return domain.ErrTransitionRejected
}

// ToPaused transitions a running job to paused and records the blocker that
// caused the pause (I4: paused_at is non-null iff status = paused).
func (m *Machine) ToPaused(ctx context.Context, jobID string, blocker domain.Blocker, blockerData []byte) error {
	query := `
		UPDATE jobs
		SET status = $1, paused_at = NOW(), interaction_type = $2, interaction_data = $3,
		    updated_at = NOW()
		WHERE job_id = $4 AND status = $5`
	return m.transition(ctx, jobID, query,
		domain.JobStatusPaused, string(blocker.Type), blockerData, jobID, domain.JobStatusRunning)
}

// ResumeToRunning transitions a paused job back to running, clearing the
// blocker fields. Idempotent in the sense that calling it twice on an
// already-running job (the same worker winning a race against itself)
// returns ErrTransitionRejected rather than corrupting state — callers that
// want idempotent resume should treat that specific error as a no-op.
func (m *Machine) ResumeToRunning(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, paused_at = NULL, interaction_type = NULL, interaction_data = NULL,
		    last_heartbeat = NOW(), updated_at = NOW()
		WHERE job_id = $2 AND status = $3`
	return m.transition(ctx, jobID, query, domain.JobStatusRunning, jobID, domain.JobStatusPaused)
}

// ToCompleted transitions a running job to completed, recording the result.
func (m *Machine) ToCompleted(ctx context.Context, jobID string, resultData []byte, resultSummary string) error {
	query := `
		UPDATE jobs
		SET status = $1, result_data = $2, result_summary = $3, completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $4 AND status = $5`
	return m.transition(ctx, jobID, query,
		domain.JobStatusCompleted, resultData, resultSummary, jobID, domain.JobStatusRunning)
}

// ToFailed transitions a running (or paused, on HITL timeout) job to failed.
func (m *Machine) ToFailed(ctx context.Context, jobID string, fromStatus domain.JobStatus, errorCode string, errorDetails []byte) error {
	query := `
		UPDATE jobs
		SET status = $1, error_code = $2, error_details = $3, paused_at = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $4 AND status = $5`
	return m.transition(ctx, jobID, query,
		domain.JobStatusFailed, errorCode, errorDetails, jobID, fromStatus)
}

// ToPendingRetry requeues a running job back to pending after a retryable
// failure, incrementing retry_count. Callers must check retry_count <
// max_retries themselves (I5) before calling this; ToFailed is the
// alternative when retries are exhausted.
func (m *Machine) ToPendingRetry(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, worker_id = NULL, started_at = NULL, last_heartbeat = NULL,
		    retry_count = retry_count + 1, updated_at = NOW()
		WHERE job_id = $2 AND status = $3`
	return m.transition(ctx, jobID, query, domain.JobStatusPending, jobID, domain.JobStatusRunning)
}

// ReleaseThrottled returns a just-claimed job to pending without touching
// retry_count, for when the Rate Limiter rejects a claim (spec §6.7's
// "admits or rejects claims"): the job didn't fail, it just has to wait its
// turn, so it shouldn't burn one of its retry attempts.
func (m *Machine) ReleaseThrottled(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, worker_id = NULL, started_at = NULL, last_heartbeat = NULL, updated_at = NOW()
		WHERE job_id = $2 AND status = $3`
	return m.transition(ctx, jobID, query, domain.JobStatusPending, jobID, domain.JobStatusRunning)
}

// ToCancelled transitions any non-terminal job to cancelled. Cancel always
// wins over a concurrent resume: the guard accepts paused and running rows
// alike, so a cancel that commits after a resume still succeeds, while a
// resume that comes after the cancel finds no paused row and returns
// ErrTransitionRejected.
func (m *Machine) ToCancelled(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, paused_at = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $2 AND status NOT IN ($3, $4, $5)`
	return m.transition(ctx, jobID, query,
		domain.JobStatusCancelled, jobID, domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled)
}

// AddCost accumulates cost counters on a job row without touching status;
// terminal rows still accept it (I3).
func (m *Machine) AddCost(ctx context.Context, jobID string, deltaCents, deltaActions, deltaTokens int) error {
	query := `
		UPDATE jobs
		SET llm_cost_cents = llm_cost_cents + $1,
		    action_count = action_count + $2,
		    total_tokens = total_tokens + $3,
		    updated_at = NOW()
		WHERE job_id = $4`
	res, err := m.db.ExecContext(ctx, query, deltaCents, deltaActions, deltaTokens, jobID)
	if err != nil {
		return fmt.Errorf("statemachine: add cost: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// SetExecutionMode records whether a job is running in automatic or manual
// mode, and on first manual takeover freezes final_mode so a later switch
// back to automatic doesn't erase the "this job needed a human" signal.
func (m *Machine) SetExecutionMode(ctx context.Context, jobID, mode string) error {
	query := `
		UPDATE jobs
		SET execution_mode = $1,
		    final_mode = CASE WHEN final_mode = '' OR final_mode IS NULL THEN $1 ELSE final_mode END,
		    updated_at = NOW()
		WHERE job_id = $2`
	res, err := m.db.ExecContext(ctx, query, mode, jobID)
	if err != nil {
		return fmt.Errorf("statemachine: set execution mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}
