// Package queue is the Queue Engine: atomic job claiming, insertion, and
// stale-lease reclamation against the jobs table. It generalizes the
// teacher's conditional-UPDATE claim (internal/worker/storage.Storage.ClaimJob)
// into a SELECT ... FOR UPDATE SKIP LOCKED claim that respects priority,
// scheduled_at, and worker pinning.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/valetsys/valetcore/internal/domain"
)

// Store is the Queue Engine's handle onto the jobs table.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New builds a Store over an already-connected *sqlx.DB.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const jobColumns = `
	job_id, job_type, target_url, task_description, input_data, user_id,
	timeout_seconds, max_retries, priority, scheduled_at, callback_url,
	external_task_id, target_worker_id, tags, idempotency_key, created_at,
	status, worker_id, retry_count, last_heartbeat, started_at, completed_at,
	paused_at, interaction_type, interaction_data, status_message,
	result_data, result_summary, error_code, error_details, screenshot_urls,
	llm_cost_cents, action_count, total_tokens, execution_mode, final_mode,
	updated_at, metadata`

// Insert creates a new pending job row. j.JobID, j.CreatedAt, j.Status and
// j.UpdatedAt are expected to already be set by the caller (the producer API
// mints the UUID so it can return it synchronously).
func (s *Store) Insert(ctx context.Context, j *domain.Job) error {
	if j.Status == "" {
		j.Status = domain.JobStatusPending
	}
	query := `
		INSERT INTO jobs (
			job_id, job_type, target_url, task_description, input_data, user_id,
			timeout_seconds, max_retries, priority, scheduled_at, callback_url,
			external_task_id, target_worker_id, tags, idempotency_key, created_at,
			status, updated_at, metadata
		) VALUES (
			:job_id, :job_type, :target_url, :task_description, :input_data, :user_id,
			:timeout_seconds, :max_retries, :priority, :scheduled_at, :callback_url,
			:external_task_id, :target_worker_id, :tags, :idempotency_key, :created_at,
			:status, :updated_at, :metadata
		)`
	_, err := s.db.NamedExecContext(ctx, query, j)
	if err != nil {
		return fmt.Errorf("queue: insert job: %w", err)
	}
	return nil
}

// GetByID fetches one job row.
func (s *Store) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var j domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`
	err := s.db.GetContext(ctx, &j, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get job %s: %w", jobID, err)
	}
	return &j, nil
}

// Claim atomically selects and locks the highest-priority, oldest, runnable
// pending job for workerID and transitions it to running. A job is runnable
// when scheduled_at is null or has arrived, and when target_worker_id is
// either null or equal to workerID (pinned jobs are invisible to every other
// worker). Returns domain.ErrNoJobAvailable when nothing matches.
//
// FOR UPDATE SKIP LOCKED lets N workers poll concurrently without
// serializing on each other: a row already locked by another worker's
// in-flight claim transaction is simply skipped rather than blocked on.
func (s *Store) Claim(ctx context.Context, workerID string) (*domain.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT job_id FROM jobs
		WHERE status = $1
		  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
		  AND (target_worker_id IS NULL OR target_worker_id = $2)
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	var jobID string
	err = tx.GetContext(ctx, &jobID, selectQuery, domain.JobStatusPending, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("queue: select claimable job: %w", err)
	}

	updateQuery := `
		UPDATE jobs
		SET status = $1, worker_id = $2, started_at = NOW(), last_heartbeat = NOW(), updated_at = NOW()
		WHERE job_id = $3 AND status = $4
		RETURNING ` + jobColumns

	var j domain.Job
	err = tx.GetContext(ctx, &j, updateQuery, domain.JobStatusRunning, workerID, jobID, domain.JobStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a race despite the row lock (shouldn't normally happen inside
		// the same tx, but a concurrent reclaim sweep could have moved it).
		return nil, domain.ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim job %s: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit claim tx: %w", err)
	}

	s.logger.Info("job claimed",
		slog.String("job_id", j.JobID),
		slog.String("worker_id", workerID),
		slog.String("job_type", j.JobType),
	)
	return &j, nil
}

// UpdateHeartbeat refreshes last_heartbeat for a job this worker still holds
// the lease on. A zero rows-affected result (status moved on, or another
// worker now owns it) is logged but not an error: the caller's context will
// already be winding down in that case.
func (s *Store) UpdateHeartbeat(ctx context.Context, jobID, workerID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND worker_id = $2 AND status IN ($3, $4)`
	res, err := s.db.ExecContext(ctx, query, jobID, workerID, domain.JobStatusRunning, domain.JobStatusPaused)
	if err != nil {
		return fmt.Errorf("queue: update heartbeat for %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Warn("heartbeat had no effect (job may have moved on)", slog.String("job_id", jobID), slog.String("worker_id", workerID))
	}
	return nil
}

// ReclaimStuck resets jobs whose lease has gone stale (last_heartbeat older
// than leaseWindow) back to pending, clearing worker_id and recording who
// held the stale lease in error_details. retry_count is left unchanged:
// reclamation is stale-lease recovery, not a handler-error retry (that
// increment belongs to statemachine.ToPendingRetry). A job whose retry_count
// already reached max_retries is failed instead of requeued. Returns the
// number of rows affected by each outcome.
func (s *Store) ReclaimStuck(ctx context.Context, leaseWindow string) (requeued, failed int, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("queue: begin reclaim tx: %w", err)
	}
	defer tx.Rollback()

	staleQuery := `
		SELECT job_id FROM jobs
		WHERE status IN ($1, $2)
		  AND last_heartbeat < NOW() - $3::interval
		FOR UPDATE SKIP LOCKED`

	var staleIDs []string
	if err := tx.SelectContext(ctx, &staleIDs, staleQuery, domain.JobStatusRunning, domain.JobStatusPaused, leaseWindow); err != nil {
		return 0, 0, fmt.Errorf("queue: select stale jobs: %w", err)
	}

	for _, id := range staleIDs {
		var retryCount, maxRetries int
		var workerID sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT retry_count, max_retries, worker_id FROM jobs WHERE job_id = $1`, id).
			Scan(&retryCount, &maxRetries, &workerID)
		if err != nil {
			return requeued, failed, fmt.Errorf("queue: read retry counters for %s: %w", id, err)
		}

		if retryCount >= maxRetries {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = $1, error_code = $2, error_details = $3, worker_id = NULL, paused_at = NULL, updated_at = NOW()
				WHERE job_id = $4`,
				domain.JobStatusFailed, domain.ErrorCodeTimeout, []byte(`{"reason":"lease expired, max retries exhausted"}`), id)
			if err != nil {
				return requeued, failed, fmt.Errorf("queue: fail stuck job %s: %w", id, err)
			}
			failed++
			continue
		}

		details, err := json.Marshal(map[string]string{
			"released_by": workerID.String,
			"reason":      "stuck_job",
			"released_at": time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return requeued, failed, fmt.Errorf("queue: marshal reclaim details for %s: %w", id, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1, worker_id = NULL, error_details = $2,
			    started_at = NULL, last_heartbeat = NULL, paused_at = NULL, updated_at = NOW()
			WHERE job_id = $3`,
			domain.JobStatusPending, details, id)
		if err != nil {
			return requeued, failed, fmt.Errorf("queue: requeue stuck job %s: %w", id, err)
		}
		requeued++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("queue: commit reclaim tx: %w", err)
	}

	if requeued > 0 || failed > 0 {
		s.logger.Info("reclaimed stuck jobs", slog.Int("requeued", requeued), slog.Int("failed", failed))
	}
	return requeued, failed, nil
}

// ListFilter narrows a List call; zero-value fields are unconstrained.
type ListFilter struct {
	UserID   string
	JobType  string
	Status   string
	PageSize int
	Cursor   *Cursor
}

// Cursor is the keyset-pagination position: the (created_at, job_id) pair
// of the last row returned by the previous page, following the teacher's
// ListJobs/DecodeJobCursor shape.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// List returns up to filter.PageSize+1 jobs matching filter, ordered newest
// first; callers use the extra row to decide whether a next page exists.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]domain.Job, error) {
	conditions := []string{"1 = 1"}
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		conditions = append(conditions, "user_id = "+arg(filter.UserID))
	}
	if filter.JobType != "" {
		conditions = append(conditions, "job_type = "+arg(filter.JobType))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = "+arg(filter.Status))
	}
	if filter.Cursor != nil {
		conditions = append(conditions, fmt.Sprintf("(created_at, job_id) < (%s, %s)", arg(filter.Cursor.CreatedAt), arg(filter.Cursor.JobID)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY created_at DESC, job_id DESC LIMIT ` + arg(filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("queue: list jobs: %w", err)
	}
	return jobs, nil
}

// Cancel marks a job cancelled if it is not already terminal. Returns
// domain.ErrJobNotFound if the row doesn't exist, domain.ErrTransitionRejected
// if it already reached a terminal state.
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, paused_at = NULL, updated_at = NOW()
		WHERE job_id = $2 AND status NOT IN ($3, $4, $5)`
	res, err := s.db.ExecContext(ctx, query, domain.JobStatusCancelled, jobID,
		domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled)
	if err != nil {
		return fmt.Errorf("queue: cancel job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id = $1)`, jobID); err != nil {
			return fmt.Errorf("queue: check existence of %s: %w", jobID, err)
		}
		if !exists {
			return domain.ErrJobNotFound
		}
		return domain.ErrTransitionRejected
	}
	return nil
}
