// Package workerdir stores worker process identity rows: one row per
// worker_id, upserted on boot. Heartbeat refreshes a row on request, but
// nothing in this module calls it periodically, so last_heartbeat is the
// registration time. It never deletes a row, matching the teacher's "jobs are kept
// for audit" posture for job rows, generalized here to workers.
package workerdir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/valetsys/valetcore/internal/domain"
)

// Store is the Worker Runtime's handle onto the workers table.
type Store struct {
	db *sqlx.DB
}

// New builds a Store over an already-connected *sqlx.DB.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Upsert registers a worker on boot. On conflict it sets status=active,
// refreshes registered_at/ec2_ip/metadata, and preserves the existing
// target_worker_id whenever the new value is null — a worker that was
// pinned by an operator stays pinned across restarts unless explicitly
// re-pinned.
func (s *Store) Upsert(ctx context.Context, w *domain.Worker) error {
	query := `
		INSERT INTO workers (worker_id, status, registered_at, last_heartbeat, ec2_ip, target_worker_id, metadata)
		VALUES ($1, $2, NOW(), NOW(), $3, $4, $5)
		ON CONFLICT (worker_id) DO UPDATE SET
			status = $2,
			registered_at = NOW(),
			last_heartbeat = NOW(),
			ec2_ip = $3,
			target_worker_id = COALESCE($4, workers.target_worker_id),
			metadata = $5`
	_, err := s.db.ExecContext(ctx, query, w.WorkerID, domain.WorkerStatusActive, w.EC2IP, w.TargetWorkerID, w.Metadata)
	if err != nil {
		return fmt.Errorf("workerdir: upsert %s: %w", w.WorkerID, err)
	}
	return nil
}

// Heartbeat refreshes last_heartbeat and sets current_job_id to
// currentJobID (NULL when it is nil).
func (s *Store) Heartbeat(ctx context.Context, workerID string, currentJobID *string) error {
	query := `UPDATE workers SET last_heartbeat = NOW(), current_job_id = $1 WHERE worker_id = $2`
	res, err := s.db.ExecContext(ctx, query, currentJobID, workerID)
	if err != nil {
		return fmt.Errorf("workerdir: heartbeat %s: %w", workerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// SetStatus flips a worker's lifecycle status (active -> draining -> offline).
func (s *Store) SetStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET status = $1 WHERE worker_id = $2`, status, workerID)
	if err != nil {
		return fmt.Errorf("workerdir: set status for %s: %w", workerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// Get fetches one worker row.
func (s *Store) Get(ctx context.Context, workerID string) (*domain.Worker, error) {
	var w domain.Worker
	query := `
		SELECT worker_id, status, current_job_id, registered_at, last_heartbeat, ec2_ip, target_worker_id, metadata
		FROM workers WHERE worker_id = $1`
	err := s.db.GetContext(ctx, &w, query, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workerdir: get %s: %w", workerID, err)
	}
	return &w, nil
}
