// Package progress is the write side of a job's progress log: structured
// JobEvent entries and cost accumulation. It is purely additive from the
// handler's perspective; the same job_events/jobs columns it writes are
// read back unchanged by the Status API (spec §6.8, §6.10). Query shape
// follows the teacher's internal/api/storage/storage.go conventions.
package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/valetsys/valetcore/internal/domain"
)

// CostAdder accumulates cost/action/token deltas on a job row. Satisfied by
// *internal/statemachine.Machine, injected rather than imported directly so
// this package stays a thin, independently testable write path.
type CostAdder interface {
	AddCost(ctx context.Context, jobID string, deltaCents, deltaActions, deltaTokens int) error
}

// Recorder appends JobEvent rows and forwards cost deltas to a CostAdder.
type Recorder struct {
	db   *sqlx.DB
	cost CostAdder
}

// New builds a Recorder over an already-connected *sqlx.DB and a CostAdder
// used for RecordCost.
func New(db *sqlx.DB, cost CostAdder) *Recorder {
	return &Recorder{db: db, cost: cost}
}

// RecordEvent appends one event, assigning it the next sequence number for
// its job. Sequence assignment and insert happen in one statement so
// concurrent appends for the same job never collide: sequence is computed
// as 1 + max(existing sequence) inside the same INSERT ... SELECT.
func (r *Recorder) RecordEvent(ctx context.Context, jobID, eventType, message string, metadata json.RawMessage) error {
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	query := `
		INSERT INTO job_events (job_id, sequence, event_type, message, metadata, created_at)
		SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, $4, NOW()
		FROM job_events WHERE job_id = $1`
	_, err := r.db.ExecContext(ctx, query, jobID, eventType, message, []byte(metadata))
	if err != nil {
		return fmt.Errorf("progress: record event for job %s: %w", jobID, err)
	}
	return nil
}

// RecordCost forwards a cost/action/token delta to the underlying CostAdder.
func (r *Recorder) RecordCost(ctx context.Context, jobID string, deltaCents, deltaActions, deltaTokens int) error {
	if err := r.cost.AddCost(ctx, jobID, deltaCents, deltaActions, deltaTokens); err != nil {
		return fmt.Errorf("progress: record cost for job %s: %w", jobID, err)
	}
	return nil
}

// Events returns a job's event log in sequence order.
func (r *Recorder) Events(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	var events []domain.JobEvent
	query := `SELECT job_id, sequence, event_type, message, metadata, created_at
		FROM job_events WHERE job_id = $1 ORDER BY sequence ASC`
	if err := r.db.SelectContext(ctx, &events, query, jobID); err != nil {
		return nil, fmt.Errorf("progress: list events for job %s: %w", jobID, err)
	}
	return events, nil
}
