package domain

import (
	"encoding/json"
	"time"
)

// JobEvent is an append-only progress entry for a job, totally ordered by
// (job_id, created_at, sequence).
type JobEvent struct {
	JobID     string          `db:"job_id"`
	Sequence  int64           `db:"sequence"`
	EventType string          `db:"event_type"`
	Message   string          `db:"message"`
	Metadata  json.RawMessage `db:"metadata"`
	CreatedAt time.Time       `db:"created_at"`
}

// Cost aggregates the per-job metering the Progress Recorder tracks.
type Cost struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	ActionCount  int     `json:"action_count"`
	TotalTokens  int     `json:"total_tokens"`
}
