// Package dto defines the wire shapes for the status/producer HTTP API,
// kept distinct from internal/domain.Job so the external contract can
// evolve independently of the storage row.
package dto

import "encoding/json"

// CreateJobRequest is the body of POST /api/v1/jobs. JobID is minted
// server-side when absent; producers that retry a submission should send
// the same IdempotencyKey rather than rely on a client-generated JobID.
type CreateJobRequest struct {
	JobType         string          `json:"job_type" binding:"required"`
	TargetURL       string          `json:"target_url" binding:"required"`
	TaskDescription string          `json:"task_description"`
	InputData       json.RawMessage `json:"input_data"`
	UserID          string          `json:"user_id" binding:"required"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
	MaxRetries      int             `json:"max_retries"`
	Priority        int             `json:"priority"`
	ScheduledAt     *string         `json:"scheduled_at"`
	CallbackURL     string          `json:"callback_url"`
	ExternalTaskID  string          `json:"external_task_id"`
	TargetWorkerID  string          `json:"target_worker_id"`
	Tags            []string        `json:"tags"`
	IdempotencyKey  string          `json:"idempotency_key" binding:"required"`
}

// ListJobsRequest binds the query parameters of GET /api/v1/jobs.
type ListJobsRequest struct {
	UserID   string `form:"user_id"`
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListJobsResponse is the body of GET /api/v1/jobs.
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// ManualMetadata is the execution-mode provenance block of a job, built from
// its execution_mode and final_mode columns; the metadata column is not read.
type ManualMetadata struct {
	ExecutionMode string `json:"execution_mode,omitempty"`
	FinalMode     string `json:"final_mode,omitempty"`
}

// JobDTO is the external representation of a Job row.
type JobDTO struct {
	JobID           string          `json:"job_id"`
	JobType         string          `json:"job_type"`
	TargetURL       string          `json:"target_url"`
	TaskDescription string          `json:"task_description,omitempty"`
	UserID          string          `json:"user_id"`
	Status          string          `json:"status"`
	WorkerID        string          `json:"worker_id,omitempty"`
	Priority        int             `json:"priority"`
	RetryCount      int             `json:"retry_count"`
	ExternalTaskID  string          `json:"external_task_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key"`
	ResultSummary   string          `json:"result_summary,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	LLMCostCents    int             `json:"llm_cost_cents"`
	ActionCount     int             `json:"action_count"`
	TotalTokens     int             `json:"total_tokens"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	CompletedAt     string          `json:"completed_at,omitempty"`
	Manual          *ManualMetadata `json:"manual,omitempty"`
}
