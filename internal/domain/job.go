// Package domain holds the shared data types for the job scheduler: the Job
// row, Worker identity, JobEvent log entries, and the BrowserSession blob.
// Every other package (queue, statemachine, workerdir, session, progress,
// the status API) operates on these types rather than on raw SQL rows.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// JobStatus is the finite set of states a Job can occupy.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether a status is append-only per invariant I3.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// InteractionType enumerates the human-gated obstacles a handler can report.
type InteractionType string

const (
	InteractionCaptcha      InteractionType = "captcha"
	InteractionLogin        InteractionType = "login"
	Interaction2FA          InteractionType = "2fa"
	InteractionBotCheck     InteractionType = "bot_check"
	InteractionRateLimited  InteractionType = "rate_limited"
	InteractionVerification InteractionType = "verification"
)

// ErrorCode is the well-known machine-readable error code set, distinct from
// the internal errkind.Kind classification: this is what's persisted on the
// job row and shipped to operators/orchestrator.
const (
	ErrorCodeHITLTimeout     = "hitl_timeout"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeUnknownHandler  = "unknown_handler"
	ErrorCodeValidation      = "validation_error"
	ErrorCodePermissionDenied = "permission_denied"
	ErrorCodeBadInput        = "bad_input"
	ErrorCodeInternal        = "internal_error"
)

var (
	// ErrJobNotFound is returned when a job id has no matching row.
	ErrJobNotFound = errors.New("job not found")
	// ErrNoJobAvailable is returned by Claim when no runnable row matched.
	ErrNoJobAvailable = errors.New("no job available")
	// ErrTransitionRejected is returned when a guarded UPDATE affects zero
	// rows because the expected status no longer held (a racing transition
	// already won).
	ErrTransitionRejected = errors.New("job transition rejected: status changed concurrently")
	// ErrJobNotTerminal is returned when an operation requires a terminal
	// row (e.g. delete) but the row is still in flight.
	ErrJobNotTerminal = errors.New("job is not in a terminal state")
	// ErrJobCancelled is returned by RequestHumanIntervention when the job
	// was cancelled while paused; the caller must stop without committing
	// any further transition (cancellation already committed it).
	ErrJobCancelled = errors.New("job was cancelled while paused")
	// ErrHITLTimeout is returned by RequestHumanIntervention when the pause
	// deadline elapsed before a resume signal arrived; the caller must stop
	// without committing any further transition (the HITL Coordinator
	// already committed the failed status).
	ErrHITLTimeout = errors.New("human intervention timed out")
)

// Job is the unit of work: the single source of truth for scheduling state.
// Immutable-on-insert fields are set once by the producer; mutable fields
// are owned by whichever subsystem currently holds the lease.
type Job struct {
	// Immutable on insert.
	JobID            string          `db:"job_id"`
	JobType          string          `db:"job_type"`
	TargetURL        string          `db:"target_url"`
	TaskDescription  string          `db:"task_description"`
	InputData        json.RawMessage `db:"input_data"`
	UserID           string          `db:"user_id"`
	TimeoutSeconds   int             `db:"timeout_seconds"`
	MaxRetries       int             `db:"max_retries"`
	Priority         int             `db:"priority"`
	ScheduledAt      *time.Time      `db:"scheduled_at"`
	CallbackURL      string          `db:"callback_url"`
	ExternalTaskID   string          `db:"external_task_id"`
	TargetWorkerID   *string         `db:"target_worker_id"`
	Tags             pq.StringArray  `db:"tags"`
	IdempotencyKey   string          `db:"idempotency_key"`
	CreatedAt        time.Time       `db:"created_at"`

	// Mutable during lifecycle.
	Status          JobStatus       `db:"status"`
	WorkerID        *string         `db:"worker_id"`
	RetryCount      int             `db:"retry_count"`
	LastHeartbeat   *time.Time      `db:"last_heartbeat"`
	StartedAt       *time.Time      `db:"started_at"`
	CompletedAt     *time.Time      `db:"completed_at"`
	PausedAt        *time.Time      `db:"paused_at"`
	InteractionType *string         `db:"interaction_type"`
	InteractionData json.RawMessage `db:"interaction_data"`
	StatusMessage   string          `db:"status_message"`
	ResultData      json.RawMessage `db:"result_data"`
	ResultSummary   string          `db:"result_summary"`
	ErrorCode       *string         `db:"error_code"`
	ErrorDetails    json.RawMessage `db:"error_details"`
	ScreenshotURLs  pq.StringArray  `db:"screenshot_urls"`

	// Cost counters.
	LLMCostCents int `db:"llm_cost_cents"`
	ActionCount  int `db:"action_count"`
	TotalTokens  int `db:"total_tokens"`

	ExecutionMode string `db:"execution_mode"`
	FinalMode     string `db:"final_mode"`

	UpdatedAt time.Time `db:"updated_at"`

	// Metadata carries operator-facing provenance (experiment/handler
	// tags). The status API does not read it; its "manual" block comes
	// from ExecutionMode and FinalMode.
	Metadata json.RawMessage `db:"metadata"`
}

// Blocker describes the human-gated obstacle a handler hit.
type Blocker struct {
	Type           InteractionType `json:"type"`
	ScreenshotURL  string          `json:"screenshot_url,omitempty"`
	PageURL        string          `json:"page_url,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// DefaultHITLTimeoutSeconds is used when a Blocker omits TimeoutSeconds.
const DefaultHITLTimeoutSeconds = 300

// Effective returns the blocker's timeout, defaulting when unset.
func (b Blocker) Effective() int {
	if b.TimeoutSeconds <= 0 {
		return DefaultHITLTimeoutSeconds
	}
	return b.TimeoutSeconds
}
