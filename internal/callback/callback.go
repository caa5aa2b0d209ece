// Package callback delivers lifecycle notifications to a job's callback_url
// over HTTP, in order, at-least-once. Retry/backoff mirrors the teacher's
// shared/rabbitmq.Client.PublishWithRetry shape (capped exponential
// backoff, same multiplier/base-delay knobs), retargeted from an AMQP
// publish to an HTTP POST.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Payload is the field-for-field contract shipped on every callback POST.
type Payload struct {
	JobID          string  `json:"job_id"`
	ExternalTaskID string  `json:"external_task_id,omitempty"`
	WorkerID       string  `json:"worker_id,omitempty"`
	Status         string  `json:"status"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	ResultSummary  string  `json:"result_summary,omitempty"`
	Cost           *Cost   `json:"cost,omitempty"`
	Interaction    *Interaction `json:"interaction,omitempty"`
	ErrorCode      string  `json:"error_code,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	ExecutionMode  string  `json:"execution_mode,omitempty"`
	FinalMode      string  `json:"final_mode,omitempty"`
}

// Cost is the §6.5 cost sub-object.
type Cost struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	ActionCount  int     `json:"action_count"`
	TotalTokens  int     `json:"total_tokens"`
}

// Interaction is the §6.5 interaction sub-object, sent on needs_human.
type Interaction struct {
	Type           string `json:"type"`
	ScreenshotURL  string `json:"screenshot_url,omitempty"`
	PageURL        string `json:"page_url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Config tunes retry behavior.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	BackoffMult    float64
	RequestTimeout time.Duration
}

// job is one job's private delivery queue: a buffered channel plus the
// goroutine draining it, so HTTP calls for the same job are never
// in-flight concurrently and always fire in push order.
type job struct {
	queue chan deliveryTask
	done  chan struct{}
}

type deliveryTask struct {
	url     string
	payload Payload
}

// Dispatcher fans callback deliveries out across per-job goroutines so that
// delivery order within a job is preserved while different jobs deliver
// concurrently.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// New builds a Dispatcher. A zero Config field falls back to a default:
// 3 attempts in total, and the teacher's PublishWithRetry base delay and
// growth (100ms base, 2x multiplier), plus a 10s HTTP timeout.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.BackoffMult <= 0 {
		cfg.BackoffMult = 2.0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// Enqueue pushes one transition's payload onto that job's private queue.
// The push is synchronous (buffered channel send), so the caller's commit
// order is preserved as the in-memory delivery order even though the
// actual HTTP call happens asynchronously.
func (d *Dispatcher) Enqueue(callbackURL string, payload Payload) {
	if callbackURL == "" {
		return
	}
	j := d.jobForID(payload.JobID)
	j.queue <- deliveryTask{url: callbackURL, payload: payload}
}

func (d *Dispatcher) jobForID(jobID string) *job {
	d.mu.Lock()
	defer d.mu.Unlock()

	if j, ok := d.jobs[jobID]; ok {
		return j
	}
	j := &job{queue: make(chan deliveryTask, 16), done: make(chan struct{})}
	d.jobs[jobID] = j
	go d.drain(jobID, j)
	return j
}

func (d *Dispatcher) drain(jobID string, j *job) {
	for task := range j.queue {
		d.deliver(task)
	}
	close(j.done)
}

// deliver performs the HTTP POST with capped exponential backoff. A 4xx
// response is final (no retry); a 5xx or network error retries up to
// MaxAttempts; exhausting retries logs and returns without changing any
// job state — the database row remains the canonical record.
func (d *Dispatcher) deliver(task deliveryTask) {
	body, err := json.Marshal(task.payload)
	if err != nil {
		d.logger.Error("callback: marshal payload failed", slog.String("job_id", task.payload.JobID), slog.Any("error", err))
		return
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.url, bytes.NewReader(body))
		if err != nil {
			cancel()
			d.logger.Error("callback: build request failed", slog.String("job_id", task.payload.JobID), slog.Any("error", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		cancel()

		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return
			}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				d.logger.Warn("callback: 4xx response, not retrying",
					slog.String("job_id", task.payload.JobID), slog.Int("status", resp.StatusCode))
				return
			}
			lastErr = fmt.Errorf("callback: received status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt < d.cfg.MaxAttempts-1 {
			backoff := time.Duration(float64(d.cfg.BaseDelay) * pow(d.cfg.BackoffMult, attempt))
			d.logger.Warn("callback: delivery failed, retrying",
				slog.String("job_id", task.payload.JobID),
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_after", backoff),
				slog.Any("error", lastErr))
			time.Sleep(backoff)
		}
	}

	d.logger.Error("callback: delivery failed after all retries",
		slog.String("job_id", task.payload.JobID), slog.Int("attempts", d.cfg.MaxAttempts), slog.Any("error", lastErr))
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Close stops accepting new deliveries and waits for every job's queue to
// drain, bounded by ctx.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	jobs := make([]*job, 0, len(d.jobs))
	for _, j := range d.jobs {
		close(j.queue)
		jobs = append(jobs, j)
	}
	d.mu.Unlock()

	for _, j := range jobs {
		select {
		case <-j.done:
		case <-ctx.Done():
			return
		}
	}
}
