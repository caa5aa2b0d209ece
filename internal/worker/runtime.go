// Package worker implements the Worker Runtime: the process that claims
// pending jobs, runs their handlers to completion, and keeps their lease
// alive in the meantime. Shape follows the teacher's worker.Worker
// Start/Stop lifecycle, retargeted from an AMQP consume loop onto the
// Postgres claim-poll cycle described in §6.1-6.3.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/valetsys/valetcore/internal/callback"
	"github.com/valetsys/valetcore/internal/domain"
	"github.com/valetsys/valetcore/internal/handlerreg"
	"github.com/valetsys/valetcore/internal/hitl"
	"github.com/valetsys/valetcore/internal/progress"
	"github.com/valetsys/valetcore/internal/queue"
	"github.com/valetsys/valetcore/internal/ratelimit"
	"github.com/valetsys/valetcore/internal/statemachine"
	"github.com/valetsys/valetcore/internal/wakeup"
	"github.com/valetsys/valetcore/internal/workerdir"
)

// Config wires one Runtime's dependencies. Every field is shared across
// every Runtime a Pool spawns except WorkerID, which must be unique, and
// Logger, which the Pool tags with that worker id.
type Config struct {
	WorkerID     string
	Logger       *slog.Logger
	Queue        *queue.Store
	Machine      *statemachine.Machine
	Registry     *handlerreg.Registry
	WorkerDir    *workerdir.Store
	Dispatcher   *callback.Dispatcher
	Recorder     *progress.Recorder
	HITL         *hitl.Coordinator
	RateLimit    *ratelimit.Limiter
	WakeupListen *wakeup.Listener

	PollInterval    time.Duration
	JobTimeout      time.Duration
	DrainDeadline   time.Duration
	EC2IP           string
}

// Runtime owns one worker identity: one worker_id, one claim-poll loop, at
// most one in-flight job at a time.
type Runtime struct {
	workerID   string
	logger     *slog.Logger
	queue      *queue.Store
	machine    *statemachine.Machine
	registry   *handlerreg.Registry
	workerdir  *workerdir.Store
	dispatcher *callback.Dispatcher
	recorder   *progress.Recorder
	hitl       *hitl.Coordinator
	ratelimit  *ratelimit.Limiter
	wakeup     *wakeup.Listener

	pollInterval  time.Duration
	jobTimeout    time.Duration
	drainDeadline time.Duration
	ec2IP         string

	mu       sync.Mutex
	inFlight bool
	stop     chan struct{}
	done     chan struct{}
}

// NewRuntime builds one worker identity. It does not register or start
// polling; call Start for that.
func NewRuntime(cfg Config) *Runtime {
	return &Runtime{
		workerID:      cfg.WorkerID,
		logger:        cfg.Logger,
		queue:         cfg.Queue,
		machine:       cfg.Machine,
		registry:      cfg.Registry,
		workerdir:     cfg.WorkerDir,
		dispatcher:    cfg.Dispatcher,
		recorder:      cfg.Recorder,
		hitl:          cfg.HITL,
		ratelimit:     cfg.RateLimit,
		wakeup:        cfg.WakeupListen,
		pollInterval:  cfg.PollInterval,
		jobTimeout:    cfg.JobTimeout,
		drainDeadline: cfg.DrainDeadline,
		ec2IP:         cfg.EC2IP,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start registers the worker identity row and begins the claim-poll loop.
// It blocks until ctx is cancelled or Stop is called, then drains any
// in-flight job bounded by drainDeadline before returning.
func (w *Runtime) Start(ctx context.Context) error {
	if err := w.workerdir.Upsert(ctx, &domain.Worker{WorkerID: w.workerID, EC2IP: w.ec2IP}); err != nil {
		return err
	}
	w.logger.Info("worker registered", slog.String("worker_id", w.workerID))

	defer close(w.done)
	defer w.shutdown()

	var wakeups <-chan struct{}
	if w.wakeup != nil {
		ch, err := w.wakeup.Deliveries("worker-" + w.workerID)
		if err != nil {
			w.logger.Warn("wakeup listener unavailable, polling only", slog.Any("error", err))
		} else {
			wakeups = ch
		}
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-ticker.C:
			w.pollOnce(ctx)
		case <-wakeups:
			w.pollOnce(ctx)
		}
	}
}

// Stop signals the claim-poll loop to exit after any in-flight job drains.
func (w *Runtime) Stop() {
	close(w.stop)
	<-w.done
}

// shutdown flips the worker's status to draining, waits (bounded) for any
// in-flight job, then flips to offline.
func (w *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.drainDeadline)
	defer cancel()

	if err := w.workerdir.SetStatus(ctx, w.workerID, domain.WorkerStatusDraining); err != nil {
		w.logger.Warn("failed to mark worker draining", slog.Any("error", err))
	}

	deadline := time.After(w.drainDeadline)
	for w.isInFlight() {
		select {
		case <-deadline:
			w.logger.Warn("drain deadline exceeded with job still in flight", slog.String("worker_id", w.workerID))
			goto offline
		case <-time.After(50 * time.Millisecond):
		}
	}

offline:
	if err := w.workerdir.SetStatus(context.Background(), w.workerID, domain.WorkerStatusOffline); err != nil {
		w.logger.Warn("failed to mark worker offline", slog.Any("error", err))
	}
}

func (w *Runtime) isInFlight() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// pollOnce claims at most one job and, if one was claimed, runs it to
// completion before returning. A claim miss (ErrNoJobAvailable) is not
// logged as an error; it's the steady-state outcome of an empty queue.
func (w *Runtime) pollOnce(ctx context.Context) {
	w.mu.Lock()
	if w.inFlight {
		w.mu.Unlock()
		return
	}
	w.inFlight = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inFlight = false
		w.mu.Unlock()
	}()

	job, err := w.queue.Claim(ctx, w.workerID)
	if err != nil {
		if err != domain.ErrNoJobAvailable {
			w.logger.Error("claim failed", slog.Any("error", err))
		}
		return
	}

	if w.ratelimit != nil {
		decision := w.ratelimit.Check(job.UserID, job.JobType)
		if !decision.Allowed {
			if relErr := w.machine.ReleaseThrottled(ctx, job.JobID); relErr != nil {
				w.logger.Error("failed to release throttled job", slog.String("job_id", job.JobID), slog.Any("error", relErr))
			}
			return
		}
	}

	hbStop := w.startHeartbeat(ctx, job.JobID)
	defer close(hbStop)

	w.executeClaimed(ctx, job)
}

// startHeartbeat runs an independent goroutine refreshing the job's lease
// once per poll interval (10s when that is unset) until the returned channel
// is closed. The worker's configured heartbeat interval is not used here.
func (w *Runtime) startHeartbeat(ctx context.Context, jobID string) chan struct{} {
	stop := make(chan struct{})
	interval := w.pollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := w.queue.UpdateHeartbeat(ctx, jobID, w.workerID); err != nil {
					w.logger.Warn("heartbeat failed", slog.String("job_id", jobID), slog.Any("error", err))
				}
			}
		}
	}()
	return stop
}
