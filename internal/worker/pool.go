package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valetsys/valetcore/internal/callback"
	"github.com/valetsys/valetcore/internal/handlerreg"
	"github.com/valetsys/valetcore/internal/hitl"
	"github.com/valetsys/valetcore/internal/progress"
	"github.com/valetsys/valetcore/internal/queue"
	"github.com/valetsys/valetcore/internal/ratelimit"
	"github.com/valetsys/valetcore/internal/statemachine"
	"github.com/valetsys/valetcore/internal/wakeup"
	"github.com/valetsys/valetcore/internal/workerdir"
)

// PoolConfig wires the dependencies shared by every Runtime a Pool spawns.
type PoolConfig struct {
	BaseWorkerID string
	Concurrency  int
	Logger       *slog.Logger

	Queue      *queue.Store
	Machine    *statemachine.Machine
	Registry   *handlerreg.Registry
	WorkerDir  *workerdir.Store
	Dispatcher *callback.Dispatcher
	Recorder   *progress.Recorder
	HITL       *hitl.Coordinator
	RateLimit  *ratelimit.Limiter
	Wakeup     *wakeup.Listener

	PollInterval  time.Duration
	JobTimeout    time.Duration
	DrainDeadline time.Duration
	EC2IP         string
}

// Pool spawns Concurrency independent Runtimes in one process, each with
// its own worker_id (generalizing the teacher's spawnWorkerPool, which
// spawned goroutines sharing one AMQP channel; here each goroutine owns a
// distinct row in the workers table instead).
type Pool struct {
	runtimes []*Runtime
	logger   *slog.Logger
}

// NewPool builds the pool's Runtimes without starting them.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	p := &Pool{logger: cfg.Logger}
	for i := 0; i < cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", cfg.BaseWorkerID, i)
		p.runtimes = append(p.runtimes, NewRuntime(Config{
			WorkerID:      workerID,
			Logger:        cfg.Logger.With(slog.String("worker_id", workerID)),
			Queue:         cfg.Queue,
			Machine:       cfg.Machine,
			Registry:      cfg.Registry,
			WorkerDir:     cfg.WorkerDir,
			Dispatcher:    cfg.Dispatcher,
			Recorder:      cfg.Recorder,
			HITL:          cfg.HITL,
			RateLimit:     cfg.RateLimit,
			WakeupListen:  cfg.Wakeup,
			PollInterval:  cfg.PollInterval,
			JobTimeout:    cfg.JobTimeout,
			DrainDeadline: cfg.DrainDeadline,
			EC2IP:         cfg.EC2IP,
		}))
	}
	return p
}

// Run starts every Runtime and blocks until ctx is cancelled, then waits
// for every Runtime to finish draining before returning.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(p.runtimes))

	for _, rt := range p.runtimes {
		wg.Add(1)
		go func(rt *Runtime) {
			defer wg.Done()
			if err := rt.Start(ctx); err != nil {
				errs <- err
			}
		}(rt)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop signals every Runtime to drain and stop.
func (p *Pool) Stop() {
	var wg sync.WaitGroup
	for _, rt := range p.runtimes {
		wg.Add(1)
		go func(rt *Runtime) {
			defer wg.Done()
			rt.Stop()
		}(rt)
	}
	wg.Wait()
}
