package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/valetsys/valetcore/internal/callback"
	"github.com/valetsys/valetcore/internal/config"
	"github.com/valetsys/valetcore/internal/handlerreg"
	"github.com/valetsys/valetcore/internal/hitl"
	"github.com/valetsys/valetcore/internal/progress"
	"github.com/valetsys/valetcore/internal/queue"
	"github.com/valetsys/valetcore/internal/ratelimit"
	"github.com/valetsys/valetcore/internal/statemachine"
	"github.com/valetsys/valetcore/internal/wakeup"
	"github.com/valetsys/valetcore/internal/worker"
	"github.com/valetsys/valetcore/internal/workerdir"
	"github.com/valetsys/valetcore/shared/rabbitmq"
)

func newWorkerCmd() *cobra.Command {
	var workerIDFlag string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Boot a worker: registration, poll loop, drain on SIGTERM/SIGINT",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(workerIDFlag)
		},
	}
	cmd.Flags().StringVar(&workerIDFlag, "worker-id", "", "Base worker identity (defaults to $WORKER_ID, then hostname)")
	return cmd
}

func runWorker(workerIDFlag string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return misconfigured(fmt.Errorf("invalid config: %w", err))
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return misconfigured(fmt.Errorf("failed to initialize logger: %w", err))
	}

	appLogger.Info("starting worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return runtimeFailure(fmt.Errorf("failed to initialize database: %w", err))
	}
	defer dbClient.Close()
	appLogger.Info("database connection established")

	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return runtimeFailure(fmt.Errorf("failed to initialize rabbitmq: %w", err))
		}
		defer rabbitClient.Close()
		appLogger.Info("rabbitmq connection established")
	}
	wakeupListener := wakeup.NewListener(rabbitClient, appLogger.Logger)

	listener := dbClient.NewListener(10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			appLogger.Warn("hitl listener event", slog.Any("error", err))
		}
	})
	if err := listener.Listen(cfg.HITL.ResumeChannel); err != nil {
		appLogger.Warn("failed to LISTEN on hitl resume channel, falling back to poll-only", slog.Any("error", err))
		listener = nil
	}

	db := dbClient.GetDB()
	queueStore := queue.New(db, appLogger.Logger)
	machine := statemachine.New(db)
	workerDirStore := workerdir.New(db)
	dispatcher := callback.New(callback.Config{
		MaxAttempts:    cfg.Callback.MaxAttempts,
		BaseDelay:      cfg.Callback.BaseDelay,
		BackoffMult:    cfg.Callback.BackoffMult,
		RequestTimeout: cfg.Callback.RequestTimeout,
	}, appLogger.Logger)
	recorder := progress.New(db, machine)
	coordinator := hitl.New(db, machine, queueStore, dispatcher, listener, cfg.HITL.ResumeChannel, cfg.HITL.PollInterval, appLogger.Logger)
	limiter := ratelimit.New(capsOf(cfg.RateLimit.Tiers), capsOf(cfg.RateLimit.Platforms), 24*time.Hour)

	// Concrete browser-automation handlers are out of scope for this
	// service; a deployment wires its own job_type -> Factory entries here
	// before Pool.Run starts claiming jobs.
	registry := handlerreg.NewRegistry()

	baseWorkerID := workerIDFlag
	if baseWorkerID == "" {
		baseWorkerID = os.Getenv("WORKER_ID")
	}
	if baseWorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		baseWorkerID = hostname
	}

	pool := worker.NewPool(worker.PoolConfig{
		BaseWorkerID:  baseWorkerID,
		Concurrency:   cfg.Worker.Concurrency,
		Logger:        appLogger.Logger,
		Queue:         queueStore,
		Machine:       machine,
		Registry:      registry,
		WorkerDir:     workerDirStore,
		Dispatcher:    dispatcher,
		Recorder:      recorder,
		HITL:          coordinator,
		RateLimit:     limiter,
		Wakeup:        wakeupListener,
		PollInterval:  cfg.Worker.PollInterval,
		JobTimeout:    cfg.Worker.JobTimeout,
		DrainDeadline: cfg.Worker.DrainDeadline,
		EC2IP:         os.Getenv("EC2_IP"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(cfg.Queue.SweepInterval)
		defer ticker.Stop()
		leaseWindow := fmt.Sprintf("%d seconds", int(cfg.Queue.LeaseWindow/time.Second))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := queueStore.ReclaimStuck(ctx, leaseWindow); err != nil {
					appLogger.Warn("reclaim sweep failed", slog.Any("error", err))
				}
			}
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		if err := pool.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("worker started successfully", slog.Int("concurrency", cfg.Worker.Concurrency))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("received signal, shutting down gracefully", slog.String("signal", sig.String()))
	case err := <-errChan:
		appLogger.Error("worker pool error", slog.Any("error", err))
		return runtimeFailure(err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("worker shutdown timeout exceeded, forcing exit")
	}

	if listener != nil {
		if err := listener.Close(); err != nil {
			appLogger.Warn("failed to close hitl listener", slog.Any("error", err))
		}
	}
	dispatcher.Close(shutdownCtx)

	appLogger.Info("worker shutdown complete")
	return nil
}

func capsOf(in map[string]config.CapPair) map[string]ratelimit.Caps {
	out := make(map[string]ratelimit.Caps, len(in))
	for k, v := range in {
		out[k] = ratelimit.Caps{Hourly: v.Hourly, Daily: v.Daily}
	}
	return out
}
