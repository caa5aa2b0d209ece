package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/valetsys/valetcore/internal/queue"
)

func newReleaseStuckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release-stuck",
		Short: "One-shot stale-lease reclamation sweep, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReleaseStuck()
		},
	}
}

func runReleaseStuck() error {
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

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return runtimeFailure(fmt.Errorf("failed to initialize database: %w", err))
	}
	defer dbClient.Close()

	store := queue.New(dbClient.GetDB(), appLogger.Logger)
	leaseWindow := fmt.Sprintf("%d seconds", int(cfg.Queue.LeaseWindow/time.Second))

	requeued, failed, err := store.ReclaimStuck(context.Background(), leaseWindow)
	if err != nil {
		return runtimeFailure(fmt.Errorf("release-stuck: %w", err))
	}

	appLogger.Info("reclamation sweep complete",
		slog.Int("requeued", requeued),
		slog.Int("failed", failed),
		slog.String("lease_window", leaseWindow),
	)
	return nil
}
