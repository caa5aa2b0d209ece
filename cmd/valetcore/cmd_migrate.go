package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/valetsys/valetcore/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [filter]",
		Short: "Run embedded SQL migrations, optionally filtered by name substring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter string
			if len(args) == 1 {
				filter = args[0]
			}
			return runMigrate(filter)
		},
	}
}

func runMigrate(filter string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	if err := migrate.Run(context.Background(), dbClient.GetDB(), appLogger.Logger, filter); err != nil {
		return runtimeFailure(fmt.Errorf("migrate: %w", err))
	}

	appLogger.Info("migrations applied", slog.String("filter", filter))
	return nil
}
