// Package migrate applies the embedded SQL schema files in lexical order,
// tracking which have already run in a schema_migrations table so repeated
// runs (e.g. on every worker boot) are idempotent.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

const trackingTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     TEXT PRIMARY KEY,
    applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Run applies every embedded migration file not yet recorded in
// schema_migrations, in filename order, each inside its own transaction.
// An empty filter applies every pending file; a non-empty filter applies
// only files whose name contains it as a substring.
func Run(ctx context.Context, db *sqlx.DB, logger *slog.Logger, filter string) error {
	if _, err := db.ExecContext(ctx, trackingTableDDL); err != nil {
		return fmt.Errorf("migrate: create tracking table: %w", err)
	}

	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("migrate: read embedded schema dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filter != "" && !strings.Contains(e.Name(), filter) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var applied []string
	if err := db.SelectContext(ctx, &applied, "SELECT version FROM schema_migrations"); err != nil {
		return fmt.Errorf("migrate: list applied versions: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, name := range names {
		if done[name] {
			continue
		}

		sqlBytes, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			return fmt.Errorf("migrate: read %s: %w", name, err)
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate: begin tx for %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: record %s: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate: commit %s: %w", name, err)
		}

		if logger != nil {
			logger.Info("applied migration", slog.String("version", name))
		}
	}

	return nil
}
