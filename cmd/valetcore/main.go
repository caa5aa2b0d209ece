// Command valetcore is the Worker Runtime's single entrypoint: booting a
// worker, applying embedded schema migrations, and running a one-shot
// stale-lease reclamation sweep all live behind one cobra command tree
// instead of one binary per concern.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/valetsys/valetcore/internal/config"
)

// Exit codes per spec: 0 success, 1 misconfiguration, 2 runtime failure.
const (
	exitOK             = 0
	exitMisconfigured  = 1
	exitRuntimeFailure = 2
)

var configPath string

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	root := &cobra.Command{
		Use:   "valetcore",
		Short: "Valet job-execution worker and maintenance CLI",
	}

	defaultConfigPath := os.Getenv("VALETCORE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/valetcore/config.yaml"
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	root.AddCommand(newWorkerCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newReleaseStuckCmd())

	if err := root.Execute(); err != nil {
		if ce, ok := err.(*cliError); ok {
			fmt.Fprintln(os.Stderr, ce.err)
			os.Exit(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeFailure)
	}
}

// cliError carries a deliberate exit code out of a cobra RunE so main can
// distinguish misconfiguration (1) from a runtime failure (2) at the top.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func misconfigured(err error) error { return &cliError{code: exitMisconfigured, err: err} }
func runtimeFailure(err error) error { return &cliError{code: exitRuntimeFailure, err: err} }

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, misconfigured(fmt.Errorf("failed to load config: %w", err))
	}
	return cfg, nil
}
