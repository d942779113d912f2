// Package cli holds the coachsync command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"upcoach-sync/internal/app"
	"upcoach-sync/internal/config"
)

// Build-time variables set via ldflags
var (
	version = "dev"
	commit  = "unknown"
)

type rootFlags struct {
	envFile string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var f rootFlags
	root := &cobra.Command{
		Use:   "coachsync",
		Short: "Keeps a local copy of UpCoach habits, goals and tasks",
		Long: `coachsync pulls habits, goals and tasks from the UpCoach API into a
SQLite or PostgreSQL snapshot store, retrying transient failures with
exponential backoff.

Configuration comes from the environment and an optional .env file.

Exit Codes:
  0  - Success
  1  - General error
  2  - CLI usage error
  3  - Panic
  10 - Invalid configuration
  11 - API or database unavailable
  12 - Credentials rejected
  13 - Sync finished with failed resources`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})
	root.PersistentFlags().StringVar(&f.envFile, "env-file", "", "load variables from this file before the environment")

	load := func() (*app.App, error) { return loadApp(f.envFile) }
	root.AddCommand(
		newRunCmd(load),
		newSyncCmd(load),
		newCheckInCmd(load),
		newWaitCmd(load),
	)
	return root
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM arrives.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func loadApp(envFile string) (*app.App, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("%w: %w", errConfig, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errConfig, err)
	}
	return app.New(cfg)
}
