package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"upcoach-sync/internal/app"
	"upcoach-sync/internal/syncer"
	"upcoach-sync/pkg/retry"
)

type appLoader func() (*app.App, error)

func newRunCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync on schedule and serve the admin endpoints",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			a, err := load()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()
			return a.Run(cmd.Context())
		},
	}
}

func newSyncCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and print the report as JSON",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			a, err := load()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()

			rep, err := a.Sync(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
			if rep.Status != syncer.StatusOK {
				return fmt.Errorf("%w: %s: %w", errPartialSync, rep.Status, rep.Err())
			}
			return nil
		},
	}
}

func newCheckInCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:     "checkin <habit-id>",
		Short:   "Mark a habit as done for today",
		Example: "  coachsync checkin 7f3c2a",
		Args:    exactArgs("<habit-id>"),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := load()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()

			ci, err := a.CheckIn(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked in %s, streak %d\n", ci.HabitID, ci.Streak)
			return nil
		},
	}
}

type waitFlags struct {
	preset       string
	attempts     int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       bool
}

func newWaitCmd(load appLoader) *cobra.Command {
	var f waitFlags
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until the API health endpoint answers",
		Long: `wait probes the API health endpoint with exponential backoff. It is meant
for container entrypoints that must not start before the API is up.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			policy, err := f.policy(cmd)
			if err != nil {
				return err
			}
			a, err := load()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()

			res := a.Wait(cmd.Context(), policy)
			if res.IsFailure() {
				return fmt.Errorf("api not ready after %d attempt(s): %w", res.Attempts, res.Err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "api ready after %d attempt(s) in %s\n", res.Attempts, res.TotalDuration.Round(time.Millisecond))
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.preset, "preset", "network", "base policy: default, api, network or quick")
	fl.IntVar(&f.attempts, "attempts", 0, "total attempts, overrides the preset")
	fl.DurationVar(&f.initialDelay, "initial-delay", 0, "delay before the first retry, overrides the preset")
	fl.DurationVar(&f.maxDelay, "max-delay", 0, "upper bound for any delay, overrides the preset")
	fl.Float64Var(&f.multiplier, "multiplier", 0, "backoff growth factor, overrides the preset")
	fl.BoolVar(&f.jitter, "jitter", true, "spread delays randomly")
	return cmd
}

// policy applies the flags the user set on top of the preset.
func (f waitFlags) policy(cmd *cobra.Command) (retry.Config, error) {
	p, ok := retry.Preset(f.preset)
	if !ok {
		return retry.Config{}, fmt.Errorf("%w: %w: unknown preset %q", errConfig, retry.ErrInvalidConfig, f.preset)
	}
	fl := cmd.Flags()
	if fl.Changed("attempts") {
		p = p.WithMaxAttempts(f.attempts)
	}
	if fl.Changed("initial-delay") {
		p = p.WithInitialDelay(f.initialDelay)
	}
	if fl.Changed("max-delay") {
		p = p.WithMaxDelay(f.maxDelay)
	}
	if fl.Changed("multiplier") {
		p = p.WithMultiplier(f.multiplier)
	}
	if fl.Changed("jitter") {
		p = p.WithJitter(f.jitter)
	}
	if err := p.Validate(); err != nil {
		return retry.Config{}, fmt.Errorf("%w: %w", errConfig, err)
	}
	return p, nil
}
