package cli

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"upcoach-sync/internal/shared"
	"upcoach-sync/pkg/retry"
)

// Exit codes returned by the coachsync binary.
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitPanic        = 3
	ExitConfigError  = 10
	ExitUnavailable  = 11
	ExitUnauthorized = 12
	ExitPartialSync  = 13
)

var (
	errUsage       = errors.New("usage error")
	errConfig      = errors.New("invalid configuration")
	errPartialSync = errors.New("sync incomplete")
)

// ExitCodeForError maps an error returned by Execute to a process exit code.
func ExitCodeForError(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, errUsage):
		return ExitUsageError
	case errors.Is(err, errConfig), errors.Is(err, retry.ErrInvalidConfig), errors.As(err, &verrs):
		return ExitConfigError
	case errors.Is(err, errPartialSync):
		return ExitPartialSync
	}
	switch k := shared.KindOf(err); {
	case k == shared.KindUnauthorized || k == shared.KindForbidden:
		return ExitUnauthorized
	case shared.IsTransientKind(k):
		return ExitUnavailable
	}
	return ExitGeneralError
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%w: %q takes no arguments, got %q", errUsage, cmd.CommandPath(), args)
	}
	return nil
}

// exactArgs requires exactly one positional argument named name.
func exactArgs(name string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		switch {
		case len(args) == 0:
			return fmt.Errorf("%w: missing required argument: %s\n\nExample:\n%s", errUsage, name, cmd.Example)
		case len(args) > 1:
			return fmt.Errorf("%w: accepts 1 arg, received %d", errUsage, len(args))
		}
		return nil
	}
}
