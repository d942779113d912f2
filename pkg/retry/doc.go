// Package retry runs an operation again when it fails, waiting between
// attempts with exponential backoff and optional jitter.
//
// Key Features:
//   - Generic Do / DoWithResult over func(ctx) (T, error)
//   - Copy-on-write Config with API, Network and Quick presets
//   - Caller supplied ShouldRetry predicate, IsRetryableError as a default
//   - OnAttempt / OnRetry hooks for logging and metrics
//   - Cancellation through context.Context, also while waiting
//   - The terminal error is returned unchanged
//
// Basic Usage:
//
//	habits, err := retry.Do(ctx, retry.API(), func(ctx context.Context) ([]Habit, error) {
//	    return client.Habits(ctx)
//	})
//
// With a predicate and hooks:
//
//	cfg := retry.Network().WithShouldRetry(retry.IsRetryableError)
//	res := retry.DoWithResult(ctx, cfg, op,
//	    retry.OnRetry(func(attempt int, err error, delay time.Duration) {
//	        log.Warn("retrying", "attempt", attempt, "delay", delay, "error", err)
//	    }),
//	)
//	if res.IsFailure() {
//	    return fmt.Errorf("gave up after %d attempts: %w", res.Attempts, res.Err)
//	}
//
// The delay after the n-th failure is min(MaxDelay, InitialDelay*Multiplier^(n-1)).
// With Jitter the realized delay is drawn from [nominal/2, nominal*3/2) and
// clamped to MaxDelay.
//
// For HTTP calls use internal/platform/httpclient, which wires this package
// to status codes and idempotency rules.
package retry
