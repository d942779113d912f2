package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Operation is a unit of work that can be attempted more than once.
type Operation[T any] func(ctx context.Context) (T, error)

// Result is the outcome of DoWithResult. Exactly one of IsSuccess and
// IsFailure is true.
type Result[T any] struct {
	// Value holds the successful result; zero on failure.
	Value T
	// Err is the last failure, returned exactly as the operation produced it.
	Err error
	// Attempts is the number of times the operation was invoked.
	Attempts int
	// TotalDuration covers all attempts and delays.
	TotalDuration time.Duration
}

// IsSuccess reports whether the operation eventually succeeded.
func (r Result[T]) IsSuccess() bool { return r.Err == nil }

// IsFailure reports whether the attempts were exhausted or aborted.
func (r Result[T]) IsFailure() bool { return r.Err != nil }

// Option configures observability hooks and test seams of a single call.
type Option func(*settings)

type settings struct {
	onAttempt func(attempt int)
	onRetry   func(attempt int, err error, delay time.Duration)
	delay     func(attempt int, err error, delay time.Duration) time.Duration
	after     func(d time.Duration) <-chan time.Time
	now       func() time.Time
	random    func() float64
}

// OnAttempt registers fn to run right before every attempt, the first included.
func OnAttempt(fn func(attempt int)) Option {
	return func(s *settings) {
		if fn == nil {
			return
		}
		prev := s.onAttempt
		s.onAttempt = func(attempt int) {
			if prev != nil {
				prev(attempt)
			}
			fn(attempt)
		}
	}
}

// OnRetry registers fn to run after a retryable failure, before the delay.
// delay is the time the executor is about to wait.
func OnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(s *settings) {
		if fn == nil {
			return
		}
		prev := s.onRetry
		s.onRetry = func(attempt int, err error, delay time.Duration) {
			if prev != nil {
				prev(attempt, err, delay)
			}
			fn(attempt, err, delay)
		}
	}
}

// WithDelay lets the caller replace the computed delay after a failed
// attempt, for example with a server supplied Retry-After hint. fn runs
// before OnRetry, so hooks observe the delay that is actually waited.
// Negative results count as zero.
func WithDelay(fn func(attempt int, err error, delay time.Duration) time.Duration) Option {
	return func(s *settings) {
		if fn != nil {
			s.delay = fn
		}
	}
}

// WithAfter replaces the timer used between attempts (tests).
func WithAfter(after func(d time.Duration) <-chan time.Time) Option {
	return func(s *settings) {
		if after != nil {
			s.after = after
		}
	}
}

// WithNow replaces the clock used for TotalDuration (tests).
func WithNow(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom replaces the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(s *settings) {
		if fn != nil {
			s.random = fn
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now, random: rand.Float64}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// Do runs op until it succeeds, the attempts are exhausted, ShouldRetry
// rejects the error or ctx is done. The terminal error is returned unchanged.
func Do[T any](ctx context.Context, cfg Config, op Operation[T], opts ...Option) (T, error) {
	res := DoWithResult(ctx, cfg, op, opts...)
	return res.Value, res.Err
}

// DoWithResult is Do that reports the outcome, the attempt count and the
// elapsed time in a Result instead of returning an error.
func DoWithResult[T any](ctx context.Context, cfg Config, op Operation[T], opts ...Option) Result[T] {
	if err := cfg.Validate(); err != nil {
		return Result[T]{Err: err}
	}
	s := newSettings(opts)
	start := s.now()

	var res Result[T]
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		if s.onAttempt != nil {
			s.onAttempt(attempt)
		}

		v, err := op(ctx)
		if err == nil {
			res.Value, res.Err = v, nil
			break
		}
		res.Err = err

		if attempt >= cfg.MaxAttempts || (cfg.ShouldRetry != nil && !cfg.ShouldRetry(err)) {
			break
		}

		d := cfg.delay(attempt, s.random)
		if s.delay != nil {
			d = max(s.delay(attempt, err, d), 0)
		}
		if s.onRetry != nil {
			s.onRetry(attempt, err, d)
		}
		if werr := wait(ctx, d, s.after); werr != nil {
			res.Err = werr
			break
		}
	}

	res.TotalDuration = s.now().Sub(start)
	return res
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration, after func(time.Duration) <-chan time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if after != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-after(d):
		}
		return ctx.Err()
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}
	return ctx.Err()
}
