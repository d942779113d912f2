package retry

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidConfig is wrapped by every error returned from Config.Validate.
var ErrInvalidConfig = errors.New("retry: invalid config")

// Config defines retry behaviour. It is a value type: the With* methods
// return modified copies and never touch the receiver.
type Config struct {
	// MaxAttempts is the total number of attempts, the first one included.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps every computed delay, jitter included.
	MaxDelay time.Duration
	// Multiplier is applied to the delay after each failed attempt.
	Multiplier float64
	// Jitter spreads delays over nominal +/- 50%.
	Jitter bool
	// ShouldRetry decides if an error is worth another attempt.
	// Nil means every error is retried until MaxAttempts is reached.
	ShouldRetry func(err error) bool
}

// DefaultConfig returns the general purpose configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// API is tuned for calls to the backend API.
func API() Config {
	return DefaultConfig().
		WithMaxAttempts(3).
		WithInitialDelay(500 * time.Millisecond).
		WithMaxDelay(10 * time.Second)
}

// Network is tuned for flaky connectivity, e.g. waiting for a service to come up.
func Network() Config {
	return DefaultConfig().
		WithMaxAttempts(5).
		WithInitialDelay(time.Second).
		WithMaxDelay(30 * time.Second)
}

// Quick gives one fast second chance.
func Quick() Config {
	return DefaultConfig().
		WithMaxAttempts(2).
		WithInitialDelay(200 * time.Millisecond).
		WithMaxDelay(2 * time.Second)
}

// Preset returns a named configuration: "default", "api", "network" or "quick".
func Preset(name string) (Config, bool) {
	switch name {
	case "", "default":
		return DefaultConfig(), true
	case "api":
		return API(), true
	case "network":
		return Network(), true
	case "quick":
		return Quick(), true
	}
	return Config{}, false
}

// WithMaxAttempts returns a copy with MaxAttempts set to n.
func (c Config) WithMaxAttempts(n int) Config {
	c.MaxAttempts = n
	return c
}

// WithInitialDelay returns a copy with InitialDelay set to d.
func (c Config) WithInitialDelay(d time.Duration) Config {
	c.InitialDelay = d
	return c
}

// WithMaxDelay returns a copy with MaxDelay set to d.
func (c Config) WithMaxDelay(d time.Duration) Config {
	c.MaxDelay = d
	return c
}

// WithMultiplier returns a copy with Multiplier set to m.
func (c Config) WithMultiplier(m float64) Config {
	c.Multiplier = m
	return c
}

// WithJitter returns a copy with Jitter set to on.
func (c Config) WithJitter(on bool) Config {
	c.Jitter = on
	return c
}

// WithShouldRetry returns a copy using fn as the retry predicate.
func (c Config) WithShouldRetry(fn func(err error) bool) Config {
	c.ShouldRetry = fn
	return c
}

// Validate reports configuration mistakes. Do and DoWithResult call it
// before the first attempt.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: MaxAttempts must be at least 1, got %d", ErrInvalidConfig, c.MaxAttempts)
	case c.InitialDelay < 0:
		return fmt.Errorf("%w: InitialDelay cannot be negative", ErrInvalidConfig)
	case c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("%w: MaxDelay %v is less than InitialDelay %v", ErrInvalidConfig, c.MaxDelay, c.InitialDelay)
	case c.Multiplier < 1 || math.IsNaN(c.Multiplier) || math.IsInf(c.Multiplier, 0):
		return fmt.Errorf("%w: Multiplier must be a finite value >= 1, got %v", ErrInvalidConfig, c.Multiplier)
	}
	return nil
}

// NominalDelay returns the un-jittered delay that follows the n-th failed
// attempt (1-indexed): min(MaxDelay, InitialDelay * Multiplier^(n-1)).
func (c Config) NominalDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(n-1))
	if math.IsNaN(d) || d >= float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// delay returns the realized delay after the n-th failure. rnd yields values in [0, 1).
func (c Config) delay(n int, rnd func() float64) time.Duration {
	nominal := c.NominalDelay(n)
	if !c.Jitter || nominal <= 0 {
		return nominal
	}
	d := time.Duration(float64(nominal) * (0.5 + rnd()))
	return clamp(d, 0, c.MaxDelay)
}

func clamp(value, lo, hi time.Duration) time.Duration {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
