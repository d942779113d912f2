package pg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"upcoach-sync/pkg/retry"
)

// PoolOptions configures Connect.
type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	HealthCheckPeriod time.Duration
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	// PingTimeout bounds each connection attempt.
	PingTimeout time.Duration
	// Retry governs attempts to reach the server; ShouldRetry is IsTransient.
	Retry retry.Config
	// Logger receives a warning per failed attempt.
	Logger *slog.Logger
}

// DefaultPoolOptions returns settings for a small background service.
// The server gets up to five attempts, which covers a database container
// that starts together with the agent.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConns:          8,
		MinConns:          1,
		HealthCheckPeriod: 30 * time.Second,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   10 * time.Minute,
		PingTimeout:       5 * time.Second,
		Retry:             retry.Network(),
	}
}

// Connect creates a pool and waits until the server answers a ping.
func Connect(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	cfg.MaxConnLifetime = opts.MaxConnLifetime
	cfg.MaxConnIdleTime = opts.MaxConnIdleTime

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	host := cfg.ConnConfig.Host

	return retry.Do(ctx, opts.Retry.WithShouldRetry(IsTransient), func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := Ping(ctx, pool, opts.PingTimeout); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	}, retry.OnRetry(func(attempt int, err error, d time.Duration) {
		log.Warn("postgres not ready",
			slog.String("host", host),
			slog.Int("attempt", attempt),
			slog.Duration("wait", d),
			slog.Any("error", err))
	}))
}

// Ping checks the pool with a round trip, bounded by timeout when positive.
func Ping(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}
