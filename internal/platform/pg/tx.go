package pg

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"upcoach-sync/pkg/retry"
)

type txKey struct{}

// Querier is the query surface shared by the pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// TxRunner runs functions inside transactions and restarts them on
// serialization failures and deadlocks.
type TxRunner struct {
	Pool   *pgxpool.Pool
	policy retry.Config
	log    *slog.Logger
}

// NewTxRunner creates a TxRunner. A zero policy means three quick attempts.
func NewTxRunner(pool *pgxpool.Pool, policy retry.Config, log *slog.Logger) *TxRunner {
	if policy.MaxAttempts == 0 {
		policy = retry.Quick().WithMaxAttempts(3).WithInitialDelay(20 * time.Millisecond)
	}
	if log == nil {
		log = slog.Default()
	}
	return &TxRunner{Pool: pool, policy: policy, log: log}
}

// WithinTx runs fn in a transaction with default options.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.WithinTxOptions(ctx, pgx.TxOptions{}, fn)
}

// WithinTxOptions runs fn in a transaction: committed when fn returns nil,
// rolled back otherwise. fn may run again after a serialization failure.
// When ctx already carries a transaction fn joins it.
func (r *TxRunner) WithinTxOptions(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context) error) error {
	if _, ok := PgxTx(ctx); ok {
		return fn(ctx)
	}
	_, err := retry.Do(ctx, r.policy.WithShouldRetry(IsSerializationFailure), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, pgx.BeginTxFunc(ctx, r.Pool, opts, func(tx pgx.Tx) error {
			return fn(context.WithValue(ctx, txKey{}, tx))
		})
	}, retry.OnRetry(func(attempt int, err error, d time.Duration) {
		r.log.Warn("postgres transaction conflict, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", d),
			slog.Any("error", err))
	}))
	return err
}

// PgxTx returns the transaction carried by ctx.
func PgxTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// Querier returns the transaction in ctx, or the pool.
func (r *TxRunner) Querier(ctx context.Context) Querier {
	if tx, ok := PgxTx(ctx); ok {
		return tx
	}
	return r.Pool
}
