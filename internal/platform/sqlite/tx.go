package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"upcoach-sync/internal/shared"
	"upcoach-sync/pkg/retry"
)

type txKey struct{}

// Querier is the query surface shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// TxRunner runs functions inside transactions, retrying on lock contention.
type TxRunner struct {
	DB *sql.DB

	policy retry.Config
	hooks  []retry.Option
	log    *slog.Logger
}

// TxOption configures TxRunner.
type TxOption func(*TxRunner)

// WithBusyRetry replaces the retry policy. Its ShouldRetry is ignored:
// only busy errors are retried.
func WithBusyRetry(cfg retry.Config) TxOption {
	return func(r *TxRunner) { r.policy = cfg }
}

// WithRetryHooks attaches executor options, such as metrics hooks.
func WithRetryHooks(opts ...retry.Option) TxOption {
	return func(r *TxRunner) { r.hooks = append(r.hooks, opts...) }
}

// WithLogger sets logger used by runner.
func WithLogger(l *slog.Logger) TxOption {
	return func(r *TxRunner) {
		if l != nil {
			r.log = l
		}
	}
}

// DefaultBusyRetry is 3 attempts from 10ms up to 500ms, without jitter.
func DefaultBusyRetry() retry.Config {
	return retry.DefaultConfig().
		WithInitialDelay(10 * time.Millisecond).
		WithMaxDelay(500 * time.Millisecond).
		WithJitter(false)
}

// NewTxRunner creates a TxRunner on db.
func NewTxRunner(db *sql.DB, opts ...TxOption) *TxRunner {
	r := &TxRunner{DB: db, policy: DefaultBusyRetry(), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// WithinTx runs fn inside a transaction: committed when fn returns nil,
// rolled back otherwise. The transaction is reachable through Querier(ctx).
// A busy database restarts the whole transaction, so fn must be safe to
// run more than once. When ctx already carries a transaction fn joins it.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := SQLTx(ctx); ok {
		return fn(ctx)
	}
	cfg := r.policy.WithShouldRetry(IsBusy)
	opts := append([]retry.Option{
		retry.OnRetry(func(attempt int, err error, d time.Duration) {
			r.log.Warn("sqlite busy, retrying transaction",
				slog.Int("attempt", attempt),
				slog.Duration("wait", d),
				slog.Any("error", err))
		}),
	}, r.hooks...)

	_, err := retry.Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.once(ctx, fn)
	}, opts...)
	if IsBusy(err) {
		return shared.MarkKind(err, shared.KindUnavailable)
	}
	return err
}

func (r *TxRunner) once(ctx context.Context, fn func(context.Context) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SQLTx returns the transaction carried by ctx.
func SQLTx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// Querier returns the transaction in ctx, or the database.
func (r *TxRunner) Querier(ctx context.Context) Querier {
	if tx, ok := SQLTx(ctx); ok {
		return tx
	}
	return r.DB
}

// IsBusy reports SQLITE_BUSY and SQLITE_LOCKED, extended codes included.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
