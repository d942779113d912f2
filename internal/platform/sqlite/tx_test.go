package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upcoach-sync/internal/shared"
	"upcoach-sync/pkg/retry"
)

func newMemRunner(t *testing.T, opts ...TxOption) *TxRunner {
	t.Helper()
	db, err := OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec("CREATE TABLE t (v TEXT)")
	require.NoError(t, err)
	return NewTxRunner(db, append([]TxOption{WithLogger(discard())}, opts...)...)
}

func count(t *testing.T, r *TxRunner) int {
	t.Helper()
	var n int
	require.NoError(t, r.DB.QueryRow("SELECT COUNT(*) FROM t").Scan(&n))
	return n
}

func TestTxRunner_Commit(t *testing.T) {
	r := newMemRunner(t)
	err := r.WithinTx(context.Background(), func(ctx context.Context) error {
		tx, ok := SQLTx(ctx)
		require.True(t, ok)
		assert.Same(t, tx, r.Querier(ctx))
		_, err := r.Querier(ctx).ExecContext(ctx, "INSERT INTO t VALUES ('a')")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, r))
}

func TestTxRunner_Rollback(t *testing.T) {
	r := newMemRunner(t)
	boom := errors.New("boom")
	err := r.WithinTx(context.Background(), func(ctx context.Context) error {
		if _, err := r.Querier(ctx).ExecContext(ctx, "INSERT INTO t VALUES ('a')"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, count(t, r))
}

func TestTxRunner_NonBusyErrorNotRetried(t *testing.T) {
	r := newMemRunner(t)
	var calls int32
	err := r.WithinTx(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("constraint failed")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestTxRunner_BusyErrorRetried(t *testing.T) {
	var retries int32
	r := newMemRunner(t,
		WithBusyRetry(DefaultBusyRetry().WithInitialDelay(time.Millisecond).WithMaxAttempts(4)),
		WithRetryHooks(retry.OnRetry(func(int, error, time.Duration) { atomic.AddInt32(&retries, 1) })))

	var calls int32
	err := r.WithinTx(context.Background(), func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return fmt.Errorf("insert: %s", "database is locked (5) (SQLITE_BUSY)")
		}
		_, err := r.Querier(ctx).ExecContext(ctx, "INSERT INTO t VALUES ('a')")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, int32(2), retries)
	assert.Equal(t, 1, count(t, r))
}

func TestTxRunner_BusyExhaustedIsUnavailable(t *testing.T) {
	r := newMemRunner(t, WithBusyRetry(DefaultBusyRetry().WithInitialDelay(time.Millisecond).WithMaxAttempts(2)))
	err := r.WithinTx(context.Background(), func(ctx context.Context) error {
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.True(t, shared.IsUnavailable(err))
	assert.True(t, IsBusy(err))
}

func TestTxRunner_NestedJoinsOuter(t *testing.T) {
	r := newMemRunner(t)
	err := r.WithinTx(context.Background(), func(ctx context.Context) error {
		outer, _ := SQLTx(ctx)
		return r.WithinTx(ctx, func(ctx context.Context) error {
			inner, ok := SQLTx(ctx)
			require.True(t, ok)
			assert.Same(t, outer, inner)
			_, err := r.Querier(ctx).ExecContext(ctx, "INSERT INTO t VALUES ('a')")
			return err
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, r))
}

func TestTxRunner_QuerierWithoutTx(t *testing.T) {
	r := newMemRunner(t)
	_, ok := SQLTx(context.Background())
	assert.False(t, ok)
	assert.Same(t, r.DB, r.Querier(context.Background()))
}

func TestTxRunner_CanceledContext(t *testing.T) {
	r := newMemRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.WithinTx(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestTxRunner_RealLockContention(t *testing.T) {
	o := DefaultOptions()
	o.BusyTimeout = 0
	db, path := newTestDB(t, o)

	other, err := Open(context.Background(), path, o)
	require.NoError(t, err)
	defer other.Close()

	// immediate lock mode takes the write lock at BEGIN
	holder, err := other.BeginTx(context.Background(), nil)
	require.NoError(t, err)

	var retries int32
	r := NewTxRunner(db,
		WithLogger(discard()),
		WithBusyRetry(DefaultBusyRetry().WithMaxAttempts(20).WithInitialDelay(5*time.Millisecond).WithMaxDelay(20*time.Millisecond)),
		WithRetryHooks(retry.OnRetry(func(int, error, time.Duration) { atomic.AddInt32(&retries, 1) })))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = holder.Rollback()
	}()

	err = r.WithinTx(context.Background(), func(ctx context.Context) error {
		_, err := r.Querier(ctx).ExecContext(ctx,
			`INSERT INTO snapshots (id, resource, item_count, payload, fetched_at) VALUES ('1', 'habits', 0, '[]', '2026-01-01T00:00:00.000000000Z')`)
		return err
	})
	require.NoError(t, err)
	assert.Positive(t, atomic.LoadInt32(&retries))
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.True(t, IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, IsBusy(fmt.Errorf("save: %w", errors.New("database table is locked"))))
	assert.False(t, IsBusy(errors.New("UNIQUE constraint failed")))
}
