// Package sqlite is the embedded storage backend of the sync agent.
//
// Open creates a database/sql handle on modernc.org/sqlite with PRAGMAs set
// through the DSN, so every pooled connection gets them:
//
//	db, err := sqlite.Open(ctx, "data/coachsync.db", sqlite.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
// Migrate applies the embedded schema migrations:
//
//	if _, err := sqlite.Migrate("data/coachsync.db"); err != nil {
//		return err
//	}
//
// # Transactions
//
// TxRunner runs a function inside a transaction and retries the whole
// transaction while SQLite reports SQLITE_BUSY or SQLITE_LOCKED. Retries use
// pkg/retry with a short exponential backoff:
//
//	runner := sqlite.NewTxRunner(db, sqlite.WithLogger(log))
//	err := runner.WithinTx(ctx, func(ctx context.Context) error {
//		q := runner.Querier(ctx)
//		_, err := q.ExecContext(ctx, "DELETE FROM snapshots WHERE resource = ?", "tasks")
//		return err
//	})
//
// A WithinTx call made with a context that already carries a transaction
// joins it instead of opening a new one.
//
// Writers should open the database with TxLockImmediate so that lock
// contention surfaces at BEGIN, where the retry can restart cleanly.
//
// # Snapshots
//
// SnapshotStore implements syncer.Store on top of TxRunner.
package sqlite
