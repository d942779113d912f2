package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"upcoach-sync/internal/shared"
	"upcoach-sync/internal/syncer"
)

var _ syncer.Store = (*SnapshotStore)(nil)

// fixed width so that fetched_at sorts as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SnapshotStore keeps snapshots in the snapshots table.
type SnapshotStore struct {
	tx *TxRunner
	// keep is the number of snapshots kept per resource; 0 keeps all.
	keep int
}

// NewSnapshotStore creates a store that keeps the newest keep snapshots of
// each resource.
func NewSnapshotStore(tx *TxRunner, keep int) *SnapshotStore {
	return &SnapshotStore{tx: tx, keep: keep}
}

// Save inserts s and prunes older snapshots of the same resource.
func (st *SnapshotStore) Save(ctx context.Context, s syncer.Snapshot) error {
	return st.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := st.tx.Querier(ctx)
		_, err := q.ExecContext(ctx,
			`INSERT INTO snapshots (id, resource, item_count, payload, fetched_at) VALUES (?, ?, ?, ?, ?)`,
			s.ID, s.Resource, s.Count, string(s.Payload), s.FetchedAt.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if st.keep <= 0 {
			return nil
		}
		_, err = q.ExecContext(ctx,
			`DELETE FROM snapshots WHERE resource = ? AND id NOT IN (
				SELECT id FROM snapshots WHERE resource = ? ORDER BY fetched_at DESC, rowid DESC LIMIT ?)`,
			s.Resource, s.Resource, st.keep)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
		return nil
	})
}

// Latest returns the newest snapshot of resource.
func (st *SnapshotStore) Latest(ctx context.Context, resource string) (syncer.Snapshot, error) {
	row := st.tx.Querier(ctx).QueryRowContext(ctx,
		`SELECT id, resource, item_count, payload, fetched_at FROM snapshots
		 WHERE resource = ? ORDER BY fetched_at DESC, rowid DESC LIMIT 1`, resource)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return syncer.Snapshot{}, shared.MarkKind(fmt.Errorf("snapshot %s: %w", resource, err), shared.KindNotFound)
	}
	return s, err
}

// Count returns the number of stored snapshots of resource.
func (st *SnapshotStore) Count(ctx context.Context, resource string) (int, error) {
	var n int
	err := st.tx.Querier(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE resource = ?`, resource).Scan(&n)
	return n, err
}

func scanSnapshot(row *sql.Row) (syncer.Snapshot, error) {
	var (
		s       syncer.Snapshot
		payload string
		at      string
	)
	if err := row.Scan(&s.ID, &s.Resource, &s.Count, &payload, &at); err != nil {
		return syncer.Snapshot{}, err
	}
	t, err := time.Parse(timeLayout, at)
	if err != nil {
		return syncer.Snapshot{}, fmt.Errorf("snapshot %s: fetched_at: %w", s.ID, err)
	}
	s.Payload = []byte(payload)
	s.FetchedAt = t
	return s, nil
}
