package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"upcoach-sync/internal/shared"
	"upcoach-sync/internal/syncer"
)

var _ syncer.Store = (*SnapshotStore)(nil)

// SnapshotStore keeps snapshots in the snapshots table.
type SnapshotStore struct {
	tx   *TxRunner
	keep int
}

// NewSnapshotStore creates a store that keeps the newest keep snapshots of
// each resource; 0 keeps all.
func NewSnapshotStore(tx *TxRunner, keep int) *SnapshotStore {
	return &SnapshotStore{tx: tx, keep: keep}
}

// Save inserts s and prunes older snapshots of the same resource.
func (st *SnapshotStore) Save(ctx context.Context, s syncer.Snapshot) error {
	return st.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := st.tx.Querier(ctx)
		_, err := q.Exec(ctx,
			`INSERT INTO snapshots (id, resource, item_count, payload, fetched_at) VALUES ($1, $2, $3, $4, $5)`,
			s.ID, s.Resource, s.Count, string(s.Payload), s.FetchedAt)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if st.keep <= 0 {
			return nil
		}
		_, err = q.Exec(ctx,
			`DELETE FROM snapshots WHERE resource = $1 AND id NOT IN (
				SELECT id FROM snapshots WHERE resource = $1 ORDER BY fetched_at DESC LIMIT $2)`,
			s.Resource, st.keep)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
		return nil
	})
}

// Latest returns the newest snapshot of resource.
func (st *SnapshotStore) Latest(ctx context.Context, resource string) (syncer.Snapshot, error) {
	var (
		s       syncer.Snapshot
		payload []byte
	)
	err := st.tx.Querier(ctx).QueryRow(ctx,
		`SELECT id::text, resource, item_count, payload, fetched_at FROM snapshots
		 WHERE resource = $1 ORDER BY fetched_at DESC LIMIT 1`, resource).
		Scan(&s.ID, &s.Resource, &s.Count, &payload, &s.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return syncer.Snapshot{}, shared.MarkKind(fmt.Errorf("snapshot %s: %w", resource, err), shared.KindNotFound)
	}
	if err != nil {
		return syncer.Snapshot{}, err
	}
	s.Payload = payload
	s.FetchedAt = s.FetchedAt.UTC()
	return s, nil
}
