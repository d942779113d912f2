package syncer

import (
	"context"
	"fmt"
	"sync"

	"upcoach-sync/internal/shared"
)

// MemoryStore keeps the latest snapshot per resource in memory.
// Used for dry runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

// Save replaces the snapshot of s.Resource.
func (m *MemoryStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[s.Resource] = s
	return nil
}

// Latest returns the stored snapshot of resource.
func (m *MemoryStore) Latest(_ context.Context, resource string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[resource]
	if !ok {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", resource, shared.ErrNotFound)
	}
	return s, nil
}
