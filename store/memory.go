package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"chansync/internal"
)

// MemoryStore keeps snapshots in process memory. Callers always receive copies.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[internal.ResourceKey]*internal.Snapshot
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[internal.ResourceKey]*internal.Snapshot),
	}
}

// Read implements internal.ResourceStore
func (m *MemoryStore) Read(ctx context.Context, key internal.ResourceKey) (*internal.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshots[key].Clone(), nil
}

// Merge implements internal.ResourceStore
func (m *MemoryStore) Merge(ctx context.Context, key internal.ResourceKey, delta internal.Delta) (*internal.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, internal.NewCancelledError(key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := internal.ApplyDelta(key, m.snapshots[key], delta)
	m.snapshots[key] = next
	return next.Clone(), nil
}

// Evict implements internal.ResourceStore
func (m *MemoryStore) Evict(ctx context.Context, key internal.ResourceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, key)
	return nil
}

// LastUpdateTime implements internal.ResourceStore
func (m *MemoryStore) LastUpdateTime(ctx context.Context, key internal.ResourceKey) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return snap.UpdatedAt, true, nil
}

// Touch implements internal.ResourceStore
func (m *MemoryStore) Touch(ctx context.Context, key internal.ResourceKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap, ok := m.snapshots[key]; ok {
		m.snapshots[key] = internal.Touch(snap, at)
	}
	return nil
}

// Put stores snap as is, replacing any previous snapshot
func (m *MemoryStore) Put(key internal.ResourceKey, snap *internal.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[key] = snap.Clone()
}

// Keys returns the stored keys ordered by their string form
func (m *MemoryStore) Keys() []internal.ResourceKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]internal.ResourceKey, 0, len(m.snapshots))
	for k := range m.snapshots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of stored snapshots
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}
