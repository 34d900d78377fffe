package store

import (
	"context"
	"sync"
	"time"

	"chansync/internal"
)

// TieredStore serves reads from memory and falls back to a persistent store. Writes go to
// the persistent store first, then refresh the memory copy.
type TieredStore struct {
	memory  *MemoryStore
	backing internal.ResourceStore

	// keeps the memory copy in merge order
	mu sync.Mutex
}

// NewTieredStore layers a memory cache over backing
func NewTieredStore(backing internal.ResourceStore) *TieredStore {
	return &TieredStore{
		memory:  NewMemoryStore(),
		backing: backing,
	}
}

// Read implements internal.ResourceStore
func (s *TieredStore) Read(ctx context.Context, key internal.ResourceKey) (*internal.Snapshot, error) {
	if snap, _ := s.memory.Read(ctx, key); snap != nil {
		return snap, nil
	}

	// Fill under mu so a merge finishing meanwhile cannot be overwritten by an older copy
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, _ := s.memory.Read(ctx, key); snap != nil {
		return snap, nil
	}

	snap, err := s.backing.Read(ctx, key)
	if err != nil || snap == nil {
		return snap, err
	}
	s.memory.Put(key, snap)
	return snap, nil
}

// Merge implements internal.ResourceStore
func (s *TieredStore) Merge(ctx context.Context, key internal.ResourceKey, delta internal.Delta) (*internal.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.backing.Merge(ctx, key, delta)
	if err != nil {
		// The memory copy may no longer match the backing store
		s.memory.Evict(ctx, key)
		return nil, err
	}
	s.memory.Put(key, next)
	return next, nil
}

// Evict implements internal.ResourceStore
func (s *TieredStore) Evict(ctx context.Context, key internal.ResourceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memory.Evict(ctx, key)
	return s.backing.Evict(ctx, key)
}

// EvictMemory drops only the memory copy so the next read reloads from the backing store
func (s *TieredStore) EvictMemory(ctx context.Context, key internal.ResourceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory.Evict(ctx, key)
}

// LastUpdateTime implements internal.ResourceStore
func (s *TieredStore) LastUpdateTime(ctx context.Context, key internal.ResourceKey) (time.Time, bool, error) {
	if t, ok, _ := s.memory.LastUpdateTime(ctx, key); ok {
		return t, true, nil
	}
	return s.backing.LastUpdateTime(ctx, key)
}

// Touch implements internal.ResourceStore
func (s *TieredStore) Touch(ctx context.Context, key internal.ResourceKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memory.Touch(ctx, key, at)
	return s.backing.Touch(ctx, key, at)
}
