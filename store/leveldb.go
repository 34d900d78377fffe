package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"chansync/internal"
)

const (
	snapshotPrefix = "s:"
	updatedPrefix  = "u:"
)

// LevelDBStore persists snapshots in a LevelDB database. Each snapshot is stored gob-encoded
// under "s:<key>" with its update time mirrored under "u:<key>" for cheap freshness checks.
type LevelDBStore struct {
	db *leveldb.DB

	// serializes read-modify-write cycles
	mu sync.Mutex
}

// OpenLevelDB opens or creates the database at path
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, internal.NewStoreError("open", err).WithContext("path", path)
	}
	return &LevelDBStore{db: db}, nil
}

// Close releases the database
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

// Read implements internal.ResourceStore
func (s *LevelDBStore) Read(ctx context.Context, key internal.ResourceKey) (*internal.Snapshot, error) {
	return s.read(key)
}

func (s *LevelDBStore) read(key internal.ResourceKey) (*internal.Snapshot, error) {
	b, err := s.db.Get([]byte(snapshotPrefix+key.String()), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, internal.NewStoreError("read", err).WithKey(key)
	}

	var snap internal.Snapshot
	if err := decodeGob(b, &snap); err != nil {
		return nil, internal.NewStoreError("decode", err).WithKey(key)
	}
	return &snap, nil
}

// Merge implements internal.ResourceStore. The snapshot and its update time are written
// in one batch so readers never observe a partial merge.
func (s *LevelDBStore) Merge(ctx context.Context, key internal.ResourceKey, delta internal.Delta) (*internal.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, internal.NewCancelledError(key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(key)
	if err != nil {
		return nil, err
	}
	next := internal.ApplyDelta(key, current, delta)
	if err := s.write(key, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *LevelDBStore) write(key internal.ResourceKey, snap *internal.Snapshot) error {
	b, err := encodeGob(snap)
	if err != nil {
		return internal.NewStoreError("encode", err).WithKey(key)
	}
	ub, err := snap.UpdatedAt.MarshalBinary()
	if err != nil {
		return internal.NewStoreError("encode", err).WithKey(key)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(snapshotPrefix+key.String()), b)
	batch.Put([]byte(updatedPrefix+key.String()), ub)
	if err := s.db.Write(batch, nil); err != nil {
		return internal.NewStoreError("write", err).WithKey(key)
	}
	return nil
}

// Evict implements internal.ResourceStore
func (s *LevelDBStore) Evict(ctx context.Context, key internal.ResourceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete([]byte(snapshotPrefix + key.String()))
	batch.Delete([]byte(updatedPrefix + key.String()))
	if err := s.db.Write(batch, nil); err != nil {
		return internal.NewStoreError("evict", err).WithKey(key)
	}
	return nil
}

// LastUpdateTime implements internal.ResourceStore
func (s *LevelDBStore) LastUpdateTime(ctx context.Context, key internal.ResourceKey) (time.Time, bool, error) {
	b, err := s.db.Get([]byte(updatedPrefix+key.String()), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, internal.NewStoreError("read", err).WithKey(key)
	}
	var t time.Time
	if err := t.UnmarshalBinary(b); err != nil {
		return time.Time{}, false, internal.NewStoreError("decode", err).WithKey(key)
	}
	return t, true, nil
}

// Touch implements internal.ResourceStore
func (s *LevelDBStore) Touch(ctx context.Context, key internal.ResourceKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(key)
	if err != nil || current == nil {
		return err
	}
	return s.write(key, internal.Touch(current, at))
}

// Keys returns the stored resource keys in key order
func (s *LevelDBStore) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(snapshotPrefix)), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), []byte(snapshotPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, internal.NewStoreError("iterate", err)
	}
	return keys, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
