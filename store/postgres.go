package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chansync/internal"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS resource_snapshots (
	resource_key  TEXT PRIMARY KEY,
	kind          SMALLINT NOT NULL,
	site          TEXT NOT NULL,
	board         TEXT NOT NULL,
	thread_no     BIGINT NOT NULL DEFAULT 0,
	posts         JSONB NOT NULL,
	last_modified TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL,
	accessed_at   TIMESTAMPTZ NOT NULL,
	version       BIGINT NOT NULL
)`

// PostgresStore persists snapshots in a single Postgres table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to databaseURL and ensures the schema exists
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, internal.NewStoreError("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, internal.NewStoreError("connect", err)
	}
	s := NewPostgresStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the snapshot table when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s.pool == nil {
		return internal.NewStoreError("migrate", errors.New("nil postgres pool"))
	}
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return internal.NewStoreError("migrate", err)
	}
	return nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// queryRower is satisfied by both the pool and a transaction
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) readFrom(ctx context.Context, q queryRower, key internal.ResourceKey, forUpdate bool) (*internal.Snapshot, error) {
	sql := `
		SELECT posts, last_modified, updated_at, accessed_at, version
		FROM resource_snapshots
		WHERE resource_key = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var (
		postsJSON []byte
		snap      = internal.Snapshot{Key: key}
	)
	err := q.QueryRow(ctx, sql, key.String()).Scan(&postsJSON, &snap.LastModified, &snap.UpdatedAt, &snap.AccessedAt, &snap.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, internal.NewStoreError("read", err).WithKey(key)
	}
	if err := json.Unmarshal(postsJSON, &snap.Posts); err != nil {
		return nil, internal.NewStoreError("decode", err).WithKey(key)
	}
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	snap.AccessedAt = snap.AccessedAt.UTC()
	return &snap, nil
}

// Read implements internal.ResourceStore
func (s *PostgresStore) Read(ctx context.Context, key internal.ResourceKey) (*internal.Snapshot, error) {
	return s.readFrom(ctx, s.pool, key, false)
}

// Merge implements internal.ResourceStore. The row is locked for the read-modify-write; an
// advisory lock on the key covers the first insert, where no row exists yet to lock.
func (s *PostgresStore) Merge(ctx context.Context, key internal.ResourceKey, delta internal.Delta) (*internal.Snapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, internal.NewStoreError("begin", err).WithKey(key)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
		return nil, internal.NewStoreError("lock", err).WithKey(key)
	}

	current, err := s.readFrom(ctx, tx, key, true)
	if err != nil {
		return nil, err
	}
	next := internal.ApplyDelta(key, current, delta)

	postsJSON, err := json.Marshal(next.Posts)
	if err != nil {
		return nil, internal.NewStoreError("encode", err).WithKey(key)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO resource_snapshots (
			resource_key, kind, site, board, thread_no,
			posts, last_modified, updated_at, accessed_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (resource_key) DO UPDATE SET
			posts = EXCLUDED.posts,
			last_modified = EXCLUDED.last_modified,
			updated_at = EXCLUDED.updated_at,
			accessed_at = EXCLUDED.accessed_at,
			version = EXCLUDED.version
	`,
		key.String(),
		int16(key.Kind),
		key.Site,
		key.Board,
		key.ThreadNo,
		postsJSON,
		next.LastModified,
		next.UpdatedAt.UTC(),
		next.AccessedAt.UTC(),
		next.Version,
	)
	if err != nil {
		return nil, internal.NewStoreError("write", err).WithKey(key)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, internal.NewStoreError("commit", err).WithKey(key)
	}
	return next, nil
}

// Evict implements internal.ResourceStore
func (s *PostgresStore) Evict(ctx context.Context, key internal.ResourceKey) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM resource_snapshots WHERE resource_key = $1`, key.String()); err != nil {
		return internal.NewStoreError("evict", err).WithKey(key)
	}
	return nil
}

// LastUpdateTime implements internal.ResourceStore
func (s *PostgresStore) LastUpdateTime(ctx context.Context, key internal.ResourceKey) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `SELECT updated_at FROM resource_snapshots WHERE resource_key = $1`, key.String()).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, internal.NewStoreError("read", err).WithKey(key)
	}
	return t.UTC(), true, nil
}

// Touch implements internal.ResourceStore
func (s *PostgresStore) Touch(ctx context.Context, key internal.ResourceKey, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE resource_snapshots SET accessed_at = $2 WHERE resource_key = $1`, key.String(), at.UTC())
	if err != nil {
		return internal.NewStoreError("touch", err).WithKey(key)
	}
	return nil
}
