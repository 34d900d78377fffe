package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chansync/internal"
)

// MemoryTracker deduplicates loads within one process
type MemoryTracker struct {
	mu     sync.Mutex
	active map[internal.ResourceKey]struct{}
}

// NewMemoryTracker creates an empty tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{active: make(map[internal.ResourceKey]struct{})}
}

// TryMark implements internal.ActiveRequestTracker
func (t *MemoryTracker) TryMark(ctx context.Context, key internal.ResourceKey) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[key]; ok {
		return false, nil
	}
	t.active[key] = struct{}{}
	return true, nil
}

// Unmark implements internal.ActiveRequestTracker
func (t *MemoryTracker) Unmark(ctx context.Context, key internal.ResourceKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, key)
	return nil
}

// Active reports whether key is marked
func (t *MemoryTracker) Active(key internal.ResourceKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[key]
	return ok
}

// DefaultTrackerPrefix namespaces the Redis marker keys
const DefaultTrackerPrefix = "chansync:active:"

// DefaultTrackerTTL expires markers left behind by a crashed process
const DefaultTrackerTTL = 2 * time.Minute

// unmarkScript deletes the marker only while this tracker still owns it
const unmarkScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisTracker deduplicates loads across processes sharing one Redis
type RedisTracker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	owner  string
}

// NewRedisTracker uses DefaultTrackerTTL when ttl <= 0
func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTrackerTTL
	}
	return &RedisTracker{
		rdb:    client,
		prefix: DefaultTrackerPrefix,
		ttl:    ttl,
		owner:  uuid.NewString(),
	}
}

func (t *RedisTracker) redisKey(key internal.ResourceKey) string {
	return t.prefix + key.String()
}

// TryMark implements internal.ActiveRequestTracker
func (t *RedisTracker) TryMark(ctx context.Context, key internal.ResourceKey) (bool, error) {
	ok, err := t.rdb.SetNX(ctx, t.redisKey(key), t.owner, t.ttl).Result()
	if err != nil {
		return false, internal.NewStoreError("tracker mark", err).WithKey(key)
	}
	return ok, nil
}

// Unmark implements internal.ActiveRequestTracker. Markers owned by another process are kept.
func (t *RedisTracker) Unmark(ctx context.Context, key internal.ResourceKey) error {
	if err := t.rdb.Eval(ctx, unmarkScript, []string{t.redisKey(key)}, t.owner).Err(); err != nil {
		return internal.NewStoreError("tracker unmark", err).WithKey(key)
	}
	return nil
}
