package credentials

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"chansync/internal"
)

// DefaultRedisKey is the hash holding host -> credential
const DefaultRedisKey = "chansync:credentials"

// clearIfScript deletes the field only while it still holds the expected value
const clearIfScript = `
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`

// RedisStore shares credentials between processes through a Redis hash
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore uses key as the hash name, DefaultRedisKey when empty
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdb: client, key: key}
}

// Get implements internal.CredentialStore
func (s *RedisStore) Get(ctx context.Context, host string) (string, error) {
	v, err := s.rdb.HGet(ctx, s.key, normalizeHost(host)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", internal.NewStoreError("credential get", err).WithContext("host", host)
	}
	return v, nil
}

// Set implements internal.CredentialStore. An empty value clears the host.
func (s *RedisStore) Set(ctx context.Context, host, value string) error {
	if value == "" {
		return s.Clear(ctx, host)
	}
	if err := s.rdb.HSet(ctx, s.key, normalizeHost(host), value).Err(); err != nil {
		return internal.NewStoreError("credential set", err).WithContext("host", host)
	}
	return nil
}

// Clear implements internal.CredentialStore
func (s *RedisStore) Clear(ctx context.Context, host string) error {
	if err := s.rdb.HDel(ctx, s.key, normalizeHost(host)).Err(); err != nil {
		return internal.NewStoreError("credential clear", err).WithContext("host", host)
	}
	return nil
}

// ClearIf implements internal.ConditionalClearer atomically on the server
func (s *RedisStore) ClearIf(ctx context.Context, host, expected string) (bool, error) {
	n, err := s.rdb.Eval(ctx, clearIfScript, []string{s.key}, normalizeHost(host), expected).Int64()
	if err != nil {
		return false, internal.NewStoreError("credential clear", err).WithContext("host", host)
	}
	return n > 0, nil
}

// Hosts returns the hosts holding a credential
func (s *RedisStore) Hosts(ctx context.Context) ([]string, error) {
	hosts, err := s.rdb.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, internal.NewStoreError("credential list", err)
	}
	return hosts, nil
}
