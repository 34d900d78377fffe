package internal

import (
	"context"
	"time"
)

// ResourceStore holds the current snapshot of each cacheable resource.
// Merge must be atomic with respect to Read: readers never observe a half-applied delta.
type ResourceStore interface {
	// Read returns the snapshot for key, or nil when nothing is stored
	Read(ctx context.Context, key ResourceKey) (*Snapshot, error)
	Merge(ctx context.Context, key ResourceKey, delta Delta) (*Snapshot, error)
	Evict(ctx context.Context, key ResourceKey) error
	LastUpdateTime(ctx context.Context, key ResourceKey) (time.Time, bool, error)
	// Touch records an access without changing the posts
	Touch(ctx context.Context, key ResourceKey, at time.Time) error
}

// MemoryCache is implemented by stores that keep a memory copy in front of persistent storage
type MemoryCache interface {
	EvictMemory(ctx context.Context, key ResourceKey) error
}

// CredentialStore keeps the per-host bypass credential. Get returns "" when none is stored.
type CredentialStore interface {
	Get(ctx context.Context, host string) (string, error)
	Set(ctx context.Context, host, value string) error
	Clear(ctx context.Context, host string) error
}

// ConditionalClearer is implemented by credential stores that can clear a value only
// while it still equals the one the caller observed
type ConditionalClearer interface {
	ClearIf(ctx context.Context, host, expected string) (bool, error)
}

// ChallengeNotifier receives fire-and-forget challenge notifications
type ChallengeNotifier interface {
	OnChallengeDetected(kind ChallengeKind, host, resolveURL string)
}

// ActiveRequestTracker deduplicates concurrent loads of the same key
type ActiveRequestTracker interface {
	TryMark(ctx context.Context, key ResourceKey) (bool, error)
	Unmark(ctx context.Context, key ResourceKey) error
}

// FetchStartedNotifier is told when a network refresh for a thread is about to begin
type FetchStartedNotifier interface {
	OnFetchStarted(key ResourceKey)
}

// Backend fetches resources of one site. A non-empty since is the Last-Modified marker of
// the cached snapshot; an unchanged resource then yields a delta without posts.
type Backend interface {
	FetchThread(ctx context.Context, key ResourceKey, since string) (Delta, error)
	FetchCatalog(ctx context.Context, key ResourceKey, since string) (Delta, error)
	// ReparseComment re-applies the local comment transform to a stored raw comment
	ReparseComment(raw string) string
}

// BackendResolver maps a site name to its backend
type BackendResolver interface {
	Backend(site string) (Backend, bool)
}

// SiteResolver answers per-host questions the challenge interceptor needs
type SiteResolver interface {
	SiteForHost(host string) (string, bool)
	// ChallengeEndpoint returns the dedicated challenge page of the host's site, or ""
	ChallengeEndpoint(host string) string
}

// RateLimiter paces outbound requests
type RateLimiter interface {
	Wait(ctx context.Context, n int) error
	SetRate(perSecond int64)
}
