package engine

import (
	"context"
	"time"

	"chansync/internal"
)

// CoordinatorConfig wires the coordinator's collaborators. Tracker and FetchNotifier are optional.
type CoordinatorConfig struct {
	Store         internal.ResourceStore
	Backends      internal.BackendResolver
	Tracker       internal.ActiveRequestTracker
	FetchNotifier internal.FetchStartedNotifier
	// BatchSize bounds the concurrent member fetches of a composite catalog
	BatchSize int
	Now       func() time.Time
}

// Coordinator decides per load whether the cached snapshot is reused, reparsed or refreshed
// from the network, and merges fetched deltas into the store.
type Coordinator struct {
	store     internal.ResourceStore
	backends  internal.BackendResolver
	tracker   internal.ActiveRequestTracker
	notifier  internal.FetchStartedNotifier
	batchSize int
	now       func() time.Time
}

// NewCoordinator creates a new Coordinator
func NewCoordinator(config CoordinatorConfig) *Coordinator {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:     config.Store,
		backends:  config.Backends,
		tracker:   config.Tracker,
		notifier:  config.FetchNotifier,
		batchSize: config.BatchSize,
		now:       now,
	}
}

// Store returns the store loads are merged into
func (c *Coordinator) Store() internal.ResourceStore {
	return c.store
}

// LoadResource serves key according to policy and opts.
// A failed network refresh falls back to a non-empty cached snapshot marked stale; the
// fetch error is kept in the result's Err. A cancelled load never merges.
func (c *Coordinator) LoadResource(ctx context.Context, key internal.ResourceKey, policy internal.CacheUpdatePolicy, opts internal.LoadOptions) internal.LoadResult {
	if err := key.Validate(); err != nil {
		return internal.Failed(key, internal.DecisionRefreshFromNetwork, err)
	}

	// Evict before the freshness decision so a requested reset cannot be short-circuited
	clearing := opts.CanClearCache()
	if clearing {
		if err := c.evict(ctx, key); err != nil {
			return internal.Failed(key, internal.DecisionRefreshFromNetwork, err)
		}
	}

	backend, ok := c.backends.Backend(key.Site)
	if !ok {
		return internal.Failed(key, internal.DecisionRefreshFromNetwork, internal.NewConfigurationError(key.Site).WithKey(key))
	}

	if c.tracker != nil {
		marked, err := c.tracker.TryMark(ctx, key)
		if err != nil {
			return internal.Failed(key, internal.DecisionRefreshFromNetwork, err)
		}
		if !marked {
			return internal.Failed(key, internal.DecisionRefreshFromNetwork, internal.NewAlreadyActiveError(key))
		}
		defer func() {
			if err := c.tracker.Unmark(context.WithoutCancel(ctx), key); err != nil {
				internal.LogWarn("Failed to release %s: %v", key, err)
			}
		}()
	}

	if key.Kind == internal.KindCompositeCatalog {
		return c.loadComposite(ctx, backend, key, !clearing)
	}

	updatedAt, exists, err := c.store.LastUpdateTime(ctx, key)
	if err != nil {
		return internal.Failed(key, internal.DecisionRefreshFromNetwork, err)
	}
	// A persistent tier may still hold a cleared entry; it must not be reused
	decision := DecideFreshness(policy, opts, exists && !clearing, updatedAt, c.now())
	internal.LogDebug("Load %s: policy=%s options=%s decision=%s", key, policy, opts, decision)

	switch decision {
	case internal.DecisionReuse:
		snap, err := c.store.Read(ctx, key)
		if err != nil {
			return internal.Failed(key, decision, err)
		}
		if snap != nil {
			return c.served(ctx, key, snap, decision)
		}
		internal.LogDebug("Snapshot for %s vanished before reuse, refreshing", key)
	case internal.DecisionRefreshFromStore:
		if result, ok := c.reparse(ctx, backend, key, opts); ok {
			return result
		}
	}

	return c.refreshFromNetwork(ctx, backend, key, !clearing)
}

// evict drops the memory copy when the store keeps one, the whole entry otherwise
func (c *Coordinator) evict(ctx context.Context, key internal.ResourceKey) error {
	if mc, ok := c.store.(internal.MemoryCache); ok {
		return mc.EvictMemory(ctx, key)
	}
	return c.store.Evict(ctx, key)
}

// reparse re-runs the comment transform over the selected cached posts. It reports false when
// the cache is empty and the load has to go to the network.
func (c *Coordinator) reparse(ctx context.Context, backend internal.Backend, key internal.ResourceKey, opts internal.LoadOptions) (internal.LoadResult, bool) {
	decision := internal.DecisionRefreshFromStore

	snap, err := c.store.Read(ctx, key)
	if err != nil {
		return internal.Failed(key, decision, err), true
	}
	if snap.IsEmpty() {
		internal.LogDebug("%v, refreshing from network", internal.NewCacheEmptyError(key))
		return internal.LoadResult{}, false
	}

	var posts []internal.Post
	for _, p := range snap.Posts {
		if !opts.Selects(p.No) {
			continue
		}
		p.Comment = backend.ReparseComment(p.RawComment)
		posts = append(posts, p)
	}
	if len(posts) == 0 {
		return c.served(ctx, key, snap, decision), true
	}

	if err := ctx.Err(); err != nil {
		return internal.Failed(key, decision, internal.NewCancelledError(key, err)), true
	}
	merged, err := c.store.Merge(ctx, key, internal.Delta{Posts: posts})
	if err != nil {
		return internal.Failed(key, decision, err), true
	}
	internal.LogDebug("Reparsed %d posts of %s", len(posts), key)
	return c.served(ctx, key, merged, decision), true
}

// refreshFromNetwork fetches key and merges the delta. A conditional refresh sends the cached
// Last-Modified marker so an unchanged resource only renews the snapshot's update time.
func (c *Coordinator) refreshFromNetwork(ctx context.Context, backend internal.Backend, key internal.ResourceKey, conditional bool) internal.LoadResult {
	decision := internal.DecisionRefreshFromNetwork

	var since string
	if conditional {
		since = c.cachedMarker(ctx, key)
	}

	if key.Kind == internal.KindThread && c.notifier != nil {
		c.notifier.OnFetchStarted(key)
	}

	var delta internal.Delta
	var err error
	if key.Kind == internal.KindThread {
		delta, err = backend.FetchThread(ctx, key, since)
	} else {
		delta, err = backend.FetchCatalog(ctx, key, since)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return internal.Failed(key, decision, internal.NewCancelledError(key, ctxErr))
	}
	if err != nil {
		return c.fallback(ctx, key, decision, err)
	}

	merged, err := c.store.Merge(ctx, key, delta)
	if err != nil {
		return internal.Failed(key, decision, err)
	}
	internal.LogDebug("Merged %d posts into %s (version %d)", len(delta.Posts), key, merged.Version)
	return c.served(ctx, key, merged, decision)
}

// cachedMarker returns the Last-Modified marker of a cached snapshot with posts, or ""
func (c *Coordinator) cachedMarker(ctx context.Context, key internal.ResourceKey) string {
	snap, err := c.store.Read(ctx, key)
	if err != nil || snap.IsEmpty() {
		return ""
	}
	return snap.LastModified
}

// fallback serves the cached snapshot marked stale when there is one with posts
func (c *Coordinator) fallback(ctx context.Context, key internal.ResourceKey, decision internal.CacheFreshnessDecision, fetchErr error) internal.LoadResult {
	if internal.ErrorTypeOf(fetchErr) == internal.ErrCancelled {
		return internal.Failed(key, decision, fetchErr)
	}

	cached, err := c.store.Read(ctx, key)
	if err != nil {
		internal.LogWarn("Failed to read cached %s after fetch failure: %v", key, err)
		return internal.Failed(key, decision, fetchErr)
	}
	if cached.IsEmpty() {
		return internal.Failed(key, decision, fetchErr)
	}

	internal.LogWarn("Serving cached %s after fetch failure: %v", key, fetchErr)
	cached.Stale = true
	result := c.served(ctx, key, cached, decision)
	result.Err = fetchErr
	return result
}

// served records thread access and wraps the snapshot
func (c *Coordinator) served(ctx context.Context, key internal.ResourceKey, snap *internal.Snapshot, decision internal.CacheFreshnessDecision) internal.LoadResult {
	if key.Kind == internal.KindThread {
		at := c.now()
		if err := c.store.Touch(ctx, key, at); err != nil {
			internal.LogDebug("Failed to touch %s: %v", key, err)
		} else {
			snap.AccessedAt = at.UTC()
		}
	}
	return internal.Loaded(key, snap, decision)
}

// loadComposite refreshes every member catalog and returns their posts combined.
// The combined snapshot is not stored; members are.
func (c *Coordinator) loadComposite(ctx context.Context, backend internal.Backend, key internal.ResourceKey, conditional bool) internal.LoadResult {
	decision := internal.DecisionRefreshFromNetwork
	members := key.Members()

	outcomes := FetchAllBatched(ctx, members, func(ctx context.Context, member internal.ResourceKey) internal.FetchOutcome[internal.LoadResult] {
		return internal.Success(c.refreshFromNetwork(ctx, backend, member, conditional))
	}, BatchConfig{BatchSize: c.batchSize})

	if err := ctx.Err(); err != nil {
		return internal.Failed(key, decision, internal.NewCancelledError(key, err))
	}

	combined := &internal.Snapshot{Key: key}
	var firstErr error
	loaded := 0
	for i, o := range outcomes {
		var res internal.LoadResult
		if o.IsSuccess() {
			res = o.Value
		} else {
			res = internal.Failed(members[i], decision, o.Err)
		}
		if !res.IsLoaded() {
			internal.LogWarn("Composite member %s failed: %v", members[i], res.Err)
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}

		loaded++
		snap := res.Snapshot
		combined.Posts = append(combined.Posts, snap.Posts...)
		combined.Version += snap.Version
		combined.Stale = combined.Stale || snap.Stale
		if snap.UpdatedAt.After(combined.UpdatedAt) {
			combined.UpdatedAt = snap.UpdatedAt
		}
	}

	if loaded == 0 {
		return internal.Failed(key, decision, firstErr)
	}
	if loaded < len(members) {
		combined.Stale = true
	}
	internal.SortPosts(combined.Posts)
	return internal.Loaded(key, combined, decision)
}
