package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"chansync/internal"
)

// Bookmark is a watched thread
type Bookmark struct {
	Key              internal.ResourceKey
	Title            string
	Watching         bool
	PostCount        int
	LastPostNo       int64
	LastFetched      time.Time
	LastFetchStarted time.Time
	LastOutcome      string
}

// ThreadBookmarkInfo is what a bookmark fetch learns about its thread
type ThreadBookmarkInfo struct {
	Key          internal.ResourceKey
	Subject      string
	PostNumbers  []int64
	LastModified string
}

// PostNos returns the post numbers in server order
func (i ThreadBookmarkInfo) PostNos() []int64 {
	return i.PostNumbers
}

// PostCount returns the number of posts
func (i ThreadBookmarkInfo) PostCount() int {
	return len(i.PostNumbers)
}

// BookmarkUpdate counts what Apply did
type BookmarkUpdate struct {
	Updated int
	Stopped int
	Removed int
	Failed  int
}

// BookmarkRegistry holds the bookmarked threads. It implements internal.FetchStartedNotifier
// so coordinator refreshes show up on the bookmark.
type BookmarkRegistry struct {
	mu        sync.RWMutex
	bookmarks map[internal.ResourceKey]*Bookmark
	now       func() time.Time
}

// NewBookmarkRegistry creates an empty registry
func NewBookmarkRegistry() *BookmarkRegistry {
	return &BookmarkRegistry{
		bookmarks: make(map[internal.ResourceKey]*Bookmark),
		now:       time.Now,
	}
}

// Add starts watching a thread. Adding an existing bookmark resumes watching it.
func (r *BookmarkRegistry) Add(key internal.ResourceKey) error {
	if key.Kind != internal.KindThread {
		return internal.NewValidationErrorWithValue("key", "only threads can be bookmarked", key.String())
	}
	if err := key.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bookmarks[key]; ok {
		b.Watching = true
		return nil
	}
	r.bookmarks[key] = &Bookmark{Key: key, Watching: true}
	return nil
}

// Remove deletes a bookmark and reports whether it existed
func (r *BookmarkRegistry) Remove(key internal.ResourceKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookmarks[key]; !ok {
		return false
	}
	delete(r.bookmarks, key)
	return true
}

// Has reports whether key is bookmarked
func (r *BookmarkRegistry) Has(key internal.ResourceKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bookmarks[key]
	return ok
}

// Get returns a copy of the bookmark
func (r *BookmarkRegistry) Get(key internal.ResourceKey) (Bookmark, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bookmarks[key]
	if !ok {
		return Bookmark{}, false
	}
	return *b, true
}

// List returns copies of all bookmarks ordered by key
func (r *BookmarkRegistry) List() []Bookmark {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Bookmark, 0, len(r.bookmarks))
	for _, b := range r.bookmarks {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Watched returns the keys still being watched, ordered by key
func (r *BookmarkRegistry) Watched() []internal.ResourceKey {
	var keys []internal.ResourceKey
	for _, b := range r.List() {
		if b.Watching {
			keys = append(keys, b.Key)
		}
	}
	return keys
}

// OnFetchStarted implements internal.FetchStartedNotifier
func (r *BookmarkRegistry) OnFetchStarted(key internal.ResourceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bookmarks[key]; ok {
		b.LastFetchStarted = r.now().UTC()
		internal.LogDebug("Bookmarked thread %s is being refreshed", key)
	}
}

// Apply records batch outcomes on their bookmarks. NotFound stops watching the thread;
// transient failures leave the bookmark for the next run.
func (r *BookmarkRegistry) Apply(keys []internal.ResourceKey, outcomes []internal.FetchOutcome[ThreadBookmarkInfo]) BookmarkUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var update BookmarkUpdate
	now := r.now().UTC()
	for i, key := range keys {
		if i >= len(outcomes) {
			break
		}
		outcome := outcomes[i]
		b, ok := r.bookmarks[key]
		if !ok || outcome.Kind == internal.OutcomeAlreadyRemoved {
			update.Removed++
			continue
		}
		b.LastOutcome = outcome.String()

		switch outcome.Kind {
		case internal.OutcomeSuccess:
			info := outcome.Value
			b.PostCount = info.PostCount()
			if n := len(info.PostNumbers); n > 0 {
				b.LastPostNo = info.PostNumbers[n-1]
			}
			if info.Subject != "" {
				b.Title = info.Subject
			}
			b.LastFetched = now
			update.Updated++
		case internal.OutcomeNotFound:
			b.Watching = false
			internal.LogInfo("Thread %s is gone, no longer watching it", key)
			update.Stopped++
		default:
			internal.LogDebug("Bookmark fetch for %s failed: %s", key, outcome)
			update.Failed++
		}
	}
	return update
}

// BookmarkFetcher refreshes bookmarked threads in batches
type BookmarkFetcher struct {
	backends internal.BackendResolver
	registry *BookmarkRegistry
	batch    BatchConfig
}

// NewBookmarkFetcher creates a new BookmarkFetcher
func NewBookmarkFetcher(backends internal.BackendResolver, registry *BookmarkRegistry, batch BatchConfig) *BookmarkFetcher {
	return &BookmarkFetcher{backends: backends, registry: registry, batch: batch}
}

// FetchAll fetches every key and returns the outcomes in key order
func (f *BookmarkFetcher) FetchAll(ctx context.Context, keys []internal.ResourceKey) []internal.FetchOutcome[ThreadBookmarkInfo] {
	return FetchAllBatched(ctx, keys, f.fetchOne, f.batch)
}

// Refresh fetches every watched bookmark and applies the outcomes
func (f *BookmarkFetcher) Refresh(ctx context.Context) ([]internal.ResourceKey, []internal.FetchOutcome[ThreadBookmarkInfo], BookmarkUpdate) {
	keys := f.registry.Watched()
	outcomes := f.FetchAll(ctx, keys)
	return keys, outcomes, f.registry.Apply(keys, outcomes)
}

func (f *BookmarkFetcher) fetchOne(ctx context.Context, key internal.ResourceKey) internal.FetchOutcome[ThreadBookmarkInfo] {
	if !f.registry.Has(key) {
		return internal.AlreadyRemoved[ThreadBookmarkInfo]()
	}

	backend, ok := f.backends.Backend(key.Site)
	if !ok {
		return internal.TransportFailure[ThreadBookmarkInfo](internal.NewConfigurationError(key.Site).WithKey(key))
	}

	delta, err := backend.FetchThread(ctx, key, "")
	if err != nil {
		return internal.OutcomeFromError[ThreadBookmarkInfo](err)
	}

	// The bookmark may have been deleted while the request was in flight
	if !f.registry.Has(key) {
		return internal.AlreadyRemoved[ThreadBookmarkInfo]()
	}

	info := ThreadBookmarkInfo{
		Key:          key,
		PostNumbers:  make([]int64, 0, len(delta.Posts)),
		LastModified: delta.LastModified,
	}
	for _, p := range delta.Posts {
		info.PostNumbers = append(info.PostNumbers, p.No)
	}
	if len(delta.Posts) > 0 {
		info.Subject = delta.Posts[0].Subject
	}
	return internal.Success(info)
}
