package internal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ResourceKind tags the three kinds of cacheable resources
type ResourceKind int

const (
	KindThread ResourceKind = iota
	KindCatalog
	KindCompositeCatalog
)

// String returns the string representation of ResourceKind
func (k ResourceKind) String() string {
	switch k {
	case KindThread:
		return "thread"
	case KindCatalog:
		return "catalog"
	case KindCompositeCatalog:
		return "composite"
	default:
		return "unknown"
	}
}

// compositeSeparator joins member boards of a composite catalog key
const compositeSeparator = "+"

// ResourceKey identifies a cacheable resource. It is comparable and safe to use as a map key.
// For composite catalogs Board holds the sorted member boards joined with "+".
type ResourceKey struct {
	Kind     ResourceKind `json:"kind"`
	Site     string       `json:"site"`
	Board    string       `json:"board"`
	ThreadNo int64        `json:"thread_no,omitempty"`
}

// ThreadKey builds the key of a single thread
func ThreadKey(site, board string, no int64) ResourceKey {
	return ResourceKey{Kind: KindThread, Site: site, Board: board, ThreadNo: no}
}

// CatalogKey builds the key of a board catalog
func CatalogKey(site, board string) ResourceKey {
	return ResourceKey{Kind: KindCatalog, Site: site, Board: board}
}

// CompositeCatalogKey builds the key of a catalog spanning several boards of one site.
// Boards are deduplicated and sorted so equal board sets yield equal keys.
func CompositeCatalogKey(site string, boards ...string) ResourceKey {
	seen := make(map[string]bool, len(boards))
	members := make([]string, 0, len(boards))
	for _, b := range boards {
		b = strings.TrimSpace(b)
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		members = append(members, b)
	}
	sort.Strings(members)
	return ResourceKey{Kind: KindCompositeCatalog, Site: site, Board: strings.Join(members, compositeSeparator)}
}

// Boards returns the boards the key covers
func (k ResourceKey) Boards() []string {
	if k.Kind != KindCompositeCatalog {
		return []string{k.Board}
	}
	if k.Board == "" {
		return nil
	}
	return strings.Split(k.Board, compositeSeparator)
}

// Members returns the catalog keys of a composite key, or the key itself otherwise
func (k ResourceKey) Members() []ResourceKey {
	if k.Kind != KindCompositeCatalog {
		return []ResourceKey{k}
	}
	boards := k.Boards()
	members := make([]ResourceKey, 0, len(boards))
	for _, b := range boards {
		members = append(members, CatalogKey(k.Site, b))
	}
	return members
}

// String renders the key as site/board[/no]
func (k ResourceKey) String() string {
	switch k.Kind {
	case KindThread:
		return k.Site + "/" + k.Board + "/" + strconv.FormatInt(k.ThreadNo, 10)
	case KindCompositeCatalog:
		return k.Site + "/" + k.Board + "/composite"
	default:
		return k.Site + "/" + k.Board
	}
}

// Validate checks that the key carries the payload its kind requires
func (k ResourceKey) Validate() error {
	if k.Site == "" {
		return NewValidationError("site", "site is required")
	}
	if k.Board == "" {
		return NewValidationError("board", "board is required")
	}
	switch k.Kind {
	case KindThread:
		if k.ThreadNo <= 0 {
			return NewValidationErrorWithValue("thread_no", "thread number must be positive", k.ThreadNo)
		}
	case KindCatalog, KindCompositeCatalog:
		if k.ThreadNo != 0 {
			return NewValidationErrorWithValue("thread_no", "catalog keys carry no thread number", k.ThreadNo)
		}
	default:
		return NewValidationErrorWithValue("kind", "unknown resource kind", int(k.Kind))
	}
	return nil
}

// Post is a single item of a thread or catalog, ordered by No
type Post struct {
	No         int64     `json:"no"`
	ReplyTo    int64     `json:"resto,omitempty"`
	Board      string    `json:"board,omitempty"`
	Time       time.Time `json:"time"`
	Name       string    `json:"name,omitempty"`
	Subject    string    `json:"sub,omitempty"`
	RawComment string    `json:"raw_comment,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	Replies    int       `json:"replies,omitempty"`
}

// Snapshot is the locally held ordered collection of posts for one resource
type Snapshot struct {
	Key          ResourceKey `json:"key"`
	Posts        []Post      `json:"posts"`
	LastModified string      `json:"last_modified,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
	AccessedAt   time.Time   `json:"accessed_at"`
	Version      int64       `json:"version"`
	Stale        bool        `json:"stale,omitempty"`
}

// Clone returns a deep copy so callers never share the stored post slice
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Posts = make([]Post, len(s.Posts))
	copy(c.Posts, s.Posts)
	return &c
}

// PostCount returns the number of posts
func (s *Snapshot) PostCount() int {
	if s == nil {
		return 0
	}
	return len(s.Posts)
}

// IsEmpty reports whether the snapshot is missing or holds no posts
func (s *Snapshot) IsEmpty() bool {
	return s.PostCount() == 0
}

// PostNos returns the post numbers in stored order
func (s *Snapshot) PostNos() []int64 {
	if s == nil {
		return nil
	}
	nos := make([]int64, len(s.Posts))
	for i, p := range s.Posts {
		nos[i] = p.No
	}
	return nos
}

// Delta is a fetched or reparsed change set merged into a snapshot.
// A zero FetchedAt leaves the snapshot's update time untouched.
type Delta struct {
	Posts        []Post
	LastModified string
	Replace      bool
	FetchedAt    time.Time
}

// CachePolicyKind selects how stale a cached snapshot may be
type CachePolicyKind int

const (
	PolicyDoNotUpdate CachePolicyKind = iota
	PolicyUpdateIfStale
	PolicyForceUpdate
)

// CacheUpdatePolicy controls whether a load may reuse the cached snapshot
type CacheUpdatePolicy struct {
	Kind   CachePolicyKind
	MaxAge time.Duration
}

// DoNotUpdate reuses any cached snapshot
func DoNotUpdate() CacheUpdatePolicy {
	return CacheUpdatePolicy{Kind: PolicyDoNotUpdate}
}

// UpdateIfStale refreshes snapshots last updated more than maxAge ago
func UpdateIfStale(maxAge time.Duration) CacheUpdatePolicy {
	return CacheUpdatePolicy{Kind: PolicyUpdateIfStale, MaxAge: maxAge}
}

// ForceUpdate always refreshes from the network
func ForceUpdate() CacheUpdatePolicy {
	return CacheUpdatePolicy{Kind: PolicyForceUpdate}
}

// String returns the textual form accepted by ParseCacheUpdatePolicy
func (p CacheUpdatePolicy) String() string {
	switch p.Kind {
	case PolicyDoNotUpdate:
		return "cache"
	case PolicyUpdateIfStale:
		return "stale:" + p.MaxAge.String()
	case PolicyForceUpdate:
		return "force"
	default:
		return "unknown"
	}
}

// ParseCacheUpdatePolicy parses "cache", "force" or "stale:<duration>"
func ParseCacheUpdatePolicy(s string) (CacheUpdatePolicy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "cache":
		return DoNotUpdate(), nil
	case s == "force":
		return ForceUpdate(), nil
	case strings.HasPrefix(s, "stale:"):
		d, err := time.ParseDuration(strings.TrimPrefix(s, "stale:"))
		if err != nil {
			return CacheUpdatePolicy{}, fmt.Errorf("invalid max age: %w", err)
		}
		if d < 0 {
			return CacheUpdatePolicy{}, fmt.Errorf("max age cannot be negative: %s", d)
		}
		return UpdateIfStale(d), nil
	default:
		return CacheUpdatePolicy{}, fmt.Errorf("unknown cache policy %q (use cache, force or stale:<duration>)", s)
	}
}

// LoadOptionKind selects an extra action performed around a load
type LoadOptionKind int

const (
	OptionRetainAll LoadOptionKind = iota
	OptionClearMemoryCache
	OptionForceUpdatePosts
)

// LoadOptions describes whether posts must be reparsed or the cache entry cleared first.
// ForceUpdatePosts with no post numbers reparses every post.
type LoadOptions struct {
	Kind    LoadOptionKind
	PostNos []int64
}

// RetainAll keeps the cached entry as is
func RetainAll() LoadOptions {
	return LoadOptions{Kind: OptionRetainAll}
}

// ClearMemoryCache evicts the cached entry before loading
func ClearMemoryCache() LoadOptions {
	return LoadOptions{Kind: OptionClearMemoryCache}
}

// ForceUpdatePosts reparses the given posts, or all posts when none are given
func ForceUpdatePosts(nos ...int64) LoadOptions {
	return LoadOptions{Kind: OptionForceUpdatePosts, PostNos: nos}
}

// CanClearCache reports whether the cached entry must be evicted first
func (o LoadOptions) CanClearCache() bool {
	return o.Kind == OptionClearMemoryCache
}

// ForcesReparse reports whether cached posts must be run through the reparse path
func (o LoadOptions) ForcesReparse() bool {
	return o.Kind == OptionForceUpdatePosts
}

// Selects reports whether post no is covered by a ForceUpdatePosts option
func (o LoadOptions) Selects(no int64) bool {
	if o.Kind != OptionForceUpdatePosts {
		return false
	}
	if len(o.PostNos) == 0 {
		return true
	}
	for _, n := range o.PostNos {
		if n == no {
			return true
		}
	}
	return false
}

// String returns a short description of the option
func (o LoadOptions) String() string {
	switch o.Kind {
	case OptionRetainAll:
		return "retain-all"
	case OptionClearMemoryCache:
		return "clear-memory-cache"
	case OptionForceUpdatePosts:
		if len(o.PostNos) == 0 {
			return "force-update-posts(all)"
		}
		return fmt.Sprintf("force-update-posts(%d)", len(o.PostNos))
	default:
		return "unknown"
	}
}

// CacheFreshnessDecision is computed per load and never persisted
type CacheFreshnessDecision int

const (
	DecisionReuse CacheFreshnessDecision = iota
	DecisionRefreshFromStore
	DecisionRefreshFromNetwork
)

// String returns the string representation of CacheFreshnessDecision
func (d CacheFreshnessDecision) String() string {
	switch d {
	case DecisionReuse:
		return "Reuse"
	case DecisionRefreshFromStore:
		return "RefreshFromStore"
	case DecisionRefreshFromNetwork:
		return "RefreshFromNetwork"
	default:
		return "Unknown"
	}
}

// LoadStatus tags a LoadResult
type LoadStatus int

const (
	LoadStatusLoaded LoadStatus = iota
	LoadStatusError
)

// LoadResult is the tagged outcome of a single resource load
type LoadResult struct {
	Status   LoadStatus
	Key      ResourceKey
	Snapshot *Snapshot
	Decision CacheFreshnessDecision
	Err      error
}

// Loaded builds a successful result
func Loaded(key ResourceKey, snap *Snapshot, decision CacheFreshnessDecision) LoadResult {
	return LoadResult{Status: LoadStatusLoaded, Key: key, Snapshot: snap, Decision: decision}
}

// Failed builds an error result
func Failed(key ResourceKey, decision CacheFreshnessDecision, err error) LoadResult {
	return LoadResult{Status: LoadStatusError, Key: key, Decision: decision, Err: err}
}

// IsLoaded reports whether the result carries a snapshot
func (r LoadResult) IsLoaded() bool {
	return r.Status == LoadStatusLoaded
}

// Kind returns the error type of a failed result
func (r LoadResult) Kind() ErrorType {
	if r.Status == LoadStatusLoaded {
		return ErrNone
	}
	return ErrorTypeOf(r.Err)
}
