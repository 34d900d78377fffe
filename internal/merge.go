package internal

import (
	"sort"
	"time"
)

// ApplyDelta merges delta into a copy of current and returns the result.
// Posts are upserted by No (or replaced wholesale when delta.Replace is set) and kept sorted
// by No. Applying the same delta twice yields the same snapshot as applying it once: the
// version only moves when the post set or the last-modified marker actually changes.
// current may be nil.
func ApplyDelta(key ResourceKey, current *Snapshot, delta Delta) *Snapshot {
	next := current.Clone()
	if next == nil {
		next = &Snapshot{Key: key}
	}

	var posts []Post
	if delta.Replace {
		posts = make([]Post, 0, len(delta.Posts))
		posts = upsertPosts(posts, delta.Posts)
	} else {
		posts = upsertPosts(next.Posts, delta.Posts)
	}
	SortPosts(posts)

	var previous []Post
	if current != nil {
		previous = current.Posts
	}
	changed := !postsEqual(posts, previous)
	next.Posts = posts
	if delta.LastModified != "" && delta.LastModified != next.LastModified {
		next.LastModified = delta.LastModified
		changed = true
	}
	if changed || current == nil {
		next.Version++
	}
	if !delta.FetchedAt.IsZero() && delta.FetchedAt.After(next.UpdatedAt) {
		next.UpdatedAt = delta.FetchedAt.UTC()
	}
	next.Key = key
	next.Stale = false
	return next
}

// upsertPosts replaces posts with matching numbers and appends the rest.
// Within incoming the last post with a given number wins.
func upsertPosts(dst []Post, incoming []Post) []Post {
	index := make(map[int64]int, len(dst))
	for i, p := range dst {
		index[p.No] = i
	}
	for _, p := range incoming {
		if i, ok := index[p.No]; ok {
			dst[i] = p
			continue
		}
		index[p.No] = len(dst)
		dst = append(dst, p)
	}
	return dst
}

func postsEqual(a, b []Post) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if !x.Time.Equal(y.Time) {
			return false
		}
		x.Time, y.Time = time.Time{}, time.Time{}
		if x != y {
			return false
		}
	}
	return true
}

// SortPosts orders posts by No, stable for equal numbers
func SortPosts(posts []Post) {
	sort.SliceStable(posts, func(i, j int) bool { return posts[i].No < posts[j].No })
}

// PostsOrdered reports whether nos is non-decreasing
func PostsOrdered(nos []int64) bool {
	for i := 1; i < len(nos); i++ {
		if nos[i] < nos[i-1] {
			return false
		}
	}
	return true
}

// Touch returns a copy of snap with its access time set
func Touch(snap *Snapshot, at time.Time) *Snapshot {
	c := snap.Clone()
	if c != nil {
		c.AccessedAt = at.UTC()
	}
	return c
}
