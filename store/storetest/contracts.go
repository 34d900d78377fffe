// Package storetest holds the behaviour every internal.ResourceStore must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"chansync/internal"
)

type CleanupFunc = func()

type ResourceStoreFactory func(t *testing.T) (internal.ResourceStore, CleanupFunc)

// baseTime is whole seconds so every backend round-trips it exactly
var baseTime = time.Unix(1700000000, 0).UTC()

func post(no int64, comment string) internal.Post {
	return internal.Post{
		No:         no,
		Board:      "g",
		Time:       baseTime.Add(time.Duration(no) * time.Second),
		RawComment: comment,
		Comment:    comment,
	}
}

// uniqueKeys returns keys no other run has used, so shared databases need no truncation
func uniqueKeys() (thread, catalog internal.ResourceKey) {
	site := "contract-" + uuid.NewString()
	return internal.ThreadKey(site, "g", 100), internal.CatalogKey(site, "g")
}

func RunResourceStore(t *testing.T, newStore ResourceStoreFactory) {
	t.Helper()

	t.Run("ReadAbsent", func(t *testing.T) {
		store := open(t, newStore)
		key, _ := uniqueKeys()
		ctx := context.Background()

		snap, err := store.Read(ctx, key)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if snap != nil {
			t.Fatalf("expected nil snapshot, got %+v", snap)
		}
		if _, ok, err := store.LastUpdateTime(ctx, key); err != nil || ok {
			t.Fatalf("LastUpdateTime: ok=%v err=%v", ok, err)
		}
		if err := store.Touch(ctx, key, baseTime); err != nil {
			t.Fatalf("Touch on absent key: %v", err)
		}
	})

	t.Run("MergeSortsAndVersions", func(t *testing.T) {
		store := open(t, newStore)
		key, _ := uniqueKeys()
		ctx := context.Background()

		got, err := store.Merge(ctx, key, internal.Delta{
			Posts:        []internal.Post{post(103, "c"), post(101, "a"), post(102, "b")},
			LastModified: "lm-1",
			FetchedAt:    baseTime,
		})
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		assertNos(t, got.PostNos(), 101, 102, 103)
		if got.Version != 1 || got.LastModified != "lm-1" || !got.UpdatedAt.Equal(baseTime) {
			t.Fatalf("unexpected metadata: version=%d lm=%q updated=%v", got.Version, got.LastModified, got.UpdatedAt)
		}

		read, err := store.Read(ctx, key)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		assertSame(t, got, read)

		updated, ok, err := store.LastUpdateTime(ctx, key)
		if err != nil || !ok || !updated.Equal(baseTime) {
			t.Fatalf("LastUpdateTime = %v, %v, %v", updated, ok, err)
		}
	})

	t.Run("MergeIsIdempotent", func(t *testing.T) {
		store := open(t, newStore)
		key, _ := uniqueKeys()
		ctx := context.Background()

		delta := internal.Delta{
			Posts:        []internal.Post{post(5, "e"), post(1, "a")},
			LastModified: "lm",
			FetchedAt:    baseTime,
		}
		first, err := store.Merge(ctx, key, delta)
		if err != nil {
			t.Fatalf("first Merge: %v", err)
		}
		second, err := store.Merge(ctx, key, delta)
		if err != nil {
			t.Fatalf("second Merge: %v", err)
		}
		assertSame(t, first, second)
	})

	t.Run("MergeUpserts", func(t *testing.T) {
		store := open(t, newStore)
		key, _ := uniqueKeys()
		ctx := context.Background()

		if _, err := store.Merge(ctx, key, internal.Delta{Posts: []internal.Post{post(1, "a"), post(3, "c")}, FetchedAt: baseTime}); err != nil {
			t.Fatalf("Merge: %v", err)
		}
		later := baseTime.Add(time.Minute)
		got, err := store.Merge(ctx, key, internal.Delta{Posts: []internal.Post{post(2, "b"), post(3, "c2")}, FetchedAt: later})
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		assertNos(t, got.PostNos(), 1, 2, 3)
		if got.Posts[2].Comment != "c2" {
			t.Fatalf("post 3 should be replaced, got %q", got.Posts[2].Comment)
		}
		if got.Version != 2 || !got.UpdatedAt.Equal(later) {
			t.Fatalf("unexpected metadata: version=%d updated=%v", got.Version, got.UpdatedAt)
		}
	})

	t.Run("MergeReplace", func(t *testing.T) {
		store := open(t, newStore)
		_, key := uniqueKeys()
		ctx := context.Background()

		if _, err := store.Merge(ctx, key, internal.Delta{Posts: []internal.Post{post(1, "a"), post(2, "b")}, FetchedAt: baseTime}); err != nil {
			t.Fatalf("Merge: %v", err)
		}
		got, err := store.Merge(ctx, key, internal.Delta{Posts: []internal.Post{post(4, "d"), post(3, "c")}, Replace: true, FetchedAt: baseTime})
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		assertNos(t, got.PostNos(), 3, 4)
	})

	t.Run("TouchKeepsPosts", func(t *testing.T) {
		store := open(t, newStore)
		key, _ := uniqueKeys()
		ctx := context.Background()

		merged, err := store.Merge(ctx, key, internal.Delta{Posts: []internal.Post{post(1, "a")}, FetchedAt: baseTime})
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		accessed := baseTime.Add(time.Hour)
		if err := store.Touch(ctx, key, accessed); err != nil {
			t.Fatalf("Touch: %v", err)
		}
		got, err := store.Read(ctx, key)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !got.AccessedAt.Equal(accessed) {
			t.Fatalf("AccessedAt = %v, want %v", got.AccessedAt, accessed)
		}
		if got.Version != merged.Version || !got.UpdatedAt.Equal(merged.UpdatedAt) {
			t.Fatal("Touch must not change version or update time")
		}
	})

	t.Run("Evict", func(t *testing.T) {
		store := open(t, newStore)
		key, other := uniqueKeys()
		ctx := context.Background()

		for _, k := range []internal.ResourceKey{key, other} {
			if _, err := store.Merge(ctx, k, internal.Delta{Posts: []internal.Post{post(1, "a")}, FetchedAt: baseTime}); err != nil {
				t.Fatalf("Merge: %v", err)
			}
		}
		if err := store.Evict(ctx, key); err != nil {
			t.Fatalf("Evict: %v", err)
		}
		if snap, _ := store.Read(ctx, key); snap != nil {
			t.Fatal("evicted snapshot still readable")
		}
		if _, ok, _ := store.LastUpdateTime(ctx, key); ok {
			t.Fatal("evicted snapshot still has an update time")
		}
		if snap, _ := store.Read(ctx, other); snap == nil {
			t.Fatal("evicting one key must not affect another")
		}
		if err := store.Evict(ctx, key); err != nil {
			t.Fatalf("evicting an absent key should succeed: %v", err)
		}
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		store := open(t, newStore)
		key, _ := uniqueKeys()
		ctx := context.Background()

		merged, err := store.Merge(ctx, key, internal.Delta{Posts: []internal.Post{post(1, "a")}, FetchedAt: baseTime})
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		merged.Posts[0].Comment = "mutated"

		read, _ := store.Read(ctx, key)
		read.Posts[0].Comment = "mutated again"

		again, _ := store.Read(ctx, key)
		if again.Posts[0].Comment != "a" {
			t.Fatalf("store shares memory with callers: %q", again.Posts[0].Comment)
		}
	})

	t.Run("ConcurrentMerges", func(t *testing.T) {
		store := open(t, newStore)
		key, _ := uniqueKeys()
		ctx := context.Background()

		const writers = 10
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 1; i <= writers; i++ {
			wg.Add(1)
			go func(no int64) {
				defer wg.Done()
				_, err := store.Merge(ctx, key, internal.Delta{Posts: []internal.Post{post(no, fmt.Sprint(no))}, FetchedAt: baseTime})
				errs <- err
			}(int64(i))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("Merge: %v", err)
			}
		}

		got, err := store.Read(ctx, key)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if got.PostCount() != writers || !internal.PostsOrdered(got.PostNos()) {
			t.Fatalf("lost or unordered merges: %v", got.PostNos())
		}
		if got.Version != writers {
			t.Fatalf("Version = %d, want %d", got.Version, writers)
		}
	})
}

func open(t *testing.T, newStore ResourceStoreFactory) internal.ResourceStore {
	t.Helper()
	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return store
}

func assertNos(t *testing.T, got []int64, want ...int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("post numbers = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("post numbers = %v, want %v", got, want)
		}
	}
}

func assertSame(t *testing.T, a, b *internal.Snapshot) {
	t.Helper()
	if a == nil || b == nil {
		t.Fatalf("nil snapshot: %v %v", a, b)
	}
	assertNos(t, b.PostNos(), a.PostNos()...)
	if a.Version != b.Version || a.LastModified != b.LastModified || !a.UpdatedAt.Equal(b.UpdatedAt) {
		t.Fatalf("snapshots differ: %+v vs %+v", a, b)
	}
	for i := range a.Posts {
		if a.Posts[i].Comment != b.Posts[i].Comment || !a.Posts[i].Time.Equal(b.Posts[i].Time) {
			t.Fatalf("post %d differs: %+v vs %+v", a.Posts[i].No, a.Posts[i], b.Posts[i])
		}
	}
}
