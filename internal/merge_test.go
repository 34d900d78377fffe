package internal

import (
	"testing"
	"time"
)

func post(no int64, comment string) Post {
	return Post{No: no, RawComment: comment, Comment: comment, Time: time.Unix(1700000000+no, 0).UTC()}
}

func TestApplyDelta_KeepsPostsOrdered(t *testing.T) {
	key := ThreadKey("a", "g", 1)
	fetched := time.Unix(1700001000, 0)

	deltas := []Delta{
		{Posts: []Post{post(5, "e"), post(1, "a"), post(3, "c")}, FetchedAt: fetched},
		{Posts: []Post{post(2, "b"), post(9, "i")}, FetchedAt: fetched.Add(time.Second)},
		{Posts: []Post{post(4, "d"), post(1, "a2")}, FetchedAt: fetched.Add(2 * time.Second)},
	}

	var snap *Snapshot
	for i, d := range deltas {
		snap = ApplyDelta(key, snap, d)
		if !PostsOrdered(snap.PostNos()) {
			t.Fatalf("after merge %d posts out of order: %v", i, snap.PostNos())
		}
	}

	want := []int64{1, 2, 3, 4, 5, 9}
	got := snap.PostNos()
	if len(got) != len(want) {
		t.Fatalf("PostNos() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PostNos() = %v, want %v", got, want)
		}
	}
	if snap.Posts[0].Comment != "a2" {
		t.Errorf("post 1 should be upserted, got comment %q", snap.Posts[0].Comment)
	}
	if !snap.UpdatedAt.Equal(fetched.Add(2 * time.Second)) {
		t.Errorf("UpdatedAt = %v, want last fetch time", snap.UpdatedAt)
	}
}

func TestApplyDelta_Idempotent(t *testing.T) {
	key := ThreadKey("a", "g", 1)
	base := ApplyDelta(key, nil, Delta{Posts: []Post{post(1, "op")}, FetchedAt: time.Unix(100, 0)})

	delta := Delta{
		Posts:        []Post{post(3, "c"), post(2, "b")},
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
		FetchedAt:    time.Unix(200, 0),
	}

	once := ApplyDelta(key, base, delta)
	twice := ApplyDelta(key, once, delta)

	if once.Version != twice.Version {
		t.Errorf("Version moved on identical merge: %d -> %d", once.Version, twice.Version)
	}
	if !once.UpdatedAt.Equal(twice.UpdatedAt) || once.LastModified != twice.LastModified {
		t.Error("metadata changed on identical merge")
	}
	if !postsEqual(once.Posts, twice.Posts) {
		t.Errorf("posts differ: %v vs %v", once.PostNos(), twice.PostNos())
	}
}

func TestApplyDelta_ReplaceDropsMissingPosts(t *testing.T) {
	key := CatalogKey("a", "g")
	snap := ApplyDelta(key, nil, Delta{Posts: []Post{post(1, ""), post(2, ""), post(3, "")}})
	snap = ApplyDelta(key, snap, Delta{Posts: []Post{post(3, ""), post(4, "")}, Replace: true})

	got := snap.PostNos()
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("PostNos() = %v, want [3 4]", got)
	}
}

func TestApplyDelta_DoesNotMutateInput(t *testing.T) {
	key := ThreadKey("a", "g", 1)
	snap := ApplyDelta(key, nil, Delta{Posts: []Post{post(1, "op")}})
	before := snap.Clone()

	_ = ApplyDelta(key, snap, Delta{Posts: []Post{post(1, "edited"), post(2, "reply")}})

	if !postsEqual(before.Posts, snap.Posts) || before.Version != snap.Version {
		t.Error("ApplyDelta must not modify the current snapshot")
	}
}

func TestApplyDelta_ZeroFetchedAtKeepsUpdateTime(t *testing.T) {
	key := ThreadKey("a", "g", 1)
	updated := time.Unix(500, 0).UTC()
	snap := ApplyDelta(key, nil, Delta{Posts: []Post{post(1, "op")}, FetchedAt: updated})

	reparsed := ApplyDelta(key, snap, Delta{Posts: []Post{post(1, "OP")}})
	if !reparsed.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want %v", reparsed.UpdatedAt, updated)
	}
	if reparsed.Version != snap.Version+1 {
		t.Errorf("Version = %d, want %d", reparsed.Version, snap.Version+1)
	}
}

func TestPostsOrdered(t *testing.T) {
	tests := []struct {
		name string
		nos  []int64
		want bool
	}{
		{"empty", nil, true},
		{"single", []int64{4}, true},
		{"ascending", []int64{1, 2, 10}, true},
		{"repeated", []int64{1, 1, 2}, true},
		{"descending", []int64{3, 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PostsOrdered(tt.nos); got != tt.want {
				t.Errorf("PostsOrdered(%v) = %v, want %v", tt.nos, got, tt.want)
			}
		})
	}
}
