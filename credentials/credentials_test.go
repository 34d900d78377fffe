package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chansync/internal"
)

// store is the surface every credential backend offers
type store interface {
	internal.CredentialStore
	internal.ConditionalClearer
	Hosts(ctx context.Context) ([]string, error)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, ""), mr
}

func TestCredentialStores(t *testing.T) {
	factories := map[string]func(t *testing.T) store{
		"memory": func(t *testing.T) store { return NewMemoryStore() },
		"redis": func(t *testing.T) store {
			s, _ := newRedisStore(t)
			return s
		},
		"file": func(t *testing.T) store {
			s, err := OpenFileStore(filepath.Join(t.TempDir(), "credentials.yaml"))
			if err != nil {
				t.Fatalf("OpenFileStore: %v", err)
			}
			return s
		},
	}

	for name, newStore := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			if v, err := s.Get(ctx, "boards.example.org"); err != nil || v != "" {
				t.Fatalf("Get on empty store = %q, %v", v, err)
			}

			if err := s.Set(ctx, "Boards.Example.org", "token-1"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if v, _ := s.Get(ctx, "boards.example.org"); v != "token-1" {
				t.Fatalf("hosts should be case-insensitive, got %q", v)
			}

			cleared, err := s.ClearIf(ctx, "boards.example.org", "stale-token")
			if err != nil || cleared {
				t.Fatalf("ClearIf with a stale value = %v, %v", cleared, err)
			}
			if v, _ := s.Get(ctx, "boards.example.org"); v != "token-1" {
				t.Fatalf("ClearIf with a stale value must keep the credential, got %q", v)
			}

			cleared, err = s.ClearIf(ctx, "boards.example.org", "token-1")
			if err != nil || !cleared {
				t.Fatalf("ClearIf with the current value = %v, %v", cleared, err)
			}
			if v, _ := s.Get(ctx, "boards.example.org"); v != "" {
				t.Fatalf("credential should be gone, got %q", v)
			}

			s.Set(ctx, "a.example.org", "x")
			s.Set(ctx, "b.example.org", "y")
			if err := s.Clear(ctx, "a.example.org"); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if err := s.Clear(ctx, "missing.example.org"); err != nil {
				t.Fatalf("Clear of a missing host: %v", err)
			}
			hosts, err := s.Hosts(ctx)
			if err != nil || len(hosts) != 1 || hosts[0] != "b.example.org" {
				t.Fatalf("Hosts() = %v, %v", hosts, err)
			}

			if err := s.Set(ctx, "b.example.org", ""); err != nil {
				t.Fatalf("Set empty: %v", err)
			}
			if v, _ := s.Get(ctx, "b.example.org"); v != "" {
				t.Fatalf("setting an empty value should clear, got %q", v)
			}
		})
	}
}

func TestRedisStore_SharedBetweenClients(t *testing.T) {
	first, mr := newRedisStore(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	second := NewRedisStore(rdb, "")
	ctx := context.Background()

	if err := first.Set(ctx, "boards.example.org", "shared"); err != nil {
		t.Fatal(err)
	}
	if v, _ := second.Get(ctx, "boards.example.org"); v != "shared" {
		t.Errorf("second client should see the credential, got %q", v)
	}
	if got := mr.HGet(DefaultRedisKey, "boards.example.org"); got != "shared" {
		t.Errorf("credential should live in the %s hash, got %q", DefaultRedisKey, got)
	}
}

func TestRedisStore_ServerDown(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	if _, err := s.Get(context.Background(), "boards.example.org"); internal.ErrorTypeOf(err) != internal.ErrStore {
		t.Errorf("expected a store error, got %v", err)
	}
}

func TestFileStore_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.yaml")
	ctx := context.Background()

	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "boards.example.org", "token-1"); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := reopened.Get(ctx, "boards.example.org"); v != "token-1" {
		t.Errorf("credential should survive a reopen, got %q", v)
	}
}

func TestFileStore_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	if err := os.WriteFile(path, []byte("credentials: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileStore(path); internal.ErrorTypeOf(err) != internal.ErrStore {
		t.Errorf("expected a store error, got %v", err)
	}
}

func TestFileStore_WatchPicksUpExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	reloaded := make(chan map[string]string, 16)
	if err := s.Watch(func(values map[string]string) { reloaded <- values }); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := s.Watch(nil); err == nil {
		t.Error("second Watch should fail")
	}

	content := "credentials:\n  boards.example.org: pasted-token\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case values := <-reloaded:
			if values["boards.example.org"] != "pasted-token" {
				continue
			}
			if v, _ := s.Get(context.Background(), "boards.example.org"); v != "pasted-token" {
				t.Fatalf("Get after reload = %q", v)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for the credentials reload")
		}
	}
}
