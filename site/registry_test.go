package site

import (
	"os"
	"path/filepath"
	"testing"
)

func testSite(name, apiBase string, hosts ...string) Site {
	return Site{
		Name:        name,
		Hosts:       hosts,
		APIBase:     apiBase,
		ThreadPath:  "/{board}/thread/{no}.json",
		CatalogPath: "/{board}/catalog.json",
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		host string
		want string
		ok   bool
	}{
		{"boards.4chan.org", "4chan", true},
		{"BOARDS.4CHANNEL.ORG", "4chan", true},
		{"a.4cdn.org", "4chan", true},
		{"example.org", "", false},
	}
	for _, tt := range tests {
		got, ok := r.SiteForHost(tt.host)
		if got != tt.want || ok != tt.ok {
			t.Errorf("SiteForHost(%q) = %q, %v; want %q, %v", tt.host, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSite_URLs(t *testing.T) {
	s := testSite("test", "https://api.example.org/")

	if got := s.ThreadURL("g", 42); got != "https://api.example.org/g/thread/42.json" {
		t.Errorf("ThreadURL() = %q", got)
	}
	if got := s.CatalogURL("g"); got != "https://api.example.org/g/catalog.json" {
		t.Errorf("CatalogURL() = %q", got)
	}
}

func TestSite_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Site)
	}{
		{"empty_name", func(s *Site) { s.Name = "" }},
		{"relative_api_base", func(s *Site) { s.APIBase = "/api" }},
		{"ftp_api_base", func(s *Site) { s.APIBase = "ftp://api.example.org" }},
		{"thread_path_without_no", func(s *Site) { s.ThreadPath = "/{board}/thread.json" }},
		{"catalog_path_without_board", func(s *Site) { s.CatalogPath = "/catalog.json" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSite("test", "https://api.example.org")
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRegistry_HostConflict(t *testing.T) {
	r, err := NewRegistry(testSite("one", "https://api.one.org", "boards.shared.org"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register(testSite("two", "https://api.two.org", "boards.shared.org")); err == nil {
		t.Error("expected conflict for a host owned by another site")
	}

	// Re-registering the same site replaces its hosts
	if err := r.Register(testSite("one", "https://api.one.org", "boards.one.org")); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if _, ok := r.SiteForHost("boards.shared.org"); ok {
		t.Error("old host should be released after re-registration")
	}
	if name, ok := r.SiteForHost("boards.one.org"); !ok || name != "one" {
		t.Errorf("SiteForHost(boards.one.org) = %q, %v", name, ok)
	}
}

func TestRegistry_ChallengeEndpoint(t *testing.T) {
	s := testSite("test", "https://api.example.org", "boards.example.org")
	s.ChallengeEndpoint = "https://boards.example.org/challenge"
	r, err := NewRegistry(s)
	if err != nil {
		t.Fatal(err)
	}

	if got := r.ChallengeEndpoint("boards.example.org"); got != s.ChallengeEndpoint {
		t.Errorf("ChallengeEndpoint() = %q", got)
	}
	if got := r.ChallengeEndpoint("unknown.org"); got != "" {
		t.Errorf("unknown host should have no endpoint, got %q", got)
	}
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.yaml")
	content := `sites:
  - name: lain
    hosts: [lainchan.example.org]
    api_base: https://lainchan.example.org
    thread_path: /{board}/res/{no}.json
    catalog_path: /{board}/catalog.json
    challenge_endpoint: https://lainchan.example.org/
  - name: wired
    hosts: [wired.example.org]
    api_base: https://api.wired.example.org
    thread_path: /{board}/thread/{no}.json
    catalog_path: /{board}/catalog.json
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "lain" || names[1] != "wired" {
		t.Errorf("Names() = %v", names)
	}
	lain, ok := r.Site("lain")
	if !ok {
		t.Fatal("lain should be registered")
	}
	if got := lain.ThreadURL("tech", 7); got != "https://lainchan.example.org/tech/res/7.json" {
		t.Errorf("ThreadURL() = %q", got)
	}
	if name, _ := r.SiteForHost("api.wired.example.org"); name != "wired" {
		t.Errorf("API host should resolve to its site, got %q", name)
	}
}

func TestLoadRegistry_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadRegistry(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(dir, "empty.yaml")
	os.WriteFile(empty, []byte("sites: []\n"), 0o600)
	if _, err := LoadRegistry(empty); err == nil {
		t.Error("expected error for file without sites")
	}

	broken := filepath.Join(dir, "broken.yaml")
	os.WriteFile(broken, []byte("sites: [\n"), 0o600)
	if _, err := LoadRegistry(broken); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
