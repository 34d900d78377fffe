package site

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"chansync/internal"
)

const (
	boardPlaceholder = "{board}"
	noPlaceholder    = "{no}"
)

// Site describes how to reach one imageboard
type Site struct {
	Name              string   `yaml:"name"`
	Hosts             []string `yaml:"hosts"`
	APIBase           string   `yaml:"api_base"`
	ThreadPath        string   `yaml:"thread_path"`
	CatalogPath       string   `yaml:"catalog_path"`
	ChallengeEndpoint string   `yaml:"challenge_endpoint,omitempty"`
}

// Validate checks that the site can build endpoint URLs
func (s *Site) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return internal.NewValidationError("name", "site name cannot be empty")
	}
	u, err := url.Parse(s.APIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return internal.NewValidationErrorWithValue("api_base", "API base must be an absolute http(s) URL", s.APIBase).
			WithContext("site", s.Name)
	}
	if !strings.Contains(s.ThreadPath, boardPlaceholder) || !strings.Contains(s.ThreadPath, noPlaceholder) {
		return internal.NewValidationErrorWithValue("thread_path", "thread path must contain {board} and {no}", s.ThreadPath).
			WithContext("site", s.Name)
	}
	if !strings.Contains(s.CatalogPath, boardPlaceholder) {
		return internal.NewValidationErrorWithValue("catalog_path", "catalog path must contain {board}", s.CatalogPath).
			WithContext("site", s.Name)
	}
	return nil
}

// ThreadURL returns the thread endpoint for board and thread number
func (s *Site) ThreadURL(board string, no int64) string {
	path := strings.ReplaceAll(s.ThreadPath, boardPlaceholder, url.PathEscape(board))
	path = strings.ReplaceAll(path, noPlaceholder, strconv.FormatInt(no, 10))
	return strings.TrimRight(s.APIBase, "/") + path
}

// CatalogURL returns the catalog endpoint for board
func (s *Site) CatalogURL(board string) string {
	path := strings.ReplaceAll(s.CatalogPath, boardPlaceholder, url.PathEscape(board))
	return strings.TrimRight(s.APIBase, "/") + path
}

// apiHost returns the lowercased host of the API base
func (s *Site) apiHost() string {
	u, err := url.Parse(s.APIBase)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// DefaultSites returns the built-in site definitions
func DefaultSites() []Site {
	return []Site{
		{
			Name:        "4chan",
			Hosts:       []string{"boards.4chan.org", "boards.4channel.org", "find.4chan.org", "find.4channel.org", "sys.4chan.org"},
			APIBase:     "https://a.4cdn.org",
			ThreadPath:  "/{board}/thread/{no}.json",
			CatalogPath: "/{board}/catalog.json",
		},
	}
}

// Registry indexes sites by name and by host
type Registry struct {
	mu        sync.RWMutex
	sites     map[string]*Site
	hostIndex map[string]string
}

// NewRegistry creates a registry holding sites
func NewRegistry(sites ...Site) (*Registry, error) {
	r := &Registry{
		sites:     make(map[string]*Site),
		hostIndex: make(map[string]string),
	}
	for _, s := range sites {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry of DefaultSites
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultSites()...)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in site definition: %v", err))
	}
	return r
}

type registryFile struct {
	Sites []Site `yaml:"sites"`
}

// LoadRegistry reads site definitions from a YAML file
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sites file %s: %w", path, err)
	}
	if len(file.Sites) == 0 {
		return nil, internal.NewValidationErrorWithValue("sites", "sites file defines no sites", path)
	}
	return NewRegistry(file.Sites...)
}

// Register adds or replaces a site. Hosts already claimed by another site are rejected.
func (r *Registry) Register(s Site) error {
	if err := s.Validate(); err != nil {
		return err
	}

	hosts := make([]string, 0, len(s.Hosts)+1)
	for _, h := range s.Hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	if h := s.apiHost(); h != "" {
		hosts = append(hosts, h)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range hosts {
		if owner, ok := r.hostIndex[h]; ok && owner != s.Name {
			return internal.NewValidationErrorWithValue("hosts", fmt.Sprintf("host already belongs to site %s", owner), h).
				WithContext("site", s.Name)
		}
	}

	if old, ok := r.sites[s.Name]; ok {
		for _, h := range old.Hosts {
			delete(r.hostIndex, strings.ToLower(h))
		}
		delete(r.hostIndex, old.apiHost())
	}

	site := s
	site.Hosts = hosts
	r.sites[s.Name] = &site
	for _, h := range hosts {
		r.hostIndex[h] = s.Name
	}
	return nil
}

// Site returns the site registered under name
func (r *Registry) Site(name string) (*Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[name]
	if !ok {
		return nil, false
	}
	c := *s
	return &c, true
}

// Names returns the registered site names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sites))
	for name := range r.sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SiteForHost implements internal.SiteResolver
func (r *Registry) SiteForHost(host string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.hostIndex[strings.ToLower(host)]
	return name, ok
}

// ChallengeEndpoint implements internal.SiteResolver
func (r *Registry) ChallengeEndpoint(host string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.hostIndex[strings.ToLower(host)]
	if !ok {
		return ""
	}
	return r.sites[name].ChallengeEndpoint
}
