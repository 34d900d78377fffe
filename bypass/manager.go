// Package bypass tracks hosts waiting for a human to solve an anti-bot challenge.
package bypass

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"chansync/internal"
)

// Challenge is a pending challenge for one host
type Challenge struct {
	Host       string                 `json:"host"`
	Kind       internal.ChallengeKind `json:"-"`
	KindName   string                 `json:"kind"`
	ResolveURL string                 `json:"resolve_url"`
	Count      int                    `json:"count"`
	FirstSeen  time.Time              `json:"first_seen"`
	LastSeen   time.Time              `json:"last_seen"`
}

// Manager implements internal.ChallengeNotifier. The first challenge of a host logs an
// actionable warning; repeats only update the entry until Resolve stores a credential.
type Manager struct {
	credentials internal.CredentialStore

	mu      sync.Mutex
	pending map[string]*Challenge
	now     func() time.Time
}

// NewManager creates a Manager storing resolved credentials in credentials
func NewManager(credentials internal.CredentialStore) *Manager {
	return &Manager{
		credentials: credentials,
		pending:     make(map[string]*Challenge),
		now:         time.Now,
	}
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// OnChallengeDetected implements internal.ChallengeNotifier
func (m *Manager) OnChallengeDetected(kind internal.ChallengeKind, host, resolveURL string) {
	host = normalizeHost(host)
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.pending[host]; ok {
		c.Count++
		c.LastSeen = now
		c.ResolveURL = resolveURL
		internal.LogDebug("%s challenge for %s seen again (%d times)", kind, host, c.Count)
		return
	}

	m.pending[host] = &Challenge{
		Host:       host,
		Kind:       kind,
		KindName:   kind.String(),
		ResolveURL: resolveURL,
		Count:      1,
		FirstSeen:  now,
		LastSeen:   now,
	}
	internal.LogWarn("%s challenge on %s: open %s in a browser, then run 'chansync credential set %s <cf_clearance value>'",
		kind, host, resolveURL, host)
}

// Pending returns the unresolved challenges ordered by host
func (m *Manager) Pending() []Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Challenge, 0, len(m.pending))
	for _, c := range m.pending {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Get returns the pending challenge of host
func (m *Manager) Get(host string) (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.pending[normalizeHost(host)]
	if !ok {
		return Challenge{}, false
	}
	return *c, true
}

// Resolve stores the credential obtained by solving the challenge and drops the pending entry.
// Resolving a host with no pending challenge still stores the credential.
func (m *Manager) Resolve(ctx context.Context, host, value string) error {
	host = normalizeHost(host)
	if host == "" {
		return internal.NewValidationError("host", "host cannot be empty")
	}
	if strings.TrimSpace(value) == "" {
		return internal.NewValidationError("value", "credential cannot be empty").
			WithSuggestion("Use 'chansync credential clear' to remove a credential")
	}
	if err := m.credentials.Set(ctx, host, strings.TrimSpace(value)); err != nil {
		return err
	}

	m.mu.Lock()
	_, wasPending := m.pending[host]
	delete(m.pending, host)
	m.mu.Unlock()

	if wasPending {
		internal.LogInfo("Challenge for %s resolved", host)
	}
	return nil
}

// Dismiss drops a pending entry without storing anything
func (m *Manager) Dismiss(host string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	host = normalizeHost(host)
	if _, ok := m.pending[host]; !ok {
		return false
	}
	delete(m.pending, host)
	return true
}

// Reconcile drops pending entries of hosts that now hold a credential. It is meant as the
// reload callback of a watched credentials file.
func (m *Manager) Reconcile(values map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for host := range m.pending {
		if values[host] != "" {
			delete(m.pending, host)
			internal.LogInfo("Challenge for %s resolved by credentials file", host)
		}
	}
}
