// Package credentials stores per-host challenge bypass credentials.
package credentials

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps credentials for the process lifetime
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// Get implements internal.CredentialStore
func (m *MemoryStore) Get(ctx context.Context, host string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[normalizeHost(host)], nil
}

// Set implements internal.CredentialStore. An empty value clears the host.
func (m *MemoryStore) Set(ctx context.Context, host, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		delete(m.values, normalizeHost(host))
		return nil
	}
	m.values[normalizeHost(host)] = value
	return nil
}

// Clear implements internal.CredentialStore
func (m *MemoryStore) Clear(ctx context.Context, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, normalizeHost(host))
	return nil
}

// ClearIf implements internal.ConditionalClearer
func (m *MemoryStore) ClearIf(ctx context.Context, host, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	host = normalizeHost(host)
	if current, ok := m.values[host]; !ok || current != expected {
		return false, nil
	}
	delete(m.values, host)
	return true, nil
}

// Hosts returns the hosts holding a credential
func (m *MemoryStore) Hosts(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hosts := make([]string, 0, len(m.values))
	for h := range m.values {
		hosts = append(hosts, h)
	}
	return hosts, nil
}
