package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"chansync/internal"
)

type credentialsFile struct {
	Credentials map[string]string `yaml:"credentials"`
}

// FileStore keeps credentials in a YAML file so they can be pasted in from a browser session.
// External edits are picked up once Watch has been started.
type FileStore struct {
	path string

	mu     sync.RWMutex
	values map[string]string

	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	onReload func(map[string]string)
}

// OpenFileStore loads path. A missing file starts out empty and is created on the first write.
func OpenFileStore(path string) (*FileStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials file: %w", err)
	}
	s := &FileStore{path: abs, values: make(map[string]string)}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the absolute file path
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.values = make(map[string]string)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return internal.NewStoreError("credential load", err).WithContext("path", s.path)
	}

	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return internal.NewStoreError("credential load", err).WithContext("path", s.path)
	}

	values := make(map[string]string, len(file.Credentials))
	for host, v := range file.Credentials {
		if v != "" {
			values[normalizeHost(host)] = v
		}
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// persist writes the current values through a temporary file and a rename.
// Callers hold s.mu.
func (s *FileStore) persist() error {
	data, err := yaml.Marshal(credentialsFile{Credentials: s.values})
	if err != nil {
		return internal.NewStoreError("credential save", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return internal.NewStoreError("credential save", err).WithContext("path", s.path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return internal.NewStoreError("credential save", err).WithContext("path", s.path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return internal.NewStoreError("credential save", err).WithContext("path", s.path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return internal.NewStoreError("credential save", err).WithContext("path", s.path)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return internal.NewStoreError("credential save", err).WithContext("path", s.path)
	}
	return nil
}

// Get implements internal.CredentialStore
func (s *FileStore) Get(ctx context.Context, host string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[normalizeHost(host)], nil
}

// Set implements internal.CredentialStore. An empty value clears the host.
func (s *FileStore) Set(ctx context.Context, host, value string) error {
	if value == "" {
		return s.Clear(ctx, host)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[normalizeHost(host)] = value
	return s.persist()
}

// Clear implements internal.CredentialStore
func (s *FileStore) Clear(ctx context.Context, host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	host = normalizeHost(host)
	if _, ok := s.values[host]; !ok {
		return nil
	}
	delete(s.values, host)
	return s.persist()
}

// ClearIf implements internal.ConditionalClearer
func (s *FileStore) ClearIf(ctx context.Context, host, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	host = normalizeHost(host)
	if current, ok := s.values[host]; !ok || current != expected {
		return false, nil
	}
	delete(s.values, host)
	return true, s.persist()
}

// Hosts returns the hosts holding a credential in name order
func (s *FileStore) Hosts(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hosts := make([]string, 0, len(s.values))
	for h := range s.values {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// Watch reloads the file whenever it changes on disk. onReload, when non-nil, receives a
// copy of the values after every successful reload.
func (s *FileStore) Watch(onReload func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory: editors and persist() replace the file by renaming
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create credentials directory %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch credentials directory %s: %w", dir, err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})
	s.onReload = onReload
	s.wg.Add(1)
	go s.processEvents(watcher, s.done)
	return nil
}

func (s *FileStore) processEvents(watcher *fsnotify.Watcher, done chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-done:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				internal.LogWarn("Failed to reload credentials from %s: %v", s.path, err)
				continue
			}
			internal.LogDebug("Reloaded credentials from %s (%s)", s.path, event.Op)
			if s.onReload != nil {
				s.onReload(s.snapshot())
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			internal.LogWarn("Credentials watcher error: %v", err)
		}
	}
}

func (s *FileStore) snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Close stops the watcher, if any
func (s *FileStore) Close() error {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}
	close(s.done)
	err := watcher.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}
