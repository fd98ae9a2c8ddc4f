// Package memory keeps DOM snapshots in process memory for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Snapshot is one archived capture.
type Snapshot struct {
	ContentType string
	Data        []byte
}

// Store implements crowd.SnapshotStore.
type Store struct {
	mu    sync.RWMutex
	items map[string]Snapshot
}

// New creates an empty store.
func New() *Store {
	return &Store{items: make(map[string]Snapshot)}
}

// PutObject copies the content and returns a memory:// URI. Writing the same
// path twice keeps the latest capture.
func (s *Store) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[path] = Snapshot{ContentType: contentType, Data: data}
	return "memory://" + path, nil
}

// Get returns a copy of the snapshot stored at path.
func (s *Store) Get(path string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.items[path]
	if !ok {
		return Snapshot{}, false
	}
	snap.Data = append([]byte(nil), snap.Data...)
	return snap, true
}

// Paths lists stored paths in lexical order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for p := range s.items {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
