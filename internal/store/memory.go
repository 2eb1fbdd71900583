package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"dedup-go/internal/dedup"
)

// MemoryStore is an in-memory implementation of the RemoteStore interface,
// useful for testing. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// PutCount counts Put calls, letting tests assert "zero new transfers".
	putCount int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores content at remotePath, replacing any existing object.
func (m *MemoryStore) Put(_ context.Context, remotePath string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[remotePath] = data
	m.putCount++
	return nil
}

// Get retrieves the object at remotePath.
func (m *MemoryStore) Get(_ context.Context, remotePath string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[remotePath]
	if !ok {
		return nil, fmt.Errorf("%s: %w", remotePath, dedup.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether an object exists at remotePath.
func (m *MemoryStore) Exists(_ context.Context, remotePath string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[remotePath]
	return ok, nil
}

// List calls fn for every object under prefix, in path order.
func (m *MemoryStore) List(_ context.Context, prefix string, fn func(dedup.ObjectInfo) error) error {
	m.mu.RLock()
	var paths []string
	for p := range m.objects {
		if matchesPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	m.mu.RUnlock()

	sort.Strings(paths)
	for _, p := range paths {
		m.mu.RLock()
		size := int64(len(m.objects[p]))
		m.mu.RUnlock()
		if err := fn(dedup.ObjectInfo{RemotePath: p, Size: size}); err != nil {
			return err
		}
	}
	return nil
}

// PutCount returns how many Put calls the store has seen.
func (m *MemoryStore) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.putCount
}

// matchesPrefix treats the prefix as a remote directory: "D" matches "D/x"
// and "D" itself, but not "Drive/x".
func matchesPrefix(path, prefix string) bool {
	if prefix == "" || path == prefix {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return strings.HasPrefix(path, prefix+"/")
}

// Compile-time check that MemoryStore implements dedup.RemoteStore
var _ dedup.RemoteStore = (*MemoryStore)(nil)
