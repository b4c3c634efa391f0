package archive

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process archive for tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemory returns an empty in-memory archive.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Archive stores a copy of data under key.
func (m *Memory) Archive(_ context.Context, key string, data []byte) error {
	clean, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.objects[clean] = cp
	m.mu.Unlock()
	return nil
}

// List returns archived keys under prefix, sorted.
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Get returns the stored bytes for key. Test hook.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}
