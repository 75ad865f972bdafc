package settings

import (
	"context"
	"sync"
)

// MemoryStore keeps settings in a map.
type MemoryStore struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewMemoryStore returns a MemoryStore seeded with initial.
func NewMemoryStore(initial map[string]string) *MemoryStore {
	vals := make(map[string]string, len(initial))
	for k, v := range initial {
		vals[k] = v
	}
	return &MemoryStore{vals: vals}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.vals[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.vals))
	for k := range m.vals {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryStore) Close() error { return nil }
