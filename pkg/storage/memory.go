package storage

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore implements Cache in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	banks map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory cache
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{banks: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Store(bank, key string, value []byte) error {
	if bank == "" || key == "" {
		return fmt.Errorf("bank and key are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.banks[bank]
	if !ok {
		b = make(map[string][]byte)
		m.banks[bank] = b
	}
	b[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Fetch(bank, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.banks[bank][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bank, key, ErrNotFound)
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) Flush(bank, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key == "" {
		delete(m.banks, bank)
		return nil
	}
	delete(m.banks[bank], key)
	return nil
}

func (m *MemoryStore) List(bank string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.banks[bank]))
	for k := range m.banks[bank] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
