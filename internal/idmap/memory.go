package idmap

import (
	"context"
	"sync"

	"github.com/JonMunkholm/erpseed/internal/core"
)

// MemoryStore keeps mappings in process memory. It is used for dry runs and
// tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[core.Kind]map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[core.Kind]map[string]int64)}
}

func (s *MemoryStore) Get(_ context.Context, kind core.Kind, key string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.data[kind][key]
	return id, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, kind core.Kind, key string, id int64) error {
	if err := validatePut(kind, key, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.data[kind]
	if !ok {
		m = make(map[string]int64)
		s.data[kind] = m
	}
	m[key] = id
	return nil
}

func (s *MemoryStore) Count(_ context.Context, kind core.Kind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[kind]), nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[core.Kind]map[string]int64)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
