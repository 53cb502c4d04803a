package replica

import (
	"fmt"
	"sync"
)

// Memory is a thread-safe map store.
type Memory[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

func NewMemory[K comparable, V any]() *Memory[K, V] {
	return &Memory[K, V]{data: make(map[K]V)}
}

func (s *Memory[K, V]) Upsert(key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *Memory[K, V]) Delete(key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Memory[K, V]) Get(key K) (V, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *Memory[K, V]) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data), nil
}

// Range holds the read lock for the whole walk; fn must not write to the store.
func (s *Memory[K, V]) Range(fn func(key K, value V) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.data {
		if err := fn(k, v); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

func (s *Memory[K, V]) LoadAll(all map[K]V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[K]V, len(all))
	for k, v := range all {
		s.data[k] = v
	}
	return nil
}
