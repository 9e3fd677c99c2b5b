package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// InMemoryStore provides an in-memory implementation of Store[T] for testing
type InMemoryStore[T any] struct {
	mu   sync.Mutex
	seq  uint64
	data map[string][]byte
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore[T any]() Store[T] {
	return &InMemoryStore[T]{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (*T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

// Create stores the value built by fn unless key exists.
func (s *InMemoryStore[T]) Create(ctx context.Context, key string, fn func(seq uint64) (*T, error)) (*T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return nil, fmt.Errorf("key %q: %w", key, ErrExists)
	}
	value, err := fn(s.seq + 1)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	s.seq++
	s.data[key] = data
	return value, nil
}

// Set stores a value by key
func (s *InMemoryStore[T]) Set(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}

// Delete removes key when match accepts the stored value.
func (s *InMemoryStore[T]) Delete(ctx context.Context, key string, match func(*T) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.data[key]
	if !ok {
		return nil
	}
	if match != nil {
		var value T
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		if !match(&value) {
			return fmt.Errorf("key %q: %w", key, ErrMismatch)
		}
	}
	delete(s.data, key)
	return nil
}

// Close is a no-op for in-memory store
func (s *InMemoryStore[T]) Close() error {
	return nil
}
