// Package memory is an in-process keyvalue.Bucket backed by a map. Data
// lives as long as the Store value.
package memory

import (
	"context"
	"slices"
	"sync"

	"bucketd/internal/keyvalue"
)

const backendName = "memory"

// Store implements keyvalue.Bucket over a map guarded by a RWMutex.
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	pageSize int
}

// New returns an empty Store. pageSize <= 0 selects keyvalue.DefaultPageSize.
func New(pageSize int) *Store {
	return &Store{
		data:     make(map[string][]byte),
		pageSize: keyvalue.PageSize(pageSize),
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.data[key]
	s.mu.RUnlock()
	return ok, nil
}

// ListKeys returns keys in byte order, resuming strictly after the last
// key of the previous page.
func (s *Store) ListKeys(_ context.Context, cursor string) (keyvalue.KeyResponse, error) {
	c, err := keyvalue.DecodeCursor(backendName, cursor)
	if err != nil {
		return keyvalue.KeyResponse{}, err
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if cursor == "" || k > c.After {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	slices.Sort(keys)
	if len(keys) <= s.pageSize {
		return keyvalue.KeyResponse{Keys: keys}, nil
	}

	page := keys[:s.pageSize]
	next, err := keyvalue.EncodeCursor(keyvalue.Cursor{Backend: backendName, After: page[len(page)-1]})
	if err != nil {
		return keyvalue.KeyResponse{}, err
	}
	return keyvalue.KeyResponse{Keys: page, Cursor: next}, nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
