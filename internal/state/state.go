package state

import (
	"fmt"
	"strconv"
	"sync"

	"fraudstream/internal/window"
)

// SessionState is the per-customer value held by the store: the customer's
// open session windows plus the last input sequence applied for that customer.
type SessionState struct {
	Windows []window.Window `json:"windows"`
	LastSeq int64           `json:"lastSeq"`
}

// CustomerKey formats a customer id as a store key.
func CustomerKey(id int64) string { return strconv.FormatInt(id, 10) }

// ParseCustomerKey is the inverse of CustomerKey.
func ParseCustomerKey(key string) (int64, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse customer key %q: %w", key, err)
	}
	return id, nil
}

// Store abstracts the durable session-state backend.
type Store interface {
	Get(key string) (SessionState, bool)
	Put(key string, st SessionState) error
	Delete(key string) error
	Range(fn func(key string, st SessionState) error) error
	LoadAll(all map[string]SessionState)
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]SessionState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]SessionState)}
}

func (s *InMemoryStore) Get(key string) (SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data[key]
	return st, ok
}

func (s *InMemoryStore) Put(key string, st SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = st
	return nil
}

func (s *InMemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *InMemoryStore) Range(fn func(key string, st SessionState) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.data {
		if err := fn(k, v); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

// LoadAll replaces the store contents with the provided snapshot.
func (s *InMemoryStore) LoadAll(all map[string]SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]SessionState, len(all))
	for k, v := range all {
		s.data[k] = v
	}
}
