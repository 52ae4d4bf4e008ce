// File: config/store.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread-safe runtime settings with reload listeners.

package config

import (
	"slices"
	"sync"
)

// Runtime keys understood by the reactor.
const (
	KeyBacklog = "backlog"
)

// Store is a dynamic key/value map with snapshot and listener support.
type Store struct {
	mu        sync.RWMutex
	values    map[string]any
	listeners []func(changed map[string]any)
}

// NewStore initializes an empty store.
func NewStore() *Store {
	return &Store{values: make(map[string]any)}
}

// NewStoreFrom seeds a store with the runtime-adjustable fields of c.
func NewStoreFrom(c *Config) *Store {
	s := NewStore()
	s.values[KeyBacklog] = c.Backlog
	return s
}

// Snapshot returns a copy of all values.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Int returns key as an int.
func (s *Store) Int(key string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key].(int)
	return v, ok
}

// OnReload registers a listener called with the changed keys.
func (s *Store) OnReload(fn func(changed map[string]any)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Set merges values and notifies listeners asynchronously.
func (s *Store) Set(values map[string]any) {
	changed, listeners := s.merge(values)
	for _, fn := range listeners {
		go fn(changed)
	}
}

// SetSync merges values and notifies listeners before returning.
func (s *Store) SetSync(values map[string]any) {
	changed, listeners := s.merge(values)
	for _, fn := range listeners {
		fn(changed)
	}
}

func (s *Store) merge(values map[string]any) (map[string]any, []func(map[string]any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make(map[string]any, len(values))
	for k, v := range values {
		s.values[k] = v
		changed[k] = v
	}
	return changed, slices.Clone(s.listeners)
}
