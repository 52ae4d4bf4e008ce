// File: internal/fsm/table.go
// Package fsm provides the (state, event) dispatch table shared by
// connections and reactor threads.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fsm

import "fmt"

type key[S, T comparable] struct {
	state S
	typ   T
}

// Table maps (state, event type) pairs to handlers. Each state may carry a
// fallback used for event types without an explicit entry. Tables are built
// once and then only read, so they are safe to share between goroutines.
type Table[S, T comparable, E any] struct {
	name     string
	entries  map[key[S, T]]func(E)
	fallback map[S]func(E)
}

// New returns an empty table; name is used in diagnostics.
func New[S, T comparable, E any](name string) *Table[S, T, E] {
	return &Table[S, T, E]{
		name:     name,
		entries:  make(map[key[S, T]]func(E)),
		fallback: make(map[S]func(E)),
	}
}

// On registers h for typ in every listed state.
func (t *Table[S, T, E]) On(typ T, h func(E), states ...S) *Table[S, T, E] {
	for _, s := range states {
		t.entries[key[S, T]{s, typ}] = h
	}
	return t
}

// Otherwise registers the fallback for the listed states.
func (t *Table[S, T, E]) Otherwise(h func(E), states ...S) *Table[S, T, E] {
	for _, s := range states {
		t.fallback[s] = h
	}
	return t
}

// Lookup returns the handler for (state, typ).
func (t *Table[S, T, E]) Lookup(state S, typ T) (func(E), bool) {
	if h, ok := t.entries[key[S, T]{state, typ}]; ok {
		return h, true
	}
	h, ok := t.fallback[state]
	return h, ok
}

// Dispatch runs the handler for (state, typ). It reports false when no
// handler resolves, which Verify rules out for verified tables.
func (t *Table[S, T, E]) Dispatch(state S, typ T, ev E) bool {
	h, ok := t.Lookup(state, typ)
	if !ok {
		return false
	}
	h(ev)
	return true
}

// Verify checks that every (state, type) combination resolves to a handler.
func (t *Table[S, T, E]) Verify(states []S, types []T) error {
	for _, s := range states {
		if _, ok := t.fallback[s]; ok {
			continue
		}
		for _, typ := range types {
			if _, ok := t.entries[key[S, T]{s, typ}]; !ok {
				return fmt.Errorf("fsm %s: no handler for state %v event %v", t.name, s, typ)
			}
		}
	}
	return nil
}

// MustVerify panics when Verify fails. Tables are assembled at construction
// time, so a gap is a programming error.
func (t *Table[S, T, E]) MustVerify(states []S, types []T) *Table[S, T, E] {
	if err := t.Verify(states, types); err != nil {
		panic(err)
	}
	return t
}
