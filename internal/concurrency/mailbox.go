// File: internal/concurrency/mailbox.go
// Package concurrency implements the reactor mailboxes and the delegated-task executor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Mailbox is a multi-producer / single-consumer FIFO backed by a ring queue.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"
)

// Mailbox accepts posts from any goroutine; only its owner drains it.
type Mailbox[T any] struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool
	notify func()
}

// NewMailbox creates a mailbox. notify, if set, is invoked outside the lock
// whenever a post makes the mailbox non-empty (the owner uses it to wake its
// selector).
func NewMailbox[T any](notify func()) *Mailbox[T] {
	return &Mailbox[T]{q: queue.New(), notify: notify}
}

// Post appends v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Post(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	wasEmpty := m.q.Length() == 0
	m.q.Add(v)
	m.mu.Unlock()
	if wasEmpty && m.notify != nil {
		m.notify()
	}
	return true
}

// Drain moves every queued item into buf and returns it.
func (m *Mailbox[T]) Drain(buf []T) []T {
	m.mu.Lock()
	for m.q.Length() > 0 {
		buf = append(buf, m.q.Remove().(T))
	}
	m.mu.Unlock()
	return buf
}

// Len reports the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length()
}

// Close rejects further posts and returns whatever was still queued.
func (m *Mailbox[T]) Close() []T {
	m.mu.Lock()
	m.closed = true
	var rest []T
	for m.q.Length() > 0 {
		rest = append(rest, m.q.Remove().(T))
	}
	m.mu.Unlock()
	return rest
}
