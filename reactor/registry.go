// File: reactor/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Accept registry: requested address -> listening socket plus the FIFO of
// connections waiting on it. The FIFO length is the listener's reference
// count; the socket is closed when the last waiter leaves. Dispatch thread only.

package reactor

import (
	"net"
	"time"
)

type listener struct {
	key     string
	fd      int
	addr    net.Addr
	pending []*Connection

	// set while accepting is paused after a failure
	resumeAt time.Time
}

func (l *listener) len() int { return len(l.pending) }

type acceptRegistry struct {
	byKey  map[string]*listener
	byFd   map[int]*listener
	paused map[int]*listener
}

func newAcceptRegistry() *acceptRegistry {
	return &acceptRegistry{
		byKey:  make(map[string]*listener),
		byFd:   make(map[int]*listener),
		paused: make(map[int]*listener),
	}
}

func (r *acceptRegistry) lookup(key string) *listener { return r.byKey[key] }

func (r *acceptRegistry) listenerFor(fd int) *listener { return r.byFd[fd] }

func (r *acceptRegistry) add(key string, fd int, addr net.Addr) *listener {
	l := &listener{key: key, fd: fd, addr: addr}
	r.byKey[key] = l
	r.byFd[fd] = l
	return l
}

func (r *acceptRegistry) enqueue(l *listener, c *Connection) {
	l.pending = append(l.pending, c)
}

// pop removes the oldest waiter.
func (r *acceptRegistry) pop(l *listener) *Connection {
	c := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return c
}

// remove drops c from its listener's FIFO. It reports the listener and
// whether it has no waiters left.
func (r *acceptRegistry) remove(c *Connection) (*listener, bool) {
	l := r.byKey[c.acceptKey]
	if l == nil {
		return nil, false
	}
	for i, p := range l.pending {
		if p == c {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			break
		}
	}
	return l, l.len() == 0
}

func (r *acceptRegistry) drop(l *listener) {
	delete(r.byKey, l.key)
	delete(r.byFd, l.fd)
	delete(r.paused, l.fd)
}

// pause parks l until the given time.
func (r *acceptRegistry) pause(l *listener, until time.Time) {
	l.resumeAt = until
	r.paused[l.fd] = l
}

// due unparks and returns the listeners whose pause has expired.
func (r *acceptRegistry) due(now time.Time) []*listener {
	var out []*listener
	for fd, l := range r.paused {
		if !now.Before(l.resumeAt) {
			delete(r.paused, fd)
			l.resumeAt = time.Time{}
			out = append(out, l)
		}
	}
	return out
}

func (r *acceptRegistry) anyPaused() bool { return len(r.paused) > 0 }

func (r *acceptRegistry) refs(key string) int {
	if l := r.byKey[key]; l != nil {
		return l.len()
	}
	return 0
}

func (r *acceptRegistry) addresses() []net.Addr {
	out := make([]net.Addr, 0, len(r.byKey))
	for _, l := range r.byKey {
		out = append(out, l.addr)
	}
	return out
}

func (r *acceptRegistry) all() []*listener {
	out := make([]*listener, 0, len(r.byKey))
	for _, l := range r.byKey {
		out = append(out, l)
	}
	return out
}
