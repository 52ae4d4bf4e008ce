// File: filter/tlsfilter/wire.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tlsfilter

import (
	"io"
	"net"
	"sync"
	"time"
)

// wire is the net.Conn a *tls.Conn talks to. Ciphertext from the peer is
// appended to in by Unwrap; ciphertext produced by crypto/tls collects in out
// until Wrap drains it. The engine keeps its own bookkeeping under the same
// mutex so one condition variable covers every state change.
type wire struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  []byte
	out []byte

	blocking bool // handshake phase: Read parks instead of failing
	waiting  bool // a Read is parked on an empty in
	closed   bool // no more ciphertext will arrive

	started          bool
	hsDone           bool
	hsErr            error
	finishedReported bool
	taskOut          bool
	inboundDone      bool
	outboundDone     bool
}

func newWire() *wire {
	w := &wire{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *wire) Read(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.in) == 0 {
		if w.closed {
			return 0, io.EOF
		}
		if !w.blocking {
			return 0, errWouldBlock
		}
		w.waiting = true
		w.cond.Broadcast()
		w.cond.Wait()
		w.waiting = false
	}
	n := copy(p, w.in)
	w.in = w.in[n:]
	if len(w.in) == 0 {
		w.in = nil
	}
	return n, nil
}

func (w *wire) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.out = append(w.out, p...)
	w.cond.Broadcast()
	w.mu.Unlock()
	return len(p), nil
}

func (w *wire) Close() error {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	return nil
}

func (w *wire) LocalAddr() net.Addr { return wireAddr{} }
func (w *wire) RemoteAddr() net.Addr { return wireAddr{} }
func (w *wire) SetDeadline(time.Time) error { return nil }
func (w *wire) SetReadDeadline(time.Time) error { return nil }
func (w *wire) SetWriteDeadline(time.Time) error { return nil }

type wireAddr struct{}

func (wireAddr) Network() string { return "tlsfilter" }
func (wireAddr) String() string  { return "wire" }
