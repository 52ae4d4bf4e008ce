// File: filter/tlsfilter/engine.go
// Package tlsfilter implements the TLS filter stage and the record engine it drives.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The engine turns crypto/tls into a wrap/unwrap codec: ciphertext is fed in
// and drained out through an in-memory wire instead of a socket. The
// handshake runs on its own goroutine against a blocking wire; whenever that
// goroutine is computing, the engine reports NeedTask and hands out a task
// that waits for it to settle. After the handshake the wire turns
// non-blocking and records are processed synchronously by the caller.

package tlsfilter

import (
	"crypto/tls"
	"io"
	"net"

	"github.com/pkg/errors"
)

// Status is the outcome of a single wrap or unwrap call.
type Status int

const (
	StatusOK Status = iota
	StatusBufferUnderflow
	StatusBufferOverflow
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case StatusBufferOverflow:
		return "BUFFER_OVERFLOW"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// HandshakeStatus tells the caller what the engine needs next.
type HandshakeStatus int

const (
	NotHandshaking HandshakeStatus = iota
	Finished
	NeedTask
	NeedWrap
	NeedUnwrap
)

func (h HandshakeStatus) String() string {
	switch h {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case Finished:
		return "FINISHED"
	case NeedTask:
		return "NEED_TASK"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	default:
		return "UNKNOWN"
	}
}

// Result reports one wrap/unwrap step.
type Result struct {
	Status          Status
	HandshakeStatus HandshakeStatus
	Consumed        int
	Produced        int
}

// Engine is a non-blocking TLS record codec.
type Engine interface {
	// BeginHandshake starts the handshake; wrap and unwrap start it implicitly.
	BeginHandshake() error
	// Wrap encrypts from src into dst.
	Wrap(src, dst []byte) (Result, error)
	// Unwrap decrypts from src into dst.
	Unwrap(src, dst []byte) (Result, error)
	HandshakeStatus() HandshakeStatus
	// DelegatedTask returns the pending task, or nil. Each task is handed out once.
	DelegatedTask() func()
	CloseInbound()
	CloseOutbound()
	IsInboundDone() bool
	IsOutboundDone() bool
}

const (
	// maxPlaintext is the largest plaintext wrapped per call.
	maxPlaintext = 16 * 1024
	// wrapOverhead is the minimum room Wrap wants beyond the plaintext it encrypts.
	wrapOverhead = 256
)

// cryptoEngine drives a *tls.Conn over a wire.
type cryptoEngine struct {
	w    *wire
	conn *tls.Conn
}

var _ Engine = (*cryptoEngine)(nil)

// NewEngine creates an engine acting as TLS client or server with cfg.
func NewEngine(cfg *tls.Config, client bool) Engine {
	w := newWire()
	e := &cryptoEngine{w: w}
	if client {
		e.conn = tls.Client(w, cfg)
	} else {
		e.conn = tls.Server(w, cfg)
	}
	return e
}

func (e *cryptoEngine) BeginHandshake() error {
	w := e.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inboundDone || w.outboundDone {
		return errors.New("tls: engine closed before handshake")
	}
	e.startLocked()
	return nil
}

func (e *cryptoEngine) startLocked() {
	if e.w.started {
		return
	}
	e.w.started = true
	e.w.blocking = true
	go e.handshake()
}

func (e *cryptoEngine) handshake() {
	err := e.conn.Handshake()
	w := e.w
	w.mu.Lock()
	w.hsDone = true
	w.hsErr = err
	w.blocking = false
	w.cond.Broadcast()
	w.mu.Unlock()
}

// busyLocked reports whether the handshake goroutine is computing rather
// than parked waiting for ciphertext.
func (e *cryptoEngine) busyLocked() bool {
	w := e.w
	return w.started && !w.hsDone && !(w.waiting && len(w.in) == 0)
}

// statusLocked computes the handshake status. report marks FINISHED as
// delivered so that only one result ever carries it.
func (e *cryptoEngine) statusLocked(report bool) HandshakeStatus {
	w := e.w
	switch {
	case !w.started:
		return NotHandshaking
	case w.hsDone:
		if len(w.out) > 0 {
			return NeedWrap
		}
		if !w.finishedReported && w.hsErr == nil {
			if report {
				w.finishedReported = true
				return Finished
			}
		}
		return NotHandshaking
	case e.busyLocked():
		return NeedTask
	case len(w.out) > 0:
		return NeedWrap
	default:
		return NeedUnwrap
	}
}

func (e *cryptoEngine) HandshakeStatus() HandshakeStatus {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	return e.statusLocked(false)
}

func (e *cryptoEngine) DelegatedTask() func() {
	w := e.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.taskOut || !e.busyLocked() {
		return nil
	}
	w.taskOut = true
	return func() {
		w.mu.Lock()
		for e.busyLocked() {
			w.cond.Wait()
		}
		w.taskOut = false
		w.mu.Unlock()
	}
}

// drainLocked moves pending ciphertext into dst.
func (e *cryptoEngine) drainLocked(dst []byte) int {
	w := e.w
	n := copy(dst, w.out)
	w.out = w.out[n:]
	if len(w.out) == 0 {
		w.out = nil
	}
	return n
}

func (e *cryptoEngine) Wrap(src, dst []byte) (Result, error) {
	w := e.w
	w.mu.Lock()
	defer w.mu.Unlock()

	var res Result
	if w.hsDone && w.hsErr != nil && !w.outboundDone {
		return res, errors.Wrap(w.hsErr, "tls: handshake")
	}
	if !w.outboundDone {
		e.startLocked()
	}

	if len(w.out) > 0 {
		if len(dst) == 0 {
			res.Status = StatusBufferOverflow
			res.HandshakeStatus = e.statusLocked(false)
			return res, nil
		}
		res.Produced = e.drainLocked(dst)
		res.HandshakeStatus = e.statusLocked(true)
		return res, nil
	}
	if w.outboundDone {
		res.Status = StatusClosed
		res.HandshakeStatus = e.statusLocked(false)
		return res, nil
	}

	res.HandshakeStatus = e.statusLocked(true)
	if !w.hsDone || len(src) == 0 {
		return res, nil
	}
	if len(dst) <= wrapOverhead {
		res.Status = StatusBufferOverflow
		return res, nil
	}
	chunk := len(src)
	if chunk > maxPlaintext {
		chunk = maxPlaintext
	}
	if room := len(dst) - wrapOverhead; chunk > room {
		chunk = room
	}

	w.mu.Unlock()
	n, err := e.conn.Write(src[:chunk])
	w.mu.Lock()
	if err != nil {
		return res, errors.Wrap(err, "tls: wrap")
	}
	res.Consumed = n
	res.Produced = e.drainLocked(dst)
	if len(w.out) > 0 {
		res.HandshakeStatus = NeedWrap
	}
	return res, nil
}

func (e *cryptoEngine) Unwrap(src, dst []byte) (Result, error) {
	w := e.w
	w.mu.Lock()
	defer w.mu.Unlock()

	var res Result
	if w.hsDone && w.hsErr != nil && !w.inboundDone {
		return res, errors.Wrap(w.hsErr, "tls: handshake")
	}
	if w.inboundDone {
		res.Status = StatusClosed
		res.HandshakeStatus = e.statusLocked(false)
		return res, nil
	}
	e.startLocked()

	if len(src) > 0 {
		w.in = append(w.in, src...)
		res.Consumed = len(src)
		w.cond.Broadcast()
	}

	if !w.hsDone {
		res.HandshakeStatus = e.statusLocked(true)
		if res.HandshakeStatus == NeedUnwrap {
			res.Status = StatusBufferUnderflow
		}
		return res, nil
	}
	if len(dst) == 0 {
		res.Status = StatusBufferOverflow
		res.HandshakeStatus = e.statusLocked(false)
		return res, nil
	}

	w.mu.Unlock()
	n, err := e.conn.Read(dst)
	w.mu.Lock()
	res.Produced = n
	switch {
	case err == nil:
	case err == io.EOF:
		w.inboundDone = true
		res.Status = StatusClosed
	case isWouldBlock(err):
		if n == 0 {
			res.Status = StatusBufferUnderflow
		}
	default:
		return res, errors.Wrap(err, "tls: unwrap")
	}
	res.HandshakeStatus = e.statusLocked(true)
	if res.Status == StatusBufferUnderflow && res.HandshakeStatus != NotHandshaking {
		res.Status = StatusOK
	}
	return res, nil
}

// CloseInbound stops accepting ciphertext and releases a handshake blocked on input.
func (e *cryptoEngine) CloseInbound() {
	w := e.w
	w.mu.Lock()
	w.inboundDone = true
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// CloseOutbound queues close_notify when the handshake has completed.
func (e *cryptoEngine) CloseOutbound() {
	w := e.w
	w.mu.Lock()
	if w.outboundDone {
		w.mu.Unlock()
		return
	}
	w.outboundDone = true
	complete := w.hsDone && w.hsErr == nil
	w.mu.Unlock()
	if complete {
		// the alert lands in w.out and is drained by the next Wrap
		_ = e.conn.CloseWrite()
	}
}

func (e *cryptoEngine) IsInboundDone() bool {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	return e.w.inboundDone
}

func (e *cryptoEngine) IsOutboundDone() bool {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	return e.w.outboundDone && len(e.w.out) == 0
}

// errWouldBlock is returned by the wire once it is non-blocking and empty.
// crypto/tls keeps partial records across temporary errors.
var errWouldBlock net.Error = wouldBlock{}

type wouldBlock struct{}

func (wouldBlock) Error() string   { return "tls: wire would block" }
func (wouldBlock) Timeout() bool   { return true }
func (wouldBlock) Temporary() bool { return true }

func isWouldBlock(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
