// File: filter/tlsfilter/filter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Filter adapts an Engine to the filter pipeline. Ciphertext from the network
// collects in readBuffer and decrypts into decryptBuffer; plaintext from the
// application collects in writeBuffer and encrypts into encryptBuffer. A
// buffer the engine overflows grows to 2*cap+1 and the step is retried.

package tlsfilter

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/core/buffer"
	"github.com/momentics/hioload-tcp/filter"
)

// Filter is the per-connection TLS stage.
type Filter struct {
	conn   api.FilterConn
	engine Engine
	exec   api.Executor

	readBuffer    *buffer.Buffer
	writeBuffer   *buffer.Buffer
	decryptBuffer *buffer.Buffer
	encryptBuffer *buffer.Buffer

	// guarded by the connection monitor
	shutdownOutbound bool
}

var (
	_ filter.OOBFilter = (*Filter)(nil)
	_ filter.Holder    = (*Filter)(nil)
)

// NewFilter wraps engine for conn. A nil exec falls back to conn.Executor().
func NewFilter(conn api.FilterConn, engine Engine, exec api.Executor, bufSize int) *Filter {
	if exec == nil && conn != nil {
		exec = conn.Executor()
	}
	return &Filter{
		conn:          conn,
		engine:        engine,
		exec:          exec,
		readBuffer:    buffer.New(bufSize),
		writeBuffer:   buffer.New(bufSize),
		decryptBuffer: buffer.New(bufSize),
		encryptBuffer: buffer.New(bufSize),
	}
}

// Engine returns the engine driven by f.
func (f *Filter) Engine() Engine { return f.engine }

func grow(b *buffer.Buffer) { b.Resize(2*b.Cap() + 1) }

// Inbound decrypts network bytes. It runs without the connection monitor.
func (f *Filter) Inbound(in filter.Reader[[]byte], out filter.Writer[[]byte]) error {
	if f.engine.IsInboundDone() {
		// nothing decrypts after close_notify
		for in.Len() > 0 {
			in.Remove()
		}
		return nil
	}
	for in.Len() > 0 {
		f.readBuffer.Append(in.Remove())
	}
	err := f.unwrapLoop()
	if f.decryptBuffer.Len() > 0 {
		out.Add(f.decryptBuffer.Copy())
		f.decryptBuffer.Reset()
	}
	return err
}

func (f *Filter) unwrapLoop() error {
	for {
		res, err := f.engine.Unwrap(f.readBuffer.Bytes(), f.decryptBuffer.Free())
		if err != nil {
			return errors.Wrap(err, "tls inbound")
		}
		f.readBuffer.Consume(res.Consumed)
		f.decryptBuffer.Commit(res.Produced)

		switch res.Status {
		case StatusBufferOverflow:
			grow(f.decryptBuffer)
			continue
		case StatusBufferUnderflow:
			return nil
		case StatusClosed:
			f.engine.CloseInbound()
			f.engine.CloseOutbound()
			f.readBuffer.Reset()
			// push our close_notify out if the socket is still there
			if err := f.conn.Flush(); err != nil && !errors.Is(err, api.ErrClosed) {
				glog.V(2).Infof("tls %s: flush after close_notify: %v", f.conn.Name(), err)
			}
			return nil
		}

		switch res.HandshakeStatus {
		case NeedTask:
			f.runTasks()
			return nil
		case NeedWrap, Finished:
			if err := f.conn.Flush(); err != nil {
				return errors.Wrap(err, "tls inbound flush")
			}
			continue
		case NeedUnwrap:
			if res.Consumed == 0 && res.Produced == 0 {
				return nil
			}
			continue
		}
		if res.Produced == 0 && f.readBuffer.Len() == 0 {
			return nil
		}
	}
}

// Outbound encrypts application bytes. It runs with the connection monitor held.
func (f *Filter) Outbound(in filter.Reader[[]byte], out filter.Writer[[]byte]) error {
	for in.Len() > 0 {
		f.writeBuffer.Append(in.Remove())
	}
	err := f.wrapLoop()
	if f.encryptBuffer.Len() > 0 {
		out.Add(f.encryptBuffer.Copy())
		f.encryptBuffer.Reset()
	}
	return err
}

func (f *Filter) wrapLoop() error {
	for {
		if f.shutdownOutbound && f.writeBuffer.Len() == 0 {
			f.shutdownOutbound = false
			f.engine.CloseOutbound()
		}
		res, err := f.engine.Wrap(f.writeBuffer.Bytes(), f.encryptBuffer.Free())
		if err != nil {
			return errors.Wrap(err, "tls outbound")
		}
		f.writeBuffer.Consume(res.Consumed)
		f.encryptBuffer.Commit(res.Produced)

		switch res.Status {
		case StatusBufferOverflow:
			grow(f.encryptBuffer)
			continue
		case StatusClosed:
			return nil
		}

		switch res.HandshakeStatus {
		case NeedTask:
			f.runTasksLocked()
			return nil
		case NeedUnwrap:
			return nil
		case NeedWrap, Finished:
			continue
		}
		if res.Consumed == 0 && res.Produced == 0 && (!f.shutdownOutbound || f.writeBuffer.Len() > 0) {
			return nil
		}
	}
}

// OOB starts the handshake on bind, marks the outbound side for shutdown on
// a user close and forwards every event unchanged. A shutdown waits until
// the handshake has completed and every accepted byte has been wrapped.
func (f *Filter) OOB(in filter.Reader[api.OOBEvent], out filter.Writer[api.OOBEvent]) error {
	var first error
	for in.Len() > 0 {
		ev := in.Remove()
		switch ev.Type {
		case api.OOBBind:
			if err := f.engine.BeginHandshake(); err != nil && first == nil {
				first = errors.Wrap(err, "tls bind")
			}
		case api.OOBCloseUser:
			f.conn.Lock()
			if !f.engine.IsOutboundDone() {
				f.shutdownOutbound = true
			}
			f.conn.Unlock()
		}
		out.Add(ev)
	}
	return first
}

// Held reports plaintext accepted but not yet encrypted. Callers hold the
// connection monitor.
func (f *Filter) Held() int { return f.writeBuffer.Len() }

// Release unblocks a handshake still waiting for the peer. The connection
// calls it once the socket is gone.
func (f *Filter) Release() {
	f.engine.CloseInbound()
	f.engine.CloseOutbound()
}

func (f *Filter) runTasks() {
	f.conn.Lock()
	f.runTasksLocked()
	f.conn.Unlock()
}

// runTasksLocked hands pending engine tasks to the executor. Each completion
// forces a read so the engine is polled again on the connection's thread.
func (f *Filter) runTasksLocked() {
	for task := f.engine.DelegatedTask(); task != nil; task = f.engine.DelegatedTask() {
		task := task
		run := func() {
			task()
			f.conn.ForceRead()
		}
		if f.exec == nil {
			go run()
			continue
		}
		if err := f.exec.Submit(run); err != nil {
			glog.V(1).Infof("tls %s: executor refused task, running on goroutine: %v", f.conn.Name(), err)
			go run()
		}
	}
}
