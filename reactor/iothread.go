// File: reactor/iothread.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// I/O threads own established connections: reads, the inbound filter pass,
// deferred writes and the closing sequence.

package reactor

import (
	"io"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/filter"
	"github.com/momentics/hioload-tcp/internal/fsm"
)

type ioThread struct {
	*thread
	active map[int]*Connection
	count  atomic.Int64
}

func newIOThread(r *Reactor, id int) (*ioThread, error) {
	t, err := newThread(r, id, roleIO)
	if err != nil {
		return nil, err
	}
	w := &ioThread{thread: t, active: make(map[int]*Connection)}
	t.onReady = w.ready
	t.owns = w.owns
	t.onShutdown = w.closeAll
	t.conns = fsm.New[State, EventType, Event](t.name+" connection").
		On(EventDispatch, w.activate, StateConnect, StateAccept, StateRegister).
		On(EventRead, w.forceRead, StateActive, StateClosing).
		On(EventWrite, w.armWrite, StateActive, StateClosing).
		On(EventClose, w.closeUser, StateActive).
		On(EventError, w.onError, StateActive, StateClosing).
		On(EventOOB, w.customOOB, StateActive).
		Otherwise(t.ignore, connStates...).
		MustVerify(connStates, connEventTypes)
	t.threads = t.baseThreadTable().
		On(EventListConnections, w.list, ThreadRun).
		MustVerify(threadStates, threadEventTypes)
	return w, nil
}

// Len reports the number of connections owned.
func (w *ioThread) Len() int { return int(w.count.Load()) }

func (w *ioThread) activate(ev Event) {
	c := ev.Conn
	if err := configureSocket(c.fd, w.r.opts.bufferSize); err != nil {
		glog.Warningf("%s: %s: %v", w.name, c.name, err)
	}
	if err := w.sel.Add(c.fd, Readable); err != nil {
		c.closeFd()
		c.terminate(api.NewError(api.ErrCodeSetup, "register", c.name, err))
		return
	}
	c.interest = Readable
	w.active[c.fd] = c
	w.count.Add(1)
	c.setAddrs(localAddr(c.fd), remoteAddr(c.fd))
	c.readBuf = w.r.pool.Get()
	c.setState(StateActive)
	c.mask.Or(maskBound)
	close(c.bound)
	w.r.metrics.Opened(c.kind)
	glog.V(2).Infof("%s: %s active %v <-> %v", w.name, c.name, c.LocalAddr(), c.RemoteAddr())

	if err := c.deliverOOB(api.OOBEvent{Type: api.OOBBind}, nil); err != nil {
		w.fail(c, api.NewError(api.ErrCodeProtocol, "bind", c.name, err))
		return
	}
	c.startWriting()
}

func (w *ioThread) ready(rd Ready) {
	c := w.active[rd.Fd]
	if c == nil {
		return
	}
	if rd.Events&Writable != 0 {
		w.writeReady(c)
	}
	if rd.Events&Readable != 0 || rd.Hangup {
		if st := c.State(); st == StateActive || st == StateClosing {
			w.readReady(c)
		}
	}
}

func (w *ioThread) readReady(c *Connection) {
	if c.readBuf.Available() == 0 {
		c.readBuf.EnsureCapacity(w.r.opts.bufferSize)
	}
	n, err := readSocket(c.fd, c.readBuf.Free())
	switch {
	case n > 0:
		c.readBuf.Commit(n)
		w.r.metrics.Read(n)
		glog.V(3).Infof("%s: %s read %d", w.name, c.name, n)
		w.inbound(c)
	case err == errAgain:
	case err == io.EOF:
		w.endOfStream(c)
	default:
		w.fail(c, api.NewError(api.ErrCodeIO, "read", c.name, err))
	}
}

// inbound runs the inbound filter pass without the connection monitor and
// hands every produced message to the handler. The read buffer travels
// down the chain as is; the connection continues with a fresh one.
func (w *ioThread) inbound(c *Connection) {
	if c.readBuf.Len() > 0 {
		c.netIn.Writer().Add(c.readBuf.TakeReadable())
		c.readBuf = w.r.pool.Get()
	}
	err := c.flt.Inbound(c.netIn.Reader(), c.appIn.Writer())
	for _, p := range c.appIn.Drain() {
		c.handler.OnReceive(c, p)
	}
	if err != nil && c.State() != StateClosed {
		w.r.metrics.FilterError("inbound")
		w.fail(c, api.NewError(api.ErrCodeProtocol, "inbound", c.name, err))
		return
	}
	w.settleClose(c)
}

func (w *ioThread) writeReady(c *Connection) {
	c.mu.Lock()
	drained, err := c.drainLocked()
	if drained && c.strategy == bufferedWrites && c.State() == StateActive {
		c.strategy = writeThrough
	}
	c.mu.Unlock()
	if err != nil {
		w.fail(c, api.NewError(api.ErrCodeIO, "write", c.name, err))
		return
	}
	if !drained {
		return
	}
	if c.State() == StateClosing {
		w.settleClose(c)
		return
	}
	w.setInterest(c, Readable)
}

func (w *ioThread) setInterest(c *Connection, in Interest) {
	if c.interest == in {
		return
	}
	if err := w.sel.Modify(c.fd, in); err != nil {
		w.fail(c, api.NewError(api.ErrCodeIO, "interest", c.name, err))
		return
	}
	c.interest = in
}

func (w *ioThread) forceRead(ev Event) {
	if st := ev.Conn.State(); st == StateActive || st == StateClosing {
		w.inbound(ev.Conn)
	}
}

func (w *ioThread) armWrite(ev Event) {
	if ev.Conn.State() == StateClosing {
		w.settleClose(ev.Conn)
		return
	}
	w.setInterest(ev.Conn, Readable|Writable)
}

func (w *ioThread) closeUser(ev Event) { w.beginClose(ev.Conn) }

func (w *ioThread) onError(ev Event) {
	err, _ := ev.Arg.(error)
	if err == nil {
		err = api.ErrClosed
	}
	w.fail(ev.Conn, err)
}

func (w *ioThread) customOOB(ev Event) {
	oob, _ := ev.Arg.(api.OOBEvent)
	if err := ev.Conn.deliverOOB(oob, nil); err != nil {
		w.fail(ev.Conn, api.NewError(api.ErrCodeProtocol, "oob", ev.Conn.name, err))
	}
}

// beginClose announces the close through the chain, flushes, and moves
// the connection to CLOSING.
func (w *ioThread) beginClose(c *Connection) {
	if err := c.deliverOOB(api.OOBEvent{Type: api.OOBCloseUser}, nil); err != nil {
		glog.V(2).Infof("%s: %s close notification: %v", w.name, c.name, err)
	}
	if err := c.Flush(); err != nil {
		glog.V(2).Infof("%s: %s close flush: %v", w.name, c.name, err)
	}
	if c.State() == StateClosed {
		return
	}
	c.setState(StateClosing)
	w.settleClose(c)
}

// settleClose finishes a user close once nothing is left to write. Until
// then a CLOSING connection waits for write readiness while bytes are
// buffered, and keeps reading while a filter stage still holds output.
func (w *ioThread) settleClose(c *Connection) {
	if c.State() != StateClosing {
		return
	}
	c.mu.Lock()
	buffered := c.writeBuf.Len() > 0
	held := filter.Held(c.flt) > 0
	if buffered {
		c.strategy = bufferedWrites
	}
	c.mu.Unlock()
	var in Interest
	if buffered {
		in |= Writable
	}
	if held {
		in |= Readable
	}
	if in == 0 {
		w.finishClose(c, "user")
		return
	}
	w.setInterest(c, in)
}

func (w *ioThread) endOfStream(c *Connection) {
	residual := c.discardWrites()
	if err := c.deliverOOB(api.OOBEvent{Type: api.OOBCloseEOS}, residual); err != nil {
		glog.V(2).Infof("%s: %s eos notification: %v", w.name, c.name, err)
	}
	w.finishClose(c, "eos")
}

// fail records err, notifies the chain and the handler, and closes.
func (w *ioThread) fail(c *Connection, err error) {
	if c.State() == StateClosed {
		return
	}
	glog.V(2).Infof("%s: %s failed: %v", w.name, c.name, err)
	wasActive := c.State() == StateActive
	c.setErr(err)
	residual := c.discardWrites()
	if wasActive {
		if oerr := c.deliverOOB(api.OOBEvent{Type: api.OOBCloseError}, residual); oerr != nil {
			glog.V(2).Infof("%s: %s error notification: %v", w.name, c.name, oerr)
		}
	}
	c.handler.OnError(c, err)
	w.finishClose(c, "error")
}

func (w *ioThread) finishClose(c *Connection, reason string) {
	if c.State() == StateClosed {
		return
	}
	c.discardWrites()
	if err := w.sel.Remove(c.fd); err != nil {
		glog.V(3).Infof("%s: %s: %v", w.name, c.name, err)
	}
	delete(w.active, c.fd)
	w.count.Add(-1)
	c.closeFd()
	if c.readBuf != nil {
		w.r.pool.Put(c.readBuf)
		c.readBuf = nil
	}
	c.reason = reason
	c.terminate(nil)
}

func (w *ioThread) owns(c *Connection) bool {
	return w.active[c.fd] == c
}

// closeAll fails every owned connection. A callback that panics here
// still leaves its connection closed.
func (w *ioThread) closeAll(err error) {
	for _, c := range w.active {
		if perr := guarded(w.name, func() { w.fail(c, err) }); perr != nil {
			_ = guarded(w.name, func() { w.finishClose(c, "error") })
		}
	}
}

func (w *ioThread) list(ev Event) {
	out := make([]*Connection, 0, len(w.active))
	for _, c := range w.active {
		out = append(out, c)
	}
	ev.Arg.(*request).answer(out, nil)
}
