// File: reactor/dispatch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The dispatch thread owns listening and connecting sockets. Established
// sockets are handed to I/O threads in rotation.

package reactor

import (
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/internal/fsm"
)

const (
	roleDispatch = "dispatch"
	roleIO       = "io"

	// acceptBackoff is how long a listener stays quiet after accept fails
	// with something other than EAGAIN, e.g. EMFILE.
	acceptBackoff = 100 * time.Millisecond
)

type dispatchThread struct {
	*thread
	ios        []*ioThread
	next       int
	registry   *acceptRegistry
	connecting map[int]*Connection
	backlog    int
}

func newDispatchThread(r *Reactor, ios []*ioThread) (*dispatchThread, error) {
	t, err := newThread(r, 0, roleDispatch)
	if err != nil {
		return nil, err
	}
	d := &dispatchThread{
		thread:     t,
		ios:        ios,
		registry:   newAcceptRegistry(),
		connecting: make(map[int]*Connection),
		backlog:    r.opts.backlog,
	}
	t.onReady = d.ready
	t.onIdle = d.resume
	t.owns = d.owns
	t.onShutdown = d.closeAll
	t.conns = fsm.New[State, EventType, Event]("dispatch connection").
		On(EventConnect, d.connect, StateVirgin).
		On(EventAccept, d.accept, StateVirgin).
		On(EventRegister, d.register, StateVirgin).
		On(EventClose, d.cancel, StateConnect, StateAccept).
		On(EventError, d.cancel, StateConnect, StateAccept).
		Otherwise(t.ignore, connStates...).
		MustVerify(connStates, connEventTypes)
	t.threads = t.baseThreadTable().
		On(EventListAddresses, d.listAddresses, ThreadRun).
		On(EventGetBacklog, d.getBacklog, ThreadRun).
		On(EventSetBacklog, d.setBacklog, ThreadRun).
		MustVerify(threadStates, threadEventTypes)
	return d, nil
}

func (d *dispatchThread) connect(ev Event) {
	c := ev.Conn
	fd, done, err := connectSocket(c.raddr)
	if err != nil {
		c.terminate(api.NewError(api.ErrCodeIO, "connect", c.name, err))
		return
	}
	c.fd = fd
	c.setState(StateConnect)
	if done {
		d.handoff(c)
		return
	}
	if err := d.sel.Add(fd, Writable); err != nil {
		c.closeFd()
		c.terminate(api.NewError(api.ErrCodeSetup, "connect", c.name, err))
		return
	}
	d.connecting[fd] = c
}

func (d *dispatchThread) accept(ev Event) {
	c := ev.Conn
	l := d.registry.lookup(c.acceptKey)
	if l == nil {
		fd, bound, err := listenSocket(c.laddr, d.backlog)
		if err != nil {
			c.terminate(api.NewError(api.ErrCodeSetup, "accept", c.name, err))
			return
		}
		if err := d.sel.Add(fd, Readable); err != nil {
			closeSocket(fd)
			c.terminate(api.NewError(api.ErrCodeSetup, "accept", c.name, err))
			return
		}
		l = d.registry.add(c.acceptKey, fd, bound)
		glog.V(1).Infof("%s: listening on %v for %q", d.name, bound, c.acceptKey)
	}
	d.registry.enqueue(l, c)
	c.setAddrs(l.addr, nil)
	c.setState(StateAccept)
	glog.V(2).Infof("%s: %s waits on %q, %d pending", d.name, c.name, c.acceptKey, d.registry.refs(c.acceptKey))
}

func (d *dispatchThread) register(ev Event) {
	ev.Conn.setState(StateRegister)
	d.handoff(ev.Conn)
}

// cancel handles CLOSE and ERROR for connections still waiting here.
func (d *dispatchThread) cancel(ev Event) {
	c := ev.Conn
	var err error
	if ev.Type == EventError {
		err, _ = ev.Arg.(error)
	}
	switch c.State() {
	case StateConnect:
		delete(d.connecting, c.fd)
		if rerr := d.sel.Remove(c.fd); rerr != nil {
			glog.V(2).Infof("%s: %v", d.name, rerr)
		}
		c.closeFd()
	case StateAccept:
		if l, empty := d.registry.remove(c); l != nil && empty {
			d.closeListener(l)
		}
	}
	c.terminate(err)
}

func (d *dispatchThread) ready(rd Ready) {
	if l := d.registry.listenerFor(rd.Fd); l != nil {
		d.acceptReady(l)
		return
	}
	if c := d.connecting[rd.Fd]; c != nil {
		d.connectReady(c)
	}
}

func (d *dispatchThread) acceptReady(l *listener) {
	for l.len() > 0 {
		fd, ok, err := acceptSocket(l.fd)
		if err != nil {
			glog.Warningf("%s: accept on %v: %v; pausing for %v", d.name, l.addr, err, acceptBackoff)
			d.pause(l)
			return
		}
		if !ok {
			break
		}
		c := d.registry.pop(l)
		c.fd = fd
		d.handoff(c)
	}
	if l.len() == 0 {
		d.closeListener(l)
	}
}

// pause drops read interest on l for acceptBackoff. A level-triggered
// listener that keeps failing would otherwise spin the loop.
func (d *dispatchThread) pause(l *listener) {
	if err := d.sel.Modify(l.fd, 0); err != nil {
		glog.V(2).Infof("%s: %v", d.name, err)
	}
	d.registry.pause(l, time.Now().Add(acceptBackoff))
	d.timeout = min(d.r.opts.selectTimeout, acceptBackoff)
}

// resume re-arms paused listeners whose backoff has expired.
func (d *dispatchThread) resume() {
	if !d.registry.anyPaused() {
		return
	}
	for _, l := range d.registry.due(time.Now()) {
		if err := d.sel.Modify(l.fd, Readable); err != nil {
			glog.Warningf("%s: listener %v: %v", d.name, l.addr, err)
			continue
		}
		glog.V(1).Infof("%s: accepting on %v again", d.name, l.addr)
	}
	if !d.registry.anyPaused() {
		d.timeout = d.r.opts.selectTimeout
	}
}

func (d *dispatchThread) connectReady(c *Connection) {
	delete(d.connecting, c.fd)
	if err := d.sel.Remove(c.fd); err != nil {
		glog.V(2).Infof("%s: %v", d.name, err)
	}
	if err := connectResult(c.fd); err != nil {
		c.closeFd()
		c.terminate(api.NewError(api.ErrCodeIO, "connect", c.name, err))
		return
	}
	d.handoff(c)
}

// handoff moves ownership to the next I/O thread. The owner changes under
// the monitor together with the DISPATCH post, so that event precedes
// anything posted against the new owner.
func (d *dispatchThread) handoff(c *Connection) {
	w := d.ios[d.next%len(d.ios)]
	d.next++
	c.mu.Lock()
	c.owner.Store(w.thread)
	ok := w.post(Event{Type: EventDispatch, Conn: c})
	c.mu.Unlock()
	if !ok {
		c.abort(api.ErrReactorClosed)
		return
	}
	glog.V(2).Infof("%s: %s handed to %s", d.name, c.name, w.name)
}

func (d *dispatchThread) closeListener(l *listener) {
	if err := d.sel.Remove(l.fd); err != nil {
		glog.V(2).Infof("%s: %v", d.name, err)
	}
	if err := closeSocket(l.fd); err != nil {
		glog.Warningf("%s: listener %v: %v", d.name, l.addr, err)
	}
	d.registry.drop(l)
	glog.V(1).Infof("%s: stopped listening on %v", d.name, l.addr)
}

func (d *dispatchThread) owns(c *Connection) bool {
	switch c.State() {
	case StateConnect:
		return d.connecting[c.fd] == c
	case StateAccept:
		return d.registry.lookup(c.acceptKey) != nil
	}
	return false
}

func (d *dispatchThread) closeAll(err error) {
	for fd, c := range d.connecting {
		delete(d.connecting, fd)
		d.sel.Remove(fd)
		c.closeFd()
		c.terminate(err)
	}
	for _, l := range d.registry.all() {
		for l.len() > 0 {
			d.registry.pop(l).terminate(err)
		}
		d.closeListener(l)
	}
}

func (d *dispatchThread) listAddresses(ev Event) {
	ev.Arg.(*request).answer(d.registry.addresses(), nil)
}

func (d *dispatchThread) getBacklog(ev Event) {
	ev.Arg.(*request).answer(d.backlog, nil)
}

func (d *dispatchThread) setBacklog(ev Event) {
	q := ev.Arg.(*request)
	if q.value <= 0 {
		q.answer(nil, errors.Wrapf(api.ErrInvalidArgument, "backlog %d", q.value))
		return
	}
	d.backlog = q.value
	for _, l := range d.registry.all() {
		if err := setBacklog(l.fd, q.value); err != nil {
			glog.Warningf("%s: backlog on %v: %v", d.name, l.addr, err)
		}
	}
	glog.V(1).Infof("%s: backlog set to %d", d.name, q.value)
	q.answer(nil, nil)
}
