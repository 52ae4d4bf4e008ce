// File: reactor/thread.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The loop shared by dispatch and I/O threads: select, handle ready
// descriptors, drain the mailbox through the state tables, repeat while RUN.

package reactor

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/internal/concurrency"
	"github.com/momentics/hioload-tcp/internal/fsm"
)

const maxReady = 128

type connTable = fsm.Table[State, EventType, Event]
type threadTable = fsm.Table[ThreadState, EventType, Event]

// thread is the part common to both roles.
type thread struct {
	id   int
	name string
	role string
	r    *Reactor

	sel     Selector
	mailbox *concurrency.Mailbox[Event]
	timeout time.Duration
	state   atomic.Int32

	conns   *connTable
	threads *threadTable

	// role hooks
	onReady    func(Ready)
	onIdle     func()
	owns       func(c *Connection) bool
	onShutdown func(err error)

	readyBuf []Ready
	pending  []Event
	cursor   int // next unhandled entry of pending
	fault    error
	done     chan struct{}
}

func newThread(r *Reactor, id int, role string) (*thread, error) {
	sel, err := NewSelector()
	if err != nil {
		return nil, err
	}
	t := &thread{
		id:       id,
		role:     role,
		r:        r,
		sel:      sel,
		timeout:  r.opts.selectTimeout,
		readyBuf: make([]Ready, maxReady),
		done:     make(chan struct{}),
	}
	if role == roleDispatch {
		t.name = "dispatch"
	} else {
		t.name = fmt.Sprintf("io-%d", id)
	}
	t.mailbox = concurrency.NewMailbox[Event](t.wakeup)
	return t, nil
}

func (t *thread) wakeup() {
	if err := t.sel.Wakeup(); err != nil {
		glog.Warningf("%s: wakeup: %v", t.name, err)
	}
}

func (t *thread) State() ThreadState { return ThreadState(t.state.Load()) }

func (t *thread) setState(s ThreadState) {
	glog.V(2).Infof("%s: %s -> %s", t.name, t.State(), s)
	t.state.Store(int32(s))
}

// post enqueues ev; false means the thread no longer accepts events.
func (t *thread) post(ev Event) bool { return t.mailbox.Post(ev) }

// request posts a management event and waits for its answer.
func (t *thread) request(typ EventType, value int) (any, error) {
	q := newRequest(value)
	if !t.post(Event{Type: typ, Arg: q}) {
		return nil, api.ErrReactorClosed
	}
	select {
	case resp := <-q.reply:
		return resp.value, resp.err
	case <-t.done:
		select {
		case resp := <-q.reply:
			return resp.value, resp.err
		default:
			return nil, api.ErrReactorClosed
		}
	}
}

func (t *thread) run() {
	defer close(t.done)
	glog.Infof("%s: started", t.name)
	for t.State() == ThreadRun {
		start := time.Now()
		n, err := t.sel.Select(t.readyBuf, t.timeout)
		t.r.metrics.ObserveSelect(time.Since(start))
		if err != nil {
			glog.Errorf("%s: select failed: %v", t.name, err)
			t.fault = errors.Wrap(err, t.name)
			break
		}
		if err := guarded(t.name, func() { t.pass(t.readyBuf[:n]) }); err != nil {
			t.fault = err
			break
		}
	}
	t.shutdown()
}

// pass handles one batch of readiness followed by the mailbox.
func (t *thread) pass(ready []Ready) {
	for _, rd := range ready {
		t.onReady(rd)
	}
	t.drain()
	if t.onIdle != nil {
		t.onIdle()
	}
}

// guarded runs fn and turns a panic into an internal error.
func guarded(name string, fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			glog.Errorf("%s: panic: %v\n%s", name, p, debug.Stack())
			err = api.NewError(api.ErrCodeInternal, "panic", name, errors.Errorf("%v", p))
		}
	}()
	fn()
	return nil
}

func (t *thread) drain() {
	t.pending = t.mailbox.Drain(t.pending[:0])
	for t.cursor < len(t.pending) {
		ev := t.pending[t.cursor]
		t.pending[t.cursor] = Event{}
		t.cursor++
		t.handle(ev)
	}
	t.pending, t.cursor = t.pending[:0], 0
}

func (t *thread) handle(ev Event) {
	t.r.metrics.Handled(t.role)
	if ev.Conn == nil {
		t.threads.Dispatch(t.State(), ev.Type, ev)
		return
	}
	c := ev.Conn
	if owner := c.owner.Load(); owner != t {
		// ownership moved since the event was posted
		t.r.metrics.Forwarded()
		glog.V(3).Infof("%s: forward %s to %s", t.name, ev, owner.name)
		if !owner.post(ev) {
			c.abort(api.ErrReactorClosed)
		}
		return
	}
	t.conns.Dispatch(c.State(), ev.Type, ev)
}

// shutdown runs once the loop has left RUN.
func (t *thread) shutdown() {
	t.setState(ThreadClosing)
	err := t.fault
	if err == nil {
		err = api.ErrReactorClosed
	} else {
		err = api.NewError(api.ErrCodeInternal, t.name, "", errors.Wrap(api.ErrReactorClosed, err.Error()))
	}
	// a fault can leave part of the last batch unhandled
	leftover := append(t.pending[t.cursor:], t.mailbox.Close()...)
	t.pending, t.cursor = nil, 0
	for _, ev := range leftover {
		if ev.Conn == nil {
			t.threads.Dispatch(ThreadClosing, ev.Type, ev)
			continue
		}
		c := ev.Conn
		if owner := c.owner.Load(); owner != nil && owner != t {
			if !owner.post(ev) {
				c.abort(err)
			}
			continue
		}
		if !t.owns(c) {
			c.abort(err)
		}
	}
	t.onShutdown(err)
	if _, serr := t.sel.Select(t.readyBuf, 0); serr != nil {
		glog.V(2).Infof("%s: final select: %v", t.name, serr)
	}
	if cerr := t.sel.Close(); cerr != nil {
		glog.Warningf("%s: %v", t.name, cerr)
	}
	t.setState(ThreadClosed)
	glog.Infof("%s: stopped", t.name)
}

// stop is the RUN handler for EventShutdown.
func (t *thread) stop(Event) { t.setState(ThreadClosing) }

// rejectRequest answers management events once the thread is going away.
func (t *thread) rejectRequest(ev Event) {
	if q, ok := ev.Arg.(*request); ok {
		q.answer(nil, api.ErrReactorClosed)
	}
}

func (t *thread) unsupported(ev Event) {
	if q, ok := ev.Arg.(*request); ok {
		q.answer(nil, errors.Wrapf(api.ErrNotSupported, "%s on %s thread", ev.Type, t.role))
	}
}

func (t *thread) ignore(ev Event) {
	state := "-"
	if ev.Conn != nil {
		state = ev.Conn.State().String()
	}
	glog.V(3).Infof("%s: ignore %s in state %s", t.name, ev, state)
}

// baseThreadTable wires the transitions both roles share; role-specific
// queries are added by the caller.
func (t *thread) baseThreadTable() *threadTable {
	return fsm.New[ThreadState, EventType, Event](t.name+" thread").
		On(EventShutdown, t.stop, ThreadRun).
		Otherwise(t.unsupported, ThreadRun).
		Otherwise(t.rejectRequest, ThreadClosing, ThreadClosed)
}
