// File: reactor/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection is a non-blocking TCP endpoint driven by the reactor threads.
// Ownership moves VIRGIN -> dispatch thread -> one I/O thread; only the
// owner touches the socket's read side and the inbound filter pass. The
// write path is shared with callers of Send under the connection monitor.

package reactor

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/momentics/hioload-tcp/adapters"
	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/core/buffer"
	"github.com/momentics/hioload-tcp/filter"
)

// ConnOption customizes a Connection before submission.
type ConnOption func(*Connection)

// WithName overrides the generated connection name.
func WithName(name string) ConnOption {
	return func(c *Connection) {
		if name != "" {
			c.name = name
		}
	}
}

// WithFilter sets the filter factory instantiated at submission.
func WithFilter(f filter.Factory) ConnOption {
	return func(c *Connection) { c.factory = f }
}

// Connection implements api.Conn for handlers and api.FilterConn for filters.
type Connection struct {
	name    string
	r       *Reactor
	handler api.Handler
	factory filter.Factory
	flt     filter.Filter

	// mu is the connection monitor: write path, strategy, submission.
	mu        sync.Mutex
	owner     atomic.Pointer[thread]
	state     atomic.Int32
	mask      atomic.Uint32
	submitted bool

	closeRequested atomic.Bool
	closeOnce      sync.Once
	fdOnce         sync.Once

	// submission parameters
	kind      string
	raddr     *net.TCPAddr
	laddr     *net.TCPAddr
	acceptKey string

	// owner-thread state
	fd       int
	interest Interest
	readBuf  *buffer.Buffer
	netIn    *filter.Queue[[]byte]
	appIn    *filter.Queue[[]byte]
	oobIn    *filter.Queue[api.OOBEvent]
	oobOut   *filter.Queue[api.OOBEvent]
	reason   string

	// guarded by mu
	writeBuf *buffer.Buffer
	strategy writeStrategy
	appOut   *filter.Queue[[]byte]
	netOut   *filter.Queue[[]byte]

	addrMu sync.RWMutex
	local  net.Addr
	remote net.Addr

	errMu sync.Mutex
	err   error

	bound chan struct{}
	done  chan struct{}
}

var (
	_ api.Conn       = (*Connection)(nil)
	_ api.FilterConn = (*Connection)(nil)
)

// NewConnection creates an unsubmitted connection on r. A nil handler
// discards every callback.
func (r *Reactor) NewConnection(h api.Handler, opts ...ConnOption) *Connection {
	if h == nil {
		h = &adapters.HandlerFuncs{}
	}
	c := &Connection{
		name:     uuid.NewString(),
		r:        r,
		handler:  h,
		fd:       -1,
		netIn:    filter.NewDataQueue(),
		appIn:    filter.NewDataQueue(),
		oobIn:    filter.NewOOBQueue(),
		oobOut:   filter.NewOOBQueue(),
		writeBuf: buffer.New(0),
		strategy: bufferedWrites,
		appOut:   filter.NewDataQueue(),
		netOut:   filter.NewDataQueue(),
		bound:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the connection name.
func (c *Connection) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) {
	glog.V(2).Infof("%s: %s -> %s", c.name, c.State(), s)
	c.state.Store(int32(s))
}

// ThreadID returns the id of the owning thread; 0 is the dispatch thread,
// -1 means unsubmitted.
func (c *Connection) ThreadID() int {
	if t := c.owner.Load(); t != nil {
		return t.id
	}
	return -1
}

// SetFilter replaces the filter factory. It fails once the connection has
// been submitted.
func (c *Connection) SetFilter(f filter.Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitted {
		return api.NewError(api.ErrCodeConfig, "set filter", c.name, api.ErrInvalidState)
	}
	c.factory = f
	return nil
}

// Connect starts an outbound connection to addr.
func (c *Connection) Connect(addr string) error {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return api.NewError(api.ErrCodeSetup, "connect", c.name, err)
	}
	return c.submit("connect", EventConnect, func() error {
		c.raddr = raddr
		return nil
	})
}

// Accept waits for one inbound connection on addr. Connections accepting
// on the same address string share one listening socket.
func (c *Connection) Accept(addr string) error {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return api.NewError(api.ErrCodeSetup, "accept", c.name, err)
	}
	return c.submit("accept", EventAccept, func() error {
		c.laddr = laddr
		c.acceptKey = addr
		return nil
	})
}

// Register adopts an established connection. nc is closed on success; the
// connection keeps a duplicate of its descriptor.
func (c *Connection) Register(nc net.Conn) error {
	return c.submit("register", EventRegister, func() error {
		fd, err := adoptConn(nc)
		if err != nil {
			return err
		}
		c.fd = fd
		return nil
	})
}

func (c *Connection) submit(kind string, typ EventType, prepare func() error) error {
	c.mu.Lock()
	if c.submitted {
		c.mu.Unlock()
		return api.NewError(api.ErrCodeSetup, kind, c.name, api.ErrInvalidState)
	}
	if c.closeRequested.Load() {
		c.mu.Unlock()
		return api.NewError(api.ErrCodeClosed, kind, c.name, api.ErrClosed)
	}
	factory := c.factory
	if factory == nil {
		factory = filter.IdentityFactory{}
	}
	flt, err := factory.NewFilter(c)
	if err != nil {
		c.mu.Unlock()
		return api.NewError(api.ErrCodeSetup, kind, c.name, err)
	}
	if err := prepare(); err != nil {
		filter.Release(flt)
		c.mu.Unlock()
		return api.NewError(api.ErrCodeSetup, kind, c.name, err)
	}
	c.flt = flt
	c.kind = kind
	c.submitted = true
	d := c.r.dispatch
	c.owner.Store(d.thread)
	ok := d.post(Event{Type: typ, Conn: c})
	c.mu.Unlock()
	if !ok {
		c.abort(api.ErrReactorClosed)
		return api.NewError(api.ErrCodeSetup, kind, c.name, api.ErrReactorClosed)
	}
	glog.V(2).Infof("%s: submitted %s", c.name, kind)
	return nil
}

// Send pushes p through the outbound filters and returns the number of
// bytes not yet handed to the socket: output waiting for write readiness,
// plus data queued before activation or held by a filter stage. p may be
// reused once Send returns. After close the data is discarded.
func (c *Connection) Send(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(p) > 0 {
		c.appOut.Writer().Add(append([]byte(nil), p...))
	}
	err := c.outboundLocked("send")
	return c.pendingLocked(), err
}

func (c *Connection) pendingLocked() int {
	if c.strategy == nullWrites {
		return 0
	}
	return c.writeBuf.Len() + filter.Size(c.appOut) + filter.Held(c.flt)
}

// SendOOB routes a custom out-of-band event through the inbound side of
// the chain on the owning thread.
func (c *Connection) SendOOB(ev api.OOBEvent) error {
	if ev.Type != api.OOBCustom {
		return errors.Wrapf(api.ErrInvalidArgument, "oob %s is reserved", ev.Type)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateActive {
		return api.NewError(api.ErrCodeClosed, "oob", c.name, api.ErrInvalidState)
	}
	if !c.postLocked(Event{Type: EventOOB, Arg: ev, Conn: c}) {
		return api.NewError(api.ErrCodeClosed, "oob", c.name, api.ErrReactorClosed)
	}
	return nil
}

// Close requests a graceful close: pending writes are flushed first.
// Repeated calls are no-ops.
func (c *Connection) Close() error {
	if !c.closeRequested.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	if !c.submitted {
		c.mu.Unlock()
		c.terminate(nil)
		return nil
	}
	ok := c.postLocked(Event{Type: EventClose, Conn: c})
	c.mu.Unlock()
	if !ok {
		c.abort(api.ErrReactorClosed)
	}
	return nil
}

// LocalAddr returns the bound local address, once known.
func (c *Connection) LocalAddr() net.Addr {
	c.addrMu.RLock()
	defer c.addrMu.RUnlock()
	return c.local
}

// RemoteAddr returns the peer address, once known.
func (c *Connection) RemoteAddr() net.Addr {
	c.addrMu.RLock()
	defer c.addrMu.RUnlock()
	return c.remote
}

func (c *Connection) setAddrs(local, remote net.Addr) {
	c.addrMu.Lock()
	defer c.addrMu.Unlock()
	if local != nil {
		c.local = local
	}
	if remote != nil {
		c.remote = remote
	}
}

// Err returns the error that closed the connection, if any.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Connection) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Lock acquires the connection monitor.
func (c *Connection) Lock() { c.mu.Lock() }

// Unlock releases the connection monitor.
func (c *Connection) Unlock() { c.mu.Unlock() }

// Flush runs an outbound pass without new input.
func (c *Connection) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outboundLocked("flush")
}

// ForceRead schedules an inbound pass on the owning thread.
func (c *Connection) ForceRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.postLocked(Event{Type: EventRead, Conn: c})
}

// Executor returns the reactor's delegated task executor.
func (c *Connection) Executor() api.Executor { return c.r.exec }

// postLocked posts ev to the current owner. Callers hold mu, which orders
// the post against ownership changes.
func (c *Connection) postLocked(ev Event) bool {
	owner := c.owner.Load()
	if owner == nil {
		return false
	}
	return owner.post(ev)
}

// outboundLocked runs the outbound filter pass and writes its output
// through the current strategy.
func (c *Connection) outboundLocked(op string) error {
	if c.flt == nil {
		return nil
	}
	if c.strategy == nullWrites {
		c.appOut.Drain()
		c.netOut.Drain()
		return nil
	}
	err := c.flt.Outbound(c.appOut.Reader(), c.netOut.Writer())
	for c.netOut.Len() > 0 {
		c.strategy.write(c, c.netOut.Reader().Remove())
	}
	if err == nil {
		return nil
	}
	c.r.metrics.FilterError("outbound")
	err = api.NewError(api.ErrCodeProtocol, op, c.name, err)
	if !callerError(err) {
		c.strategy = nullWrites
		c.postLocked(Event{Type: EventError, Arg: err, Conn: c})
	}
	return err
}

// callerError reports errors caused by the data handed to Send rather than
// by the connection.
func callerError(err error) bool {
	return errors.Is(err, api.ErrFrameTooLarge) || errors.Is(err, api.ErrInvalidArgument)
}

// drainLocked writes the deferred buffer; true means it is empty.
func (c *Connection) drainLocked() (bool, error) {
	for c.writeBuf.Len() > 0 {
		n, err := writeSocket(c.fd, c.writeBuf.Bytes())
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		c.writeBuf.Consume(n)
		c.r.metrics.Wrote(n)
		glog.V(3).Infof("%s: wrote %d deferred", c.name, n)
	}
	return true, nil
}

// startWriting switches an activated connection to write-through and
// flushes what was sent before activation.
func (c *Connection) startWriting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeBuf.Len() > 0 {
		c.postLocked(Event{Type: EventWrite, Conn: c})
	} else {
		c.strategy = writeThrough
	}
	if err := c.outboundLocked("flush"); err != nil {
		glog.V(2).Infof("%s: initial flush: %v", c.name, err)
	}
}

// discardWrites switches to the null strategy and returns the bytes that
// were never delivered.
func (c *Connection) discardWrites() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategy = nullWrites
	var residual []byte
	if c.writeBuf.Len() > 0 {
		residual = c.writeBuf.Copy()
		c.writeBuf.Reset()
	}
	c.appOut.Drain()
	c.netOut.Drain()
	return residual
}

// deliverOOB passes ev through the chain and dispatches what reaches the
// application end. Owner thread only.
func (c *Connection) deliverOOB(ev api.OOBEvent, residual []byte) error {
	c.oobIn.Writer().Add(ev)
	err := filter.PassOOB(c.flt, c.oobIn.Reader(), c.oobOut.Writer())
	for _, e := range c.oobOut.Drain() {
		switch {
		case e.Type == api.OOBBind:
			c.handler.OnBind(c)
		case e.Type.IsClose():
			c.handler.OnClosing(c, e.Type, residual)
		default:
			if h, ok := c.handler.(api.OOBHandler); ok {
				h.OnOOB(c, e)
			}
		}
	}
	return err
}

func (c *Connection) closeFd() {
	c.fdOnce.Do(func() {
		if c.fd < 0 {
			return
		}
		if err := closeSocket(c.fd); err != nil {
			glog.V(2).Infof("%s: %v", c.name, err)
		}
	})
}

// terminate moves the connection to CLOSED exactly once. Waiters on Done
// are released after OnClose returns. A panicking OnClose is logged and
// recorded as the connection error.
func (c *Connection) terminate(err error) {
	c.closeOnce.Do(func() {
		defer close(c.done)
		if err != nil {
			c.setErr(err)
		}
		wasActive := c.mask.Load()&maskBound != 0
		reason := c.reason
		if reason == "" {
			reason = "error"
			if c.Err() == nil {
				reason = "user"
			}
		}
		if c.flt != nil {
			filter.Release(c.flt)
		}
		c.setState(StateClosed)
		c.mask.Or(maskClosed)
		c.r.metrics.Closed(reason, wasActive)
		glog.V(2).Infof("%s: closed (%s)", c.name, reason)
		if perr := guarded(c.name, func() { c.handler.OnClose(c) }); perr != nil {
			c.setErr(perr)
		}
	})
}

// abort tears down a connection no thread will process any more.
func (c *Connection) abort(err error) {
	c.mu.Lock()
	c.strategy = nullWrites
	c.mu.Unlock()
	c.closeFd()
	c.terminate(err)
}
