// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor owns one dispatch thread, N I/O threads, the read buffer pool and
// the delegated task executor.

package reactor

import (
	"fmt"
	"net"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/config"
	"github.com/momentics/hioload-tcp/core/buffer"
	"github.com/momentics/hioload-tcp/internal/concurrency"
	"github.com/momentics/hioload-tcp/metrics"
)

// Reactor multiplexes connections over a fixed set of threads.
type Reactor struct {
	opts     options
	pool     *buffer.Pool
	metrics  *metrics.Metrics
	exec     api.Executor
	ownExec  *concurrency.Executor
	dispatch *dispatchThread
	ios      []*ioThread

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

var _ api.GracefulShutdown = (*Reactor)(nil)

// New starts a reactor.
func New(opts ...Option) (*Reactor, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.ioThreads <= 0 {
		return nil, api.NewError(api.ErrCodeConfig, "new reactor", "", errors.Wrapf(api.ErrInvalidArgument, "io threads %d", o.ioThreads))
	}
	if o.bufferSize <= 0 {
		return nil, api.NewError(api.ErrCodeConfig, "new reactor", "", errors.Wrapf(api.ErrInvalidArgument, "buffer size %d", o.bufferSize))
	}
	if o.backlog <= 0 {
		return nil, api.NewError(api.ErrCodeConfig, "new reactor", "", errors.Wrapf(api.ErrInvalidArgument, "backlog %d", o.backlog))
	}
	r := &Reactor{
		opts:    o,
		pool:    buffer.NewPool(o.bufferSize),
		metrics: o.metrics,
		exec:    o.exec,
	}
	for i := 1; i <= o.ioThreads; i++ {
		w, err := newIOThread(r, i)
		if err != nil {
			r.closeSelectors()
			return nil, api.NewError(api.ErrCodeSetup, "new reactor", "", err)
		}
		r.ios = append(r.ios, w)
	}
	d, err := newDispatchThread(r, r.ios)
	if err != nil {
		r.closeSelectors()
		return nil, api.NewError(api.ErrCodeSetup, "new reactor", "", err)
	}
	r.dispatch = d
	if r.exec == nil {
		r.ownExec = concurrency.NewExecutor(o.executorWorkers, o.executorQueue)
		r.exec = r.ownExec
	}

	r.start(d.thread)
	for _, w := range r.ios {
		r.start(w.thread)
	}
	if o.store != nil {
		o.store.OnReload(r.reload)
	}
	glog.Infof("reactor: started with %d I/O threads", len(r.ios))
	return r, nil
}

func (r *Reactor) start(t *thread) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t.run()
	}()
}

func (r *Reactor) closeSelectors() {
	for _, w := range r.ios {
		w.sel.Close()
	}
}

// Shutdown stops the dispatch thread, then the I/O threads, failing every
// connection still open with ErrReactorClosed. It waits for all threads.
func (r *Reactor) Shutdown() error {
	r.shutdownOnce.Do(func() {
		glog.Infof("reactor: shutting down")
		r.stop(r.dispatch.thread)
		for _, w := range r.ios {
			w.post(Event{Type: EventShutdown})
		}
		r.wg.Wait()
		if r.ownExec != nil {
			r.ownExec.Close()
		}
		var faults []string
		for _, t := range r.threads() {
			if t.fault != nil {
				faults = append(faults, t.fault.Error())
			}
		}
		if len(faults) > 0 {
			r.shutdownErr = api.NewError(api.ErrCodeInternal, "shutdown", "", errors.Errorf("thread faults: %v", faults))
		}
		glog.Infof("reactor: stopped")
	})
	return r.shutdownErr
}

func (r *Reactor) stop(t *thread) {
	t.post(Event{Type: EventShutdown})
	<-t.done
}

func (r *Reactor) threads() []*thread {
	out := []*thread{r.dispatch.thread}
	for _, w := range r.ios {
		out = append(out, w.thread)
	}
	return out
}

// IOThreads reports the number of I/O threads.
func (r *Reactor) IOThreads() int { return len(r.ios) }

// Connections lists the active connections of every I/O thread. Like the
// other management calls it waits for the threads to answer, so it must not
// be called from a handler callback.
func (r *Reactor) Connections() ([]*Connection, error) {
	var out []*Connection
	for _, w := range r.ios {
		v, err := w.request(EventListConnections, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, v.([]*Connection)...)
	}
	return out, nil
}

// BoundAddresses lists the addresses with a listening socket.
func (r *Reactor) BoundAddresses() ([]net.Addr, error) {
	v, err := r.dispatch.request(EventListAddresses, 0)
	if err != nil {
		return nil, err
	}
	return v.([]net.Addr), nil
}

// Backlog returns the listen backlog.
func (r *Reactor) Backlog() (int, error) {
	v, err := r.dispatch.request(EventGetBacklog, 0)
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// SetBacklog changes the backlog of current and future listeners.
func (r *Reactor) SetBacklog(n int) error {
	_, err := r.dispatch.request(EventSetBacklog, n)
	return err
}

func (r *Reactor) reload(changed map[string]any) {
	if _, ok := changed[config.KeyBacklog]; !ok {
		return
	}
	n, ok := r.opts.store.Int(config.KeyBacklog)
	if !ok {
		glog.Warningf("reactor: %s is not an int: %v", config.KeyBacklog, changed[config.KeyBacklog])
		return
	}
	if err := r.SetBacklog(n); err != nil {
		glog.Warningf("reactor: reload backlog: %v", err)
	}
}

// Stats returns a snapshot of thread and executor counters.
func (r *Reactor) Stats() map[string]int64 {
	out := map[string]int64{
		"io_threads":      int64(len(r.ios)),
		"dispatch.queued": int64(r.dispatch.mailbox.Len()),
	}
	var total int64
	for _, w := range r.ios {
		n := int64(w.Len())
		total += n
		out[fmt.Sprintf("%s.connections", w.name)] = n
		out[fmt.Sprintf("%s.queued", w.name)] = int64(w.mailbox.Len())
	}
	out["connections"] = total
	if r.ownExec != nil {
		for k, v := range r.ownExec.Stats() {
			out["executor."+k] = v
		}
	}
	return out
}

// ExecutorStats exposes the owned executor's counters, nil with WithExecutor.
func (r *Reactor) ExecutorStats() map[string]int64 {
	if r.ownExec == nil {
		return nil
	}
	return r.ownExec.Stats()
}

var (
	defaultMu      sync.Mutex
	defaultReactor *Reactor
)

// Default returns the process-wide reactor, starting it on first use.
func Default() (*Reactor, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultReactor == nil {
		r, err := New()
		if err != nil {
			return nil, err
		}
		defaultReactor = r
	}
	return defaultReactor, nil
}

// ShutdownDefault stops the process-wide reactor if it was started.
func ShutdownDefault() error {
	defaultMu.Lock()
	r := defaultReactor
	defaultReactor = nil
	defaultMu.Unlock()
	if r == nil {
		return nil
	}
	return r.Shutdown()
}
