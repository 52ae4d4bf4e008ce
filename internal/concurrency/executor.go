// File: internal/concurrency/executor.go
// Package concurrency implements a task executor for delegated work.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor dispatches tasks across worker goroutines through a shared queue.
// Reactor threads submit CPU-bound protocol work here (TLS key exchange) and
// must never block doing so: when the queue is full the task runs on an
// overflow goroutine instead.

package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/momentics/hioload-tcp/api"
)

// TaskFunc is a unit of work to execute.
type TaskFunc func()

// Executor manages a pool of worker goroutines.
type Executor struct {
	queue      chan TaskFunc
	closeCh    chan struct{}
	closed     int32
	numWorkers int32
	wg         sync.WaitGroup
	overflow   sync.WaitGroup
	mu         sync.RWMutex // orders Submit against Close
	closeOnce  sync.Once

	// statistics
	totalTasks     int64
	completedTasks int64
	overflowTasks  int64
	panics         int64
}

var _ api.Executor = (*Executor)(nil)

// NewExecutor creates a new Executor with the given number of workers.
// If numWorkers <= 0, defaults to runtime.NumCPU(); queueSize <= 0 picks 64 per worker.
func NewExecutor(numWorkers, queueSize int) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = numWorkers * 64
	}
	e := &Executor{
		queue:      make(chan TaskFunc, queueSize),
		closeCh:    make(chan struct{}),
		numWorkers: int32(numWorkers),
	}
	e.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		w := &worker{id: i, executor: e}
		go w.run()
	}
	return e
}

// Submit enqueues a task for execution, returning ErrExecutorClosed if executor is closed.
func (e *Executor) Submit(task func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if atomic.LoadInt32(&e.closed) == 1 {
		return api.ErrExecutorClosed
	}
	atomic.AddInt64(&e.totalTasks, 1)
	select {
	case e.queue <- task:
		return nil
	default:
	}
	atomic.AddInt64(&e.overflowTasks, 1)
	e.overflow.Add(1)
	go func() {
		defer e.overflow.Done()
		e.executeTask(-1, task)
	}()
	return nil
}

// NumWorkers returns the current number of active workers.
func (e *Executor) NumWorkers() int {
	return int(atomic.LoadInt32(&e.numWorkers))
}

// Close stops accepting tasks, lets workers finish what is queued and waits for them.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		atomic.StoreInt32(&e.closed, 1)
		close(e.closeCh)
		e.mu.Unlock()
	})
	e.wg.Wait()
	e.overflow.Wait()
}

// Stats returns basic executor metrics.
func (e *Executor) Stats() map[string]int64 {
	return map[string]int64{
		"total_tasks":     atomic.LoadInt64(&e.totalTasks),
		"completed_tasks": atomic.LoadInt64(&e.completedTasks),
		"pending_tasks":   atomic.LoadInt64(&e.totalTasks) - atomic.LoadInt64(&e.completedTasks),
		"overflow_tasks":  atomic.LoadInt64(&e.overflowTasks),
		"panics":          atomic.LoadInt64(&e.panics),
		"num_workers":     int64(e.NumWorkers()),
	}
}

// worker represents a single executor goroutine.
type worker struct {
	id       int
	executor *Executor
}

func (w *worker) run() {
	e := w.executor
	defer func() {
		atomic.AddInt32(&e.numWorkers, -1)
		e.wg.Done()
	}()
	for {
		select {
		case task := <-e.queue:
			e.executeTask(w.id, task)
		case <-e.closeCh:
			// drain what was accepted before Close
			for {
				select {
				case task := <-e.queue:
					e.executeTask(w.id, task)
				default:
					return
				}
			}
		}
	}
}

// executeTask runs the task and updates statistics, recovering from panics.
func (e *Executor) executeTask(worker int, task TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&e.panics, 1)
			glog.Errorf("executor: worker %d: task panicked: %v", worker, r)
		}
		atomic.AddInt64(&e.completedTasks, 1)
	}()
	task()
}
