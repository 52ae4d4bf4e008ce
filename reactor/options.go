// File: reactor/options.go
// Package reactor defines functional options for the Reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"runtime"
	"time"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/config"
	"github.com/momentics/hioload-tcp/metrics"
)

type options struct {
	ioThreads       int
	bufferSize      int
	backlog         int
	selectTimeout   time.Duration
	exec            api.Executor
	executorWorkers int
	executorQueue   int
	metrics         *metrics.Metrics
	store           *config.Store
}

func defaultOptions() options {
	return options{
		ioThreads:     runtime.GOMAXPROCS(0),
		bufferSize:    config.DefaultBufferSize,
		backlog:       config.DefaultBacklog,
		selectTimeout: config.DefaultSelectTimeout,
		executorQueue: config.DefaultExecutorQueue,
	}
}

// Option customizes reactor initialization.
type Option func(*options)

// WithIOThreads sets the number of I/O threads.
func WithIOThreads(n int) Option {
	return func(o *options) { o.ioThreads = n }
}

// WithBufferSize sets socket and read buffer sizes.
func WithBufferSize(n int) Option {
	return func(o *options) { o.bufferSize = n }
}

// WithBacklog sets the initial listen backlog.
func WithBacklog(n int) Option {
	return func(o *options) { o.backlog = n }
}

// WithSelectTimeout bounds each selector wait.
func WithSelectTimeout(d time.Duration) Option {
	return func(o *options) { o.selectTimeout = d }
}

// WithExecutor runs delegated tasks on exec. The reactor does not close it.
func WithExecutor(exec api.Executor) Option {
	return func(o *options) { o.exec = exec }
}

// WithExecutorWorkers sizes the executor the reactor creates when none is given.
func WithExecutorWorkers(workers, queue int) Option {
	return func(o *options) {
		o.executorWorkers = workers
		o.executorQueue = queue
	}
}

// WithMetrics records reactor activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStore subscribes the reactor to runtime changes in s.
func WithStore(s *config.Store) Option {
	return func(o *options) { o.store = s }
}

// WithConfig applies the reactor fields of cfg.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg.IOThreads > 0 {
			o.ioThreads = cfg.IOThreads
		}
		if cfg.BufferSize > 0 {
			o.bufferSize = cfg.BufferSize
		}
		if cfg.Backlog > 0 {
			o.backlog = cfg.Backlog
		}
		if cfg.SelectTimeout > 0 {
			o.selectTimeout = cfg.SelectTimeout
		}
		o.executorWorkers = cfg.ExecutorWorkers
		if cfg.ExecutorQueue > 0 {
			o.executorQueue = cfg.ExecutorQueue
		}
	}
}
