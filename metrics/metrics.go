// File: metrics/metrics.go
// Package metrics exposes reactor and connection counters as Prometheus collectors.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A nil *Metrics is valid and records nothing, so reactor code calls the
// helpers unconditionally.

package metrics

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "hioload_tcp"

// Metrics holds the transport collectors.
type Metrics struct {
	ConnectionsOpened *prometheus.CounterVec
	ConnectionsClosed *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	BytesRead         prometheus.Counter
	BytesWritten      prometheus.Counter
	EventsHandled     *prometheus.CounterVec
	EventsForwarded   prometheus.Counter
	FilterErrors      *prometheus.CounterVec
	SelectLatency     prometheus.Histogram

	mu      sync.RWMutex
	updated time.Time
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		ConnectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Connections that reached ACTIVE, by how they were established.",
		}, []string{"kind"}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections that reached CLOSED, by close reason.",
		}, []string{"reason"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently owned by I/O threads.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes read from sockets.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Bytes written to sockets.",
		}),
		EventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_handled_total",
			Help:      "Mailbox events handled, by thread role.",
		}, []string{"thread"}),
		EventsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_forwarded_total",
			Help:      "Events re-posted to the connection's current owner.",
		}),
		FilterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_errors_total",
			Help:      "Filter chain failures, by direction.",
		}, []string{"direction"}),
		SelectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "select_wait_seconds",
			Help:      "Time spent blocked in the readiness selector.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

// Collectors lists every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionsOpened,
		m.ConnectionsClosed,
		m.ActiveConnections,
		m.BytesRead,
		m.BytesWritten,
		m.EventsHandled,
		m.EventsForwarded,
		m.FilterErrors,
		m.SelectLatency,
	}
}

// Register adds the collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return errors.Wrap(err, "metrics already registered")
			}
			return errors.Wrap(err, "register collector")
		}
	}
	return nil
}

// NewRegistry returns a registry holding m plus the Go runtime collectors.
func NewRegistry(m *Metrics) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, nil
}

// RegisterExecutor exports an executor's counters as gauges read at scrape time.
func RegisterExecutor(reg prometheus.Registerer, stats func() map[string]int64) error {
	for _, key := range []string{"total_tasks", "completed_tasks", "overflow_tasks", "panics"} {
		key := key
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      key,
			Help:      "Delegated task executor counter " + key + ".",
		}, func() float64 { return float64(stats()[key]) })
		if err := reg.Register(g); err != nil {
			return errors.Wrapf(err, "register executor gauge %s", key)
		}
	}
	return nil
}

func (m *Metrics) touch() {
	m.mu.Lock()
	m.updated = time.Now()
	m.mu.Unlock()
}

// Updated reports when a connection-level metric last changed.
func (m *Metrics) Updated() time.Time {
	if m == nil {
		return time.Time{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updated
}

// Opened records a connection reaching ACTIVE.
func (m *Metrics) Opened(kind string) {
	if m == nil {
		return
	}
	m.ConnectionsOpened.WithLabelValues(kind).Inc()
	m.ActiveConnections.Inc()
	m.touch()
}

// Closed records a connection reaching CLOSED. wasActive tells whether it
// was counted by Opened.
func (m *Metrics) Closed(reason string, wasActive bool) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
	if wasActive {
		m.ActiveConnections.Dec()
	}
	m.touch()
}

// Read adds n read bytes.
func (m *Metrics) Read(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRead.Add(float64(n))
}

// Wrote adds n written bytes.
func (m *Metrics) Wrote(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.Add(float64(n))
}

// Handled counts one mailbox event on a thread of the given role.
func (m *Metrics) Handled(thread string) {
	if m == nil {
		return
	}
	m.EventsHandled.WithLabelValues(thread).Inc()
}

// Forwarded counts one re-posted event.
func (m *Metrics) Forwarded() {
	if m == nil {
		return
	}
	m.EventsForwarded.Inc()
}

// FilterError counts one chain failure.
func (m *Metrics) FilterError(direction string) {
	if m == nil {
		return
	}
	m.FilterErrors.WithLabelValues(direction).Inc()
}

// ObserveSelect records one selector wait.
func (m *Metrics) ObserveSelect(d time.Duration) {
	if m == nil {
		return
	}
	m.SelectLatency.Observe(d.Seconds())
}
