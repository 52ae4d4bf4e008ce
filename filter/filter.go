// File: filter/filter.go
// Package filter defines the bidirectional filter pipeline: stages connected
// by queues, composed into chains, each instantiated once per connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Inbound passes run on the connection's I/O thread without the connection
// monitor; outbound passes always run with it held. A stage drains what it
// can from its input on every call and may keep partial state in between.

package filter

import "github.com/momentics/hioload-tcp/api"

// Filter transforms bytes in both directions.
type Filter interface {
	// Inbound consumes network-side input and produces application-side output.
	Inbound(in Reader[[]byte], out Writer[[]byte]) error
	// Outbound consumes application-side input and produces network-side output.
	Outbound(in Reader[[]byte], out Writer[[]byte]) error
}

// OOBFilter is a Filter that reacts to out-of-band lifecycle events. Events
// travel in the inbound direction, in step with data; a stage forwards the
// events it does not consume.
type OOBFilter interface {
	Filter
	OOB(in Reader[api.OOBEvent], out Writer[api.OOBEvent]) error
}

// Factory creates one Filter per connection.
type Factory interface {
	NewFilter(c api.FilterConn) (Filter, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(c api.FilterConn) (Filter, error)

// NewFilter calls f.
func (f FactoryFunc) NewFilter(c api.FilterConn) (Filter, error) { return f(c) }

// PassOOB runs f's OOB hook when it has one and forwards events otherwise.
func PassOOB(f Filter, in Reader[api.OOBEvent], out Writer[api.OOBEvent]) error {
	if of, ok := f.(OOBFilter); ok {
		return of.OOB(in, out)
	}
	Transfer(in, out)
	return nil
}

// Releaser is implemented by stages holding resources beyond the
// connection's lifetime. The connection calls Release once, after close.
type Releaser interface {
	Release()
}

// Release calls f.Release when f is a Releaser.
func Release(f Filter) {
	if r, ok := f.(Releaser); ok {
		r.Release()
	}
}

// Holder is implemented by stages that keep outbound bytes back across
// passes, such as a TLS stage waiting for its handshake to finish.
type Holder interface {
	// Held reports the outbound bytes accepted but not yet emitted.
	Held() int
}

// Held reports f's held outbound bytes, zero when f is not a Holder.
func Held(f Filter) int {
	if h, ok := f.(Holder); ok {
		return h.Held()
	}
	return 0
}
