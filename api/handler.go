// File: api/handler.go
// Package api defines the Handler and connection contracts.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "net"

// Conn is the application-facing view of a connection.
type Conn interface {
	Name() string
	// Send pushes p through the outbound filter chain and returns the number
	// of bytes still buffered after the attempt.
	Send(p []byte) (int, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// FilterConn is the subset of a connection stateful filters call back into.
type FilterConn interface {
	Name() string
	// Lock and Unlock expose the connection monitor. Outbound filter passes
	// always run with it held.
	Lock()
	Unlock()
	// Flush runs an outbound pass without new application input. It acquires
	// the monitor and must not be called with it held.
	Flush() error
	// ForceRead schedules an inbound pass on the owning thread.
	ForceRead()
	// Executor runs delegated tasks off the reactor threads.
	Executor() Executor
}

// Handler receives connection lifecycle callbacks. Callbacks for one
// connection never run concurrently with each other.
type Handler interface {
	OnBind(c Conn)
	OnReceive(c Conn, data []byte)
	OnClosing(c Conn, reason OOBType, residual []byte)
	OnClose(c Conn)
	OnError(c Conn, err error)
}

// OOBHandler is implemented by handlers that want custom out-of-band events
// that reach the application end of the chain.
type OOBHandler interface {
	OnOOB(c Conn, ev OOBEvent)
}
