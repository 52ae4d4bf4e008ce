// File: reactor/strategy.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"github.com/golang/glog"

	"github.com/momentics/hioload-tcp/api"
)

// writeStrategy decides what happens to filtered output. All calls hold
// the connection monitor.
type writeStrategy interface {
	write(c *Connection, p []byte)
}

var (
	writeThrough   writeStrategy = writeThroughStrategy{}
	bufferedWrites writeStrategy = bufferedStrategy{}
	nullWrites     writeStrategy = nullStrategy{}
)

// writeThroughStrategy writes straight to the socket and falls back to
// buffering once the kernel stops accepting bytes.
type writeThroughStrategy struct{}

func (writeThroughStrategy) write(c *Connection, p []byte) {
	if c.writeBuf.Len() > 0 {
		c.writeBuf.Append(p)
		return
	}
	n, err := writeSocket(c.fd, p)
	if n > 0 {
		c.r.metrics.Wrote(n)
		glog.V(3).Infof("%s: wrote %d", c.name, n)
	}
	if err != nil {
		c.strategy = nullWrites
		c.postLocked(Event{Type: EventError, Arg: api.NewError(api.ErrCodeIO, "write", c.name, err), Conn: c})
		return
	}
	if n < len(p) {
		c.writeBuf.Append(p[n:])
		c.strategy = bufferedWrites
		c.postLocked(Event{Type: EventWrite, Conn: c})
	}
}

// bufferedStrategy defers everything to the owner's write readiness.
type bufferedStrategy struct{}

func (bufferedStrategy) write(c *Connection, p []byte) { c.writeBuf.Append(p) }

// nullStrategy discards output as if fully written.
type nullStrategy struct{}

func (nullStrategy) write(*Connection, []byte) {}
