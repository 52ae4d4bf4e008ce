// File: reactor/future.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion of a submitted connection: it succeeds once the connection is
// bound to an I/O thread and fails if it closes first.

package reactor

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-tcp/api"
)

// Get waits until the connection is bound or closed. Expiry of ctx does
// not cancel the connection.
func (c *Connection) Get(ctx context.Context) error {
	switch m := c.mask.Load(); {
	case m&maskBound != 0:
		return nil
	case m&maskClosed != 0:
		return c.closedErr()
	}
	select {
	case <-c.bound:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return api.NewError(api.ErrCodeTimeout, "get", c.name, errors.Wrap(api.ErrTimeout, ctx.Err().Error()))
	}
}

// GetTimeout is Get bounded by d.
func (c *Connection) GetTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Get(ctx)
}

// Cancel never cancels a submitted connection; use Close.
func (c *Connection) Cancel() bool { return false }

// Bound is closed once the connection becomes ACTIVE.
func (c *Connection) Bound() <-chan struct{} { return c.bound }

// Done is closed once the connection is CLOSED.
func (c *Connection) Done() <-chan struct{} { return c.done }

// IsBound reports whether the connection ever became ACTIVE.
func (c *Connection) IsBound() bool { return c.mask.Load()&maskBound != 0 }

// IsClosed reports whether the connection is CLOSED.
func (c *Connection) IsClosed() bool { return c.mask.Load()&maskClosed != 0 }

func (c *Connection) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return api.NewError(api.ErrCodeClosed, "get", c.name, api.ErrClosed)
}
