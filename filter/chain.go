// File: filter/chain.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ChainFactory composes N factories into one; the resulting per-connection
// filter wires N-1 data queues in each direction plus N-1 OOB queues.

package filter

import (
	"github.com/pkg/errors"

	"github.com/momentics/hioload-tcp/api"
)

// ChainFactory is an immutable, persistent list of stage factories. The zero
// (nil) chain is valid and yields an identity filter.
type ChainFactory struct {
	prev *ChainFactory
	f    Factory
	n    int
}

// NewChain builds a chain from factories, first stage nearest the network.
func NewChain(factories ...Factory) *ChainFactory {
	var c *ChainFactory
	for _, f := range factories {
		c = c.Add(f)
	}
	return c
}

// Add returns a new chain with f appended as the outermost (application-side) stage.
func (c *ChainFactory) Add(f Factory) *ChainFactory {
	return &ChainFactory{prev: c, f: f, n: c.Len() + 1}
}

// Len reports the number of stages.
func (c *ChainFactory) Len() int {
	if c == nil {
		return 0
	}
	return c.n
}

// Factories returns the stages in network-to-application order.
func (c *ChainFactory) Factories() []Factory {
	out := make([]Factory, c.Len())
	for i, cur := len(out)-1, c; cur != nil; i, cur = i-1, cur.prev {
		out[i] = cur.f
	}
	return out
}

// NewFilter instantiates every stage once for conn.
func (c *ChainFactory) NewFilter(conn api.FilterConn) (Filter, error) {
	factories := c.Factories()
	switch len(factories) {
	case 0:
		return Identity{}, nil
	case 1:
		return factories[0].NewFilter(conn)
	}
	stages := make([]Filter, len(factories))
	for i, f := range factories {
		s, err := f.NewFilter(conn)
		if err != nil {
			return nil, errors.Wrapf(err, "chain stage %d", i)
		}
		stages[i] = s
	}
	return newChain(stages), nil
}

// Chain is the composite filter built by ChainFactory.
type Chain struct {
	stages []Filter
	up     []*Queue[[]byte]       // up[i]: stage i inbound output -> stage i+1 input
	down   []*Queue[[]byte]       // down[i]: stage i+1 outbound output -> stage i input
	oob    []*Queue[api.OOBEvent] // oob[i]: stage i OOB output -> stage i+1
}

func newChain(stages []Filter) *Chain {
	n := len(stages) - 1
	c := &Chain{
		stages: stages,
		up:     make([]*Queue[[]byte], n),
		down:   make([]*Queue[[]byte], n),
		oob:    make([]*Queue[api.OOBEvent], n),
	}
	for i := 0; i < n; i++ {
		c.up[i] = NewDataQueue()
		c.down[i] = NewDataQueue()
		c.oob[i] = NewOOBQueue()
	}
	return c
}

// Inbound pipes in through every stage in order. A failing stage does not
// stop later stages from draining what was already produced; the first
// error is returned.
func (c *Chain) Inbound(in Reader[[]byte], out Writer[[]byte]) error {
	var first error
	last := len(c.stages) - 1
	for i, s := range c.stages {
		src, dst := in, out
		if i > 0 {
			src = c.up[i-1].Reader()
		}
		if i < last {
			dst = c.up[i].Writer()
		}
		if err := s.Inbound(src, dst); err != nil && first == nil {
			first = errors.Wrapf(err, "inbound stage %d", i)
		}
	}
	return first
}

// Outbound pipes in through the stages in reverse order.
func (c *Chain) Outbound(in Reader[[]byte], out Writer[[]byte]) error {
	var first error
	last := len(c.stages) - 1
	for i := last; i >= 0; i-- {
		src, dst := in, out
		if i < last {
			src = c.down[i].Reader()
		}
		if i > 0 {
			dst = c.down[i-1].Writer()
		}
		if err := c.stages[i].Outbound(src, dst); err != nil && first == nil {
			first = errors.Wrapf(err, "outbound stage %d", i)
		}
	}
	return first
}

// OOB pipes lifecycle events through the stages in inbound order.
func (c *Chain) OOB(in Reader[api.OOBEvent], out Writer[api.OOBEvent]) error {
	var first error
	last := len(c.stages) - 1
	for i, s := range c.stages {
		src, dst := in, out
		if i > 0 {
			src = c.oob[i-1].Reader()
		}
		if i < last {
			dst = c.oob[i].Writer()
		}
		if err := PassOOB(s, src, dst); err != nil && first == nil {
			first = errors.Wrapf(err, "oob stage %d", i)
		}
	}
	return first
}

// Release releases every stage.
func (c *Chain) Release() {
	for _, s := range c.stages {
		Release(s)
	}
}

// Held sums the outbound bytes held by the stages and their queues.
func (c *Chain) Held() int {
	n := 0
	for _, s := range c.stages {
		n += Held(s)
	}
	for _, q := range c.down {
		n += Size(q)
	}
	return n
}
