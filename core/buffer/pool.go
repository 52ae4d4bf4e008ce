// File: core/buffer/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package buffer

import "sync"

// Pool recycles buffers of one nominal size. Buffers that grew past twice the
// nominal size are dropped on Put so one oversized frame does not pin memory.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool creates a pool handing out buffers with capacity size.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any { return New(size) }
	return p
}

// Size reports the nominal buffer capacity.
func (p *Pool) Size() int { return p.size }

// Get returns an empty buffer.
func (p *Pool) Get() *Buffer {
	b := p.pool.Get().(*Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool; b must not be used afterwards.
func (p *Pool) Put(b *Buffer) {
	if b == nil || b.Cap() > 2*p.size || b.Cap() < p.size {
		return
	}
	b.Reset()
	p.pool.Put(b)
}
