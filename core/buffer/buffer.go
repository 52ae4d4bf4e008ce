// File: core/buffer/buffer.go
// Package buffer provides the cursor-based growable byte buffer used by
// connections and filters.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Buffer keeps a read cursor and a write cursor over one backing slice.
// Readable bytes live in [r, w), writable space in [w, cap). There is no
// flip/compact mode switch: callers append at the write cursor and consume at
// the read cursor, and the buffer compacts or grows itself when asked for room.

package buffer

// Buffer is not safe for concurrent use.
type Buffer struct {
	buf []byte
	r   int
	w   int
}

// New returns an empty buffer with the given initial capacity.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Len reports the number of readable bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Cap reports the size of the backing slice.
func (b *Buffer) Cap() int { return len(b.buf) }

// Available reports writable space after the write cursor without compaction.
func (b *Buffer) Available() int { return len(b.buf) - b.w }

// Bytes returns a view of the readable region. The view aliases the buffer
// and is valid until the next mutating call.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w:b.w] }

// Free returns the writable tail. Bytes written there become readable after Commit.
func (b *Buffer) Free() []byte { return b.buf[b.w:] }

// Commit advances the write cursor by n bytes previously written into Free().
func (b *Buffer) Commit(n int) {
	if n < 0 || n > b.Available() {
		panic("buffer: commit out of range")
	}
	b.w += n
}

// Consume advances the read cursor by n bytes.
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.Len() {
		panic("buffer: consume out of range")
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// TakeReadable returns the readable region and marks it consumed. The
// returned slice aliases the buffer: it stays valid until the next write.
func (b *Buffer) TakeReadable() []byte {
	p := b.buf[b.r:b.w:b.w]
	b.r, b.w = 0, 0
	return p
}

// Append copies p to the write cursor, growing as needed.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.EnsureCapacity(len(p))
	b.w += copy(b.buf[b.w:], p)
}

// EnsureCapacity guarantees Available() >= n, compacting first and growing
// by doubling when compaction is not enough.
func (b *Buffer) EnsureCapacity(n int) {
	if b.Available() >= n {
		return
	}
	if b.r > 0 {
		b.Compact()
		if b.Available() >= n {
			return
		}
	}
	need := b.Len() + n
	size := 2 * len(b.buf)
	if size < need {
		size = need
	}
	b.realloc(size)
}

// Resize reallocates the backing slice to capacity bytes (never below Len()).
// Readable bytes are moved to the front.
func (b *Buffer) Resize(capacity int) {
	if capacity < b.Len() {
		capacity = b.Len()
	}
	b.realloc(capacity)
}

// Compact moves the readable region to the front of the backing slice.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r, b.w = 0, n
}

// Reset drops all readable bytes and keeps the backing slice.
func (b *Buffer) Reset() { b.r, b.w = 0, 0 }

// Copy returns an independent copy of the readable region.
func (b *Buffer) Copy() []byte {
	out := make([]byte, b.Len())
	copy(out, b.buf[b.r:b.w])
	return out
}

func (b *Buffer) realloc(size int) {
	nb := make([]byte, size)
	n := copy(nb, b.buf[b.r:b.w])
	b.buf, b.r, b.w = nb, 0, n
}
