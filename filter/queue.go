// File: filter/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Coalescing single-writer/single-reader queues connecting filter stages.

package filter

import (
	"unsafe"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-tcp/api"
)

// Reader is the consuming end of a Queue.
type Reader[T any] interface {
	Len() int
	Peek() T
	Remove() T
}

// Writer is the producing end of a Queue.
type Writer[T any] interface {
	Add(v T)
}

// Queue is a FIFO handed to filters only through its Reader or Writer
// projection, so a stage cannot both produce and consume the same queue.
// Adding an item identical to the current tail is a no-op.
type Queue[T any] struct {
	q    *queue.Queue
	same func(a, b T) bool
}

// NewQueue creates a queue; same decides when two adjacent items collapse
// (nil disables coalescing).
func NewQueue[T any](same func(a, b T) bool) *Queue[T] {
	return &Queue[T]{q: queue.New(), same: same}
}

// NewDataQueue creates a byte-slice queue coalescing on slice identity.
func NewDataQueue() *Queue[[]byte] { return NewQueue(SameSlice) }

// NewOOBQueue creates an out-of-band queue coalescing repeated source-less events.
func NewOOBQueue() *Queue[api.OOBEvent] { return NewQueue(sameOOB) }

// Reader returns the read-only projection.
func (q *Queue[T]) Reader() Reader[T] { return queueReader[T]{q} }

// Writer returns the write-only projection.
func (q *Queue[T]) Writer() Writer[T] { return queueWriter[T]{q} }

// Len reports the number of queued items.
func (q *Queue[T]) Len() int { return q.q.Length() }

// Size reports the bytes held by a data queue.
func Size(q *Queue[[]byte]) int {
	n := 0
	for i := 0; i < q.q.Length(); i++ {
		n += len(q.q.Get(i).([]byte))
	}
	return n
}

func (q *Queue[T]) add(v T) {
	if q.same != nil && q.q.Length() > 0 && q.same(q.q.Get(-1).(T), v) {
		return
	}
	q.q.Add(v)
}

func (q *Queue[T]) peek() T { return q.q.Peek().(T) }

func (q *Queue[T]) remove() T { return q.q.Remove().(T) }

// Drain removes every queued item.
func (q *Queue[T]) Drain() []T {
	out := make([]T, 0, q.q.Length())
	for q.q.Length() > 0 {
		out = append(out, q.remove())
	}
	return out
}

type queueReader[T any] struct{ q *Queue[T] }

func (r queueReader[T]) Len() int  { return r.q.Len() }
func (r queueReader[T]) Peek() T   { return r.q.peek() }
func (r queueReader[T]) Remove() T { return r.q.remove() }

type queueWriter[T any] struct{ q *Queue[T] }

func (w queueWriter[T]) Add(v T) { w.q.add(v) }

// SameSlice reports whether a and b are the same non-empty view of one backing array.
func SameSlice(a, b []byte) bool {
	return len(a) > 0 && len(a) == len(b) && unsafe.SliceData(a) == unsafe.SliceData(b)
}

func sameOOB(a, b api.OOBEvent) bool {
	return a.Type == b.Type && a.Source == nil && b.Source == nil
}

// Transfer moves everything from in to out unchanged.
func Transfer[T any](in Reader[T], out Writer[T]) {
	for in.Len() > 0 {
		out.Add(in.Remove())
	}
}
