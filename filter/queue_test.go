package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/momentics/hioload-tcp/api"
)

func TestQueueCoalescesSameSlice(t *testing.T) {
	q := NewDataQueue()
	w := q.Writer()
	p := []byte("abc")
	w.Add(p)
	w.Add(p)               // same view: collapses
	w.Add(p[:2])           // different length: kept
	w.Add([]byte("abc"))   // equal bytes, different array: kept
	w.Add([]byte{})        // empty slices never coalesce
	w.Add([]byte{})
	assert.Equal(t, 5, q.Len())

	r := q.Reader()
	assert.Equal(t, "abc", string(r.Peek()))
	got := q.Drain()
	assert.Equal(t, []string{"abc", "ab", "abc", "", ""},
		[]string{string(got[0]), string(got[1]), string(got[2]), string(got[3]), string(got[4])})
	assert.Equal(t, 0, r.Len())
}

func TestOOBQueueCoalescing(t *testing.T) {
	q := NewOOBQueue()
	w := q.Writer()
	w.Add(api.OOBEvent{Type: api.OOBCloseUser})
	w.Add(api.OOBEvent{Type: api.OOBCloseUser})
	w.Add(api.OOBEvent{Type: api.OOBCustom, Source: "a"})
	w.Add(api.OOBEvent{Type: api.OOBCustom, Source: "a"})
	assert.Equal(t, 3, q.Len())
}
