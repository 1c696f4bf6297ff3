// Read coordination across fragments.
//
// Fragments are independent sorted streams of the same subarray; the
// coordinator merges them with a priority queue keyed by cell order
// first and fragment recency second. When several fragments hold the
// same coordinate, the newest stream sorts first, wins, and the older
// candidates are discarded as they surface. The result is one sorted,
// deduplicated stream with write-time priority baked in.
package query

import (
	"container/heap"

	"github.com/jpl-au/tilestore/internal/coord"
	"github.com/jpl-au/tilestore/internal/fragment"
)

// Coordinator merges fragment readers, newest first.
type Coordinator struct {
	readers []*fragment.Reader // index 0 = newest fragment
	cmp     coord.Comparator
	h       *cellHeap

	current *mergeCell // popped but not yet advanced
	last    []int64    // last emitted coordinates
	emitted bool
}

type mergeCell struct {
	reader int
	cell   *fragment.Cell
}

// NewCoordinator primes every reader and builds the queue. readers
// must be ordered newest first.
func NewCoordinator(readers []*fragment.Reader, cmp coord.Comparator) (*Coordinator, error) {
	c := &Coordinator{
		readers: readers,
		cmp:     cmp,
		h:       &cellHeap{cmp: cmp},
	}
	for i, r := range readers {
		ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Push(c.h, &mergeCell{reader: i, cell: r.Cell()})
		}
	}
	return c, nil
}

// Next returns the next merged cell, or nil at the end of the stream.
// The returned cell is valid until the following call.
func (c *Coordinator) Next() (*fragment.Cell, error) {
	// Advance the reader whose cell the caller just consumed.
	if c.current != nil {
		if err := c.advance(c.current.reader); err != nil {
			return nil, err
		}
		c.current = nil
	}

	for c.h.Len() > 0 {
		mc := heap.Pop(c.h).(*mergeCell)
		if c.emitted && c.cmp.Compare(mc.cell.Coords, c.last) == 0 {
			// An older fragment's copy of an already-emitted
			// coordinate: newer wins.
			if err := c.advance(mc.reader); err != nil {
				return nil, err
			}
			continue
		}
		c.current = mc
		c.last = coord.Clone(mc.cell.Coords)
		c.emitted = true
		return mc.cell, nil
	}
	return nil, nil
}

// Close releases every reader.
func (c *Coordinator) Close() {
	for _, r := range c.readers {
		r.Close()
	}
}

func (c *Coordinator) advance(i int) error {
	ok, err := c.readers[i].Next()
	if err != nil {
		return err
	}
	if ok {
		heap.Push(c.h, &mergeCell{reader: i, cell: c.readers[i].Cell()})
	}
	return nil
}

// cellHeap orders candidates by cell order, then by recency: a lower
// reader index is a newer fragment and must surface before any older
// fragment holding the same coordinate.
type cellHeap struct {
	cmp     coord.Comparator
	entries []*mergeCell
}

func (h *cellHeap) Len() int { return len(h.entries) }
func (h *cellHeap) Less(i, j int) bool {
	if c := h.cmp.Compare(h.entries[i].cell.Coords, h.entries[j].cell.Coords); c != 0 {
		return c < 0
	}
	return h.entries[i].reader < h.entries[j].reader
}
func (h *cellHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *cellHeap) Push(x any)    { h.entries = append(h.entries, x.(*mergeCell)) }
func (h *cellHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	h.entries = old[:n-1]
	return e
}
