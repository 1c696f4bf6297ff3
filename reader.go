// Public read handle.
//
// A reader observes a consistent snapshot: the set of committed
// fragments at open time. Dense reads yield every cell of the
// subarray in the array's global order, substituting the type's zero
// value where no fragment covers a cell; sparse reads yield exactly
// the cells that exist.
package tilestore

import (
	"github.com/jpl-au/tilestore/internal/coord"
	"github.com/jpl-au/tilestore/internal/fragment"
	"github.com/jpl-au/tilestore/internal/query"
	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/status"
)

// Reader streams the cells of a subarray, merged across fragments
// with newest-wins priority.
type Reader struct {
	ctx   *Context
	sch   *Schema
	sub   coord.Box
	attrs []string // requested attributes, without the coords key

	wantCoords bool
	co         *query.Coordinator
	grid       *coord.Grid
	fill       *coord.DenseIter // dense emission cursor
	pending    *fragment.Cell
	primed     bool
	unlock     func() error
	done       bool
}

// OpenReader opens a snapshot of the array restricted to a subarray
// and attribute list. Requesting CoordsAttr adds the native
// coordinate tuples to the output.
func (c *Context) OpenReader(uri string, sub Subarray, attrs []string) (*Reader, error) {
	return c.openReader(uri, sub, attrs, true)
}

// openReader is OpenReader with the snapshot lock optional, so
// consolidation can read while holding the exclusive lock itself.
func (c *Context) openReader(uri string, sub Subarray, attrs []string, lock bool) (*Reader, error) {
	sch, err := c.LoadSchema(uri)
	if err != nil {
		return nil, err
	}

	dom := make(coord.Box, sch.Rank())
	for i, d := range sch.Dimensions {
		dom[i] = d.Domain
	}
	if sub == nil {
		sub = Subarray(coord.CloneBox(dom))
	}
	if err := coord.CheckSubarray(coord.Box(sub), dom); err != nil {
		return nil, err
	}

	r := &Reader{ctx: c, sch: sch, sub: coord.Box(sub)}
	for _, name := range attrs {
		if name == CoordsAttr {
			r.wantCoords = true
			continue
		}
		if sch.Attribute(name) == nil {
			return nil, status.InvalidArgf("unknown attribute %q", name)
		}
		r.attrs = append(r.attrs, name)
	}

	if coord.EmptyBox(r.sub) {
		r.done = true
		return r, nil
	}

	unlock := func() error { return nil }
	if lock {
		if unlock, err = c.fs.Lock(uri, false); err != nil {
			return nil, err
		}
	}
	r.unlock = unlock

	frags, err := fragment.List(c.fs, uri)
	if err != nil {
		unlock()
		return nil, err
	}

	var cmp coord.Comparator
	if sch.Type == schema.Dense {
		extents := make([]int64, sch.Rank())
		for i, d := range sch.Dimensions {
			extents[i] = d.Extent
		}
		grid, err := coord.NewGrid(dom, extents, sch.TileOrder, sch.CellOrder)
		if err != nil {
			unlock()
			return nil, err
		}
		r.grid = grid
		cmp = grid
		if len(frags) > 0 {
			r.fill = coord.NewDenseIter(grid, r.sub)
		} else {
			// Zero fragments: an empty stream, not a fill stream.
			r.done = true
		}
	} else {
		ord, err := coord.NewOrder(dom, sch.CellOrder)
		if err != nil {
			unlock()
			return nil, err
		}
		cmp = ord
	}

	// Newest first: fragment names sort in write order.
	readers := make([]*fragment.Reader, 0, len(frags))
	for i := len(frags) - 1; i >= 0; i-- {
		fr, err := fragment.OpenReader(c.fs, sch, frags[i], r.sub, r.attrs, c.tiles, r.grid)
		if err != nil {
			for _, open := range readers {
				open.Close()
			}
			unlock()
			return nil, err
		}
		readers = append(readers, fr)
	}

	co, err := query.NewCoordinator(readers, cmp)
	if err != nil {
		for _, open := range readers {
			open.Close()
		}
		unlock()
		return nil, err
	}
	r.co = co
	return r, nil
}

// Next fills the destination buffers with up to limit cells (limit <=
// 0 reads everything) and returns the number of cells produced. A
// return of 0 means the stream is exhausted.
func (r *Reader) Next(dst map[string]*Buffer, limit int) (int, error) {
	if r.done {
		return 0, nil
	}
	if !r.primed {
		if err := r.advance(); err != nil {
			return 0, err
		}
		r.primed = true
	}

	produced := 0
	for limit <= 0 || produced < limit {
		var emitted bool
		var err error
		if r.sch.Type == schema.Dense {
			emitted, err = r.nextDense(dst)
		} else {
			emitted, err = r.nextSparse(dst)
		}
		if err != nil {
			return produced, err
		}
		if !emitted {
			r.done = true
			break
		}
		produced++
	}
	return produced, nil
}

// advance pulls the next merged cell from the coordinator.
func (r *Reader) advance() error {
	cell, err := r.co.Next()
	if err != nil {
		return err
	}
	r.pending = cell
	return nil
}

func (r *Reader) nextSparse(dst map[string]*Buffer) (bool, error) {
	if r.pending == nil {
		return false, nil
	}
	r.emit(dst, r.pending.Coords, r.pending.Values)
	return true, r.advance()
}

func (r *Reader) nextDense(dst map[string]*Buffer) (bool, error) {
	if !r.fill.Next() {
		return false, nil
	}
	expected := r.fill.Cell()
	if r.pending != nil && coord.Compare(r.pending.Coords, expected) == 0 {
		r.emit(dst, expected, r.pending.Values)
		return true, r.advance()
	}
	r.emit(dst, expected, nil)
	return true, nil
}

// emit appends one cell to the destination buffers. values == nil
// writes the fill value for every attribute.
func (r *Reader) emit(dst map[string]*Buffer, coords []int64, values [][]byte) {
	for i, name := range r.attrs {
		b, ok := dst[name]
		if !ok {
			continue
		}
		a := r.sch.Attribute(name)
		if a.Var() {
			b.Offsets = append(b.Offsets, uint64(len(b.Data)))
			if values != nil {
				b.Data = append(b.Data, values[i]...)
			}
			continue
		}
		if values != nil {
			b.Data = append(b.Data, values[i]...)
		} else {
			b.Data = append(b.Data, make([]byte, a.CellSize())...)
		}
	}
	if r.wantCoords {
		if b, ok := dst[CoordsAttr]; ok {
			for i, d := range r.sch.Dimensions {
				b.Data = schema.EncodeScalar(d.Type, coords[i], b.Data)
			}
		}
	}
}

// Close releases the fragment readers and the snapshot lock.
func (r *Reader) Close() error {
	if r.co != nil {
		r.co.Close()
		r.co = nil
	}
	r.done = true
	if r.unlock != nil {
		err := r.unlock()
		r.unlock = nil
		return err
	}
	return nil
}

// ReadAll drains the reader into freshly allocated buffers for the
// requested attributes, a convenience for small results.
func (r *Reader) ReadAll() (map[string]*Buffer, int, error) {
	dst := map[string]*Buffer{}
	for _, name := range r.attrs {
		dst[name] = &Buffer{}
	}
	if r.wantCoords {
		dst[CoordsAttr] = &Buffer{}
	}
	n, err := r.Next(dst, 0)
	return dst, n, err
}
