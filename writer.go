// Public write handle.
package tilestore

import (
	"github.com/jpl-au/tilestore/internal/coord"
	"github.com/jpl-au/tilestore/internal/fragment"
	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/status"
)

// WriteMode selects the write protocol; see the fragment package for
// the exact semantics of each.
type WriteMode int

const (
	// DenseOrderedWrite streams cells in the array's global cell
	// order for a tile-aligned region, without coordinates.
	DenseOrderedWrite WriteMode = iota

	// DenseUnorderedWrite takes explicit coordinates in any order;
	// the cells must cover the write region exactly.
	DenseUnorderedWrite

	// SparseUnorderedWrite takes explicit coordinates in any order;
	// duplicates collapse to the latest submission.
	SparseUnorderedWrite
)

// Subarray is an inclusive per-axis coordinate range in canonical
// form. Build float ranges with FloatRange.
type Subarray [][2]int64

// FloatRange converts a float range to canonical coordinates for use
// in a Subarray over float dimensions.
func FloatRange(lo, hi float64) [2]int64 {
	return [2]int64{schema.FloatToSortable(lo), schema.FloatToSortable(hi)}
}

// Writer accumulates one fragment on an array. Cells submitted here
// become visible atomically at Finalize; dropping the writer without
// finalizing leaves no trace readers can see.
type Writer struct {
	ctx *Context
	sch *Schema
	fw  *fragment.Writer
}

// OpenWriter starts a write session. region restricts dense writes to
// a tile-aligned subarray; nil means the full domain. Sparse writers
// ignore it.
func (c *Context) OpenWriter(uri string, mode WriteMode, region Subarray) (*Writer, error) {
	sch, err := c.LoadSchema(uri)
	if err != nil {
		return nil, err
	}
	var fmode fragment.Mode
	switch mode {
	case DenseOrderedWrite:
		fmode = fragment.DenseOrdered
	case DenseUnorderedWrite:
		fmode = fragment.DenseUnordered
	case SparseUnorderedWrite:
		fmode = fragment.SparseUnordered
	default:
		return nil, status.InvalidArgf("unknown write mode %d", mode)
	}
	fw, err := fragment.NewWriter(c.fs, sch, uri, fmode, coord.Box(region), fragment.WriterConfig{
		SortMemory: c.cfg.SortMemory,
		Pool:       c.pool,
	})
	if err != nil {
		return nil, err
	}
	return &Writer{ctx: c, sch: sch, fw: fw}, nil
}

// Submit appends a batch of cells. bufs must carry one Buffer per
// schema attribute, keyed by name; unordered modes additionally take
// the coordinate tuples under CoordsAttr as native dimension bytes,
// one tuple per cell.
func (w *Writer) Submit(bufs map[string]Buffer) error {
	attrs := make([]fragment.AttrData, len(w.sch.Attributes))
	expected := len(w.sch.Attributes)
	for i, a := range w.sch.Attributes {
		b, ok := bufs[a.Name]
		if !ok {
			return status.InvalidArgf("submit is missing attribute %q", a.Name)
		}
		attrs[i] = fragment.AttrData{Data: b.Data, Offsets: b.Offsets}
	}
	var coords []int64
	if cb, ok := bufs[CoordsAttr]; ok {
		expected++
		var err error
		coords, err = w.decodeCoords(cb.Data)
		if err != nil {
			return err
		}
	}
	if len(bufs) != expected {
		return status.InvalidArgf("submit carries a buffer for an unknown attribute")
	}
	return w.fw.Submit(attrs, coords)
}

// decodeCoords converts interleaved native coordinate tuples to the
// canonical form.
func (w *Writer) decodeCoords(data []byte) ([]int64, error) {
	tupleSize := 0
	for _, d := range w.sch.Dimensions {
		tupleSize += d.Type.Size()
	}
	if len(data)%tupleSize != 0 {
		return nil, status.InvalidArgf("coordinate buffer holds %d bytes, not a whole number of %d-byte tuples", len(data), tupleSize)
	}
	n := len(data) / tupleSize
	out := make([]int64, 0, n*w.sch.Rank())
	off := 0
	for i := 0; i < n; i++ {
		for _, d := range w.sch.Dimensions {
			v, err := schema.DecodeScalar(d.Type, data[off:])
			if err != nil {
				return nil, err
			}
			out = append(out, v)
			off += d.Type.Size()
		}
	}
	return out, nil
}

// Finalize flushes, writes bookkeeping and publishes the fragment.
func (w *Writer) Finalize() error {
	return w.fw.Finalize()
}

// Abandon discards the session. The uncommitted fragment directory is
// left for Vacuum.
func (w *Writer) Abandon() {
	w.fw.Abandon()
}

// Fragment returns the fragment directory URI this writer produces,
// mainly for inspection and tests.
func (w *Writer) Fragment() string { return w.fw.Dir }
