// Dense tile grid arithmetic.
//
// A Grid fixes the domain, the tile extents and the two traversal
// orders. It answers the three questions the engine asks constantly:
// which tile does a cell fall in, what is that tile's global id, and
// where does the cell sit inside the tile. Hilbert orders are handled
// through a per-tile permutation table because tile extents need not be
// powers of two: the cell's position is the rank of its Hilbert index
// among the tile's cells, not the index itself.
package coord

import (
	"sort"

	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/status"
)

// Grid is the tile decomposition of a dense domain.
type Grid struct {
	Dom    [][2]int64
	Extent []int64

	TileOrder schema.Layout
	CellOrder schema.Layout

	tilesPer []int64 // tiles along each axis
	tileVol  int64   // cells per tile

	tileHil *HilbertOrder // tile order, when Hilbert
	cellHil *HilbertOrder // cell order, when Hilbert

	// Hilbert cell-order permutations, built lazily:
	// posToLocal[pos] = row-major offset of the pos-th cell,
	// localToPos[row-major offset] = position in cell order.
	posToLocal []int64
	localToPos []int64
}

// NewGrid builds the grid for a validated dense schema's domain.
func NewGrid(dom [][2]int64, extent []int64, tileOrder, cellOrder schema.Layout) (*Grid, error) {
	g := &Grid{Dom: dom, Extent: extent, TileOrder: tileOrder, CellOrder: cellOrder}
	g.tilesPer = make([]int64, len(dom))
	g.tileVol = 1
	for i := range dom {
		g.tilesPer[i] = (dom[i][1] - dom[i][0] + 1) / extent[i]
		g.tileVol *= extent[i]
	}
	var err error
	if tileOrder == schema.Hilbert {
		if g.tileHil, err = NewHilbertOrder(g.tilesPer); err != nil {
			return nil, err
		}
	}
	if cellOrder == schema.Hilbert {
		if g.cellHil, err = NewHilbertOrder(extent); err != nil {
			return nil, err
		}
		if err = g.buildHilbertPerm(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// TileVolume returns the number of cells in one tile.
func (g *Grid) TileVolume() int64 { return g.tileVol }

// TilesPerDim returns the tile counts along each axis.
func (g *Grid) TilesPerDim() []int64 { return g.tilesPer }

// TileCoords fills dst with the per-axis tile index of cell c.
func (g *Grid) TileCoords(c []int64, dst []int64) {
	for i := range c {
		dst[i] = (c[i] - g.Dom[i][0]) / g.Extent[i]
	}
}

// TileID maps per-axis tile indexes onto the global tile id under the
// grid's tile order.
func (g *Grid) TileID(tc []int64) int64 {
	switch g.TileOrder {
	case schema.ColMajor:
		id := int64(0)
		for i := len(tc) - 1; i >= 0; i-- {
			id = id*g.tilesPer[i] + tc[i]
		}
		return id
	case schema.Hilbert:
		return int64(g.tileHil.Index(tc))
	default: // row-major
		id := int64(0)
		for i := range tc {
			id = id*g.tilesPer[i] + tc[i]
		}
		return id
	}
}

// TileBox returns the inclusive coordinate box covered by the tile at
// the given per-axis indexes.
func (g *Grid) TileBox(tc []int64) [][2]int64 {
	box := make([][2]int64, len(tc))
	for i := range tc {
		lo := g.Dom[i][0] + tc[i]*g.Extent[i]
		box[i] = [2]int64{lo, lo + g.Extent[i] - 1}
	}
	return box
}

// CellPos returns the position of cell c inside its tile under the
// grid's cell order. tc must be the cell's tile indexes.
func (g *Grid) CellPos(c []int64, tc []int64) int64 {
	local := g.localOffset(c, tc)
	if g.CellOrder == schema.Hilbert {
		return g.localToPos[local]
	}
	return local
}

// CellAt fills dst with the coordinates of the pos-th cell (in cell
// order) of the tile at tc.
func (g *Grid) CellAt(tc []int64, pos int64, dst []int64) {
	if g.CellOrder == schema.Hilbert {
		pos = g.posToLocal[pos]
	}
	// pos is now a row-major or col-major offset.
	if g.CellOrder == schema.ColMajor {
		for i := 0; i < len(dst); i++ {
			dst[i] = g.Dom[i][0] + tc[i]*g.Extent[i] + pos%g.Extent[i]
			pos /= g.Extent[i]
		}
		return
	}
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = g.Dom[i][0] + tc[i]*g.Extent[i] + pos%g.Extent[i]
		pos /= g.Extent[i]
	}
}

// localOffset computes the row- or col-major offset of c within its
// tile. Hilbert cell order also starts from the row-major offset and
// permutes it.
func (g *Grid) localOffset(c []int64, tc []int64) int64 {
	if g.CellOrder == schema.ColMajor {
		off := int64(0)
		for i := len(c) - 1; i >= 0; i-- {
			rel := c[i] - g.Dom[i][0] - tc[i]*g.Extent[i]
			off = off*g.Extent[i] + rel
		}
		return off
	}
	off := int64(0)
	for i := range c {
		rel := c[i] - g.Dom[i][0] - tc[i]*g.Extent[i]
		off = off*g.Extent[i] + rel
	}
	return off
}

// Compare orders two cells by the global dense order: tile id under the
// tile order first, position under the cell order second. Equal cells
// compare equal; distinct cells never tie because (tile, position) is
// a bijection.
func (g *Grid) Compare(a, b []int64) int {
	ta := make([]int64, len(a))
	tb := make([]int64, len(b))
	g.TileCoords(a, ta)
	g.TileCoords(b, tb)
	ia, ib := g.TileID(ta), g.TileID(tb)
	switch {
	case ia < ib:
		return -1
	case ia > ib:
		return 1
	}
	pa, pb := g.CellPos(a, ta), g.CellPos(b, tb)
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	}
	return Compare(a, b)
}

// buildHilbertPerm sorts the tile's local row-major offsets by their
// Hilbert index. The table is one int64 per tile cell, shared by every
// tile since all tiles have the same extents.
func (g *Grid) buildHilbertPerm() error {
	if g.tileVol > 1<<28 {
		return status.Capacityf("tile volume %d too large for hilbert cell order", g.tileVol)
	}
	n := int(g.tileVol)
	rank := len(g.Extent)
	local := make([]int64, rank)

	type entry struct {
		offset int64
		index  uint64
	}
	entries := make([]entry, n)
	for off := 0; off < n; off++ {
		rem := int64(off)
		for i := rank - 1; i >= 0; i-- {
			local[i] = rem % g.Extent[i]
			rem /= g.Extent[i]
		}
		entries[off] = entry{offset: int64(off), index: g.cellHil.Index(local)}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].index != entries[j].index {
			return entries[i].index < entries[j].index
		}
		return entries[i].offset < entries[j].offset
	})

	g.posToLocal = make([]int64, n)
	g.localToPos = make([]int64, n)
	for pos, e := range entries {
		g.posToLocal[pos] = e.offset
		g.localToPos[e.offset] = int64(pos)
	}
	return nil
}
