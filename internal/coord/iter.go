// Iteration over the cells of a dense region in global order: tiles in
// tile order, cells inside each tile in cell order. The same iterator
// drives both sides of the engine, so the order a writer assigns cells
// and the order a reader emits them can never drift apart.
package coord

import "sort"

// TileRef names one tile of a grid: its global id and its per-axis
// indexes. A sorted []TileRef doubles as the fragment-local tile
// numbering, because fragment files store tiles in tile order.
type TileRef struct {
	ID int64
	TC []int64
}

// DenseTiles lists the grid tiles whose boxes intersect the region,
// sorted by tile id. The region must lie inside the grid's domain.
func DenseTiles(g *Grid, region Box) []TileRef {
	rank := len(region)
	lo := make([]int64, rank)
	hi := make([]int64, rank)
	n := 1
	for i := range region {
		lo[i] = (region[i][0] - g.Dom[i][0]) / g.Extent[i]
		hi[i] = (region[i][1] - g.Dom[i][0]) / g.Extent[i]
		n *= int(hi[i] - lo[i] + 1)
	}

	refs := make([]TileRef, 0, n)
	tc := make([]int64, rank)
	copy(tc, lo)
	for {
		cp := make([]int64, rank)
		copy(cp, tc)
		refs = append(refs, TileRef{ID: g.TileID(cp), TC: cp})

		// Odometer increment over the tile index box.
		i := rank - 1
		for ; i >= 0; i-- {
			tc[i]++
			if tc[i] <= hi[i] {
				break
			}
			tc[i] = lo[i]
		}
		if i < 0 {
			break
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

// DenseIter walks the cells of region in the grid's global order.
// Cell() returns a scratch tuple reused between steps.
type DenseIter struct {
	g      *Grid
	region Box
	tiles  []TileRef

	ti   int   // current tile index in tiles
	pos  int64 // next position to try within the tile
	cell []int64
	ok   bool
}

// NewDenseIter positions the iterator before the first cell.
func NewDenseIter(g *Grid, region Box) *DenseIter {
	return &DenseIter{
		g:      g,
		region: region,
		tiles:  DenseTiles(g, region),
		cell:   make([]int64, len(region)),
	}
}

// Next advances to the next cell inside the region, skipping tile
// cells that fall outside it. Returns false when exhausted.
func (it *DenseIter) Next() bool {
	for it.ti < len(it.tiles) {
		t := it.tiles[it.ti]
		for it.pos < it.g.TileVolume() {
			it.g.CellAt(t.TC, it.pos, it.cell)
			it.pos++
			if InBox(it.cell, it.region) {
				it.ok = true
				return true
			}
		}
		it.ti++
		it.pos = 0
	}
	it.ok = false
	return false
}

// Cell returns the current coordinates. Valid until the next call to
// Next; clone to retain.
func (it *DenseIter) Cell() []int64 { return it.cell }

// TileIndex returns the index of the current tile within the region's
// sorted tile list, which equals the fragment-local tile number when
// the region is a fragment's non-empty domain.
func (it *DenseIter) TileIndex() int { return it.ti }

// TileID returns the current tile's global id.
func (it *DenseIter) TileID() int64 { return it.tiles[it.ti].ID }

// Pos returns the current cell's position within its tile in cell
// order.
func (it *DenseIter) Pos() int64 { return it.pos - 1 }
