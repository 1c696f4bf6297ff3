// Coordinate algebra tests.
//
// The tile id and intra-tile position mappings decide where every
// cell lands on disk and in what order it comes back; an off-by-one
// here reads as silent data reshuffling, not as an error. The cases
// below pin the arithmetic against hand-computed expectations on
// small grids where the full enumeration is checkable by eye.
package coord

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jpl-au/tilestore/internal/schema"
)

func grid4x4(t *testing.T, tileOrder, cellOrder schema.Layout) *Grid {
	t.Helper()
	g, err := NewGrid(
		Box{{0, 3}, {0, 3}},
		[]int64{2, 2},
		tileOrder, cellOrder,
	)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func TestTileID(t *testing.T) {
	g := grid4x4(t, schema.RowMajor, schema.RowMajor)
	tests := []struct {
		cell []int64
		tile int64
	}{
		{[]int64{0, 0}, 0},
		{[]int64{1, 1}, 0},
		{[]int64{0, 2}, 1},
		{[]int64{2, 0}, 2},
		{[]int64{3, 3}, 3},
	}
	tc := make([]int64, 2)
	for _, tt := range tests {
		g.TileCoords(tt.cell, tc)
		if id := g.TileID(tc); id != tt.tile {
			t.Errorf("TileID(%v) = %d, want %d", tt.cell, id, tt.tile)
		}
	}

	// Column-major tile order flips the stride.
	gc := grid4x4(t, schema.ColMajor, schema.RowMajor)
	gc.TileCoords([]int64{0, 2}, tc)
	if id := gc.TileID(tc); id != 2 {
		t.Errorf("col-major TileID = %d, want 2", id)
	}
}

func TestCellPosRoundTrip(t *testing.T) {
	for _, order := range []schema.Layout{schema.RowMajor, schema.ColMajor, schema.Hilbert} {
		t.Run(order.String(), func(t *testing.T) {
			g := grid4x4(t, schema.RowMajor, order)
			tc := make([]int64, 2)
			seen := map[int64]bool{}
			cell := []int64{0, 0}
			back := make([]int64, 2)
			for i := int64(0); i < 2; i++ {
				for j := int64(0); j < 2; j++ {
					cell[0], cell[1] = i, j
					g.TileCoords(cell, tc)
					pos := g.CellPos(cell, tc)
					if pos < 0 || pos >= g.TileVolume() {
						t.Fatalf("CellPos(%v) = %d out of range", cell, pos)
					}
					if seen[pos] {
						t.Fatalf("position %d assigned twice", pos)
					}
					seen[pos] = true
					g.CellAt(tc, pos, back)
					if Compare(cell, back) != 0 {
						t.Errorf("CellAt(CellPos(%v)) = %v", cell, back)
					}
				}
			}
		})
	}
}

// TestDenseIterOrder pins the global traversal on the 4x4/2x2 grid:
// tiles in row-major tile order, cells in row-major cell order inside
// each tile. This is the exact order dense values are laid out on
// disk.
func TestDenseIterOrder(t *testing.T) {
	g := grid4x4(t, schema.RowMajor, schema.RowMajor)
	it := NewDenseIter(g, Box{{0, 3}, {0, 3}})
	var got [][]int64
	for it.Next() {
		got = append(got, Clone(it.Cell()))
	}
	want := [][]int64{
		{0, 0}, {0, 1}, {1, 0}, {1, 1},
		{0, 2}, {0, 3}, {1, 2}, {1, 3},
		{2, 0}, {2, 1}, {3, 0}, {3, 1},
		{2, 2}, {2, 3}, {3, 2}, {3, 3},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("traversal mismatch (-want +got):\n%s", diff)
	}
}

func TestDenseIterSubarray(t *testing.T) {
	g := grid4x4(t, schema.RowMajor, schema.RowMajor)
	it := NewDenseIter(g, Box{{1, 2}, {1, 3}})
	var got [][]int64
	for it.Next() {
		got = append(got, Clone(it.Cell()))
	}
	want := [][]int64{
		{1, 1}, {1, 2}, {1, 3}, {2, 1}, {2, 2}, {2, 3},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("subarray traversal mismatch (-want +got):\n%s", diff)
	}
}

func TestGridCompareMatchesIteration(t *testing.T) {
	g := grid4x4(t, schema.RowMajor, schema.Hilbert)
	it := NewDenseIter(g, Box{{0, 3}, {0, 3}})
	var prev []int64
	for it.Next() {
		cur := Clone(it.Cell())
		if prev != nil && g.Compare(prev, cur) >= 0 {
			t.Fatalf("iteration order disagrees with Compare at %v -> %v", prev, cur)
		}
		prev = cur
	}
}

func TestHilbertBijective(t *testing.T) {
	for _, rank := range []int{2, 3} {
		spans := make([]int64, rank)
		for i := range spans {
			spans[i] = 4
		}
		h, err := NewHilbertOrder(spans)
		if err != nil {
			t.Fatalf("NewHilbertOrder: %v", err)
		}
		seen := map[uint64]bool{}
		c := make([]int64, rank)
		var walk func(axis int)
		walk = func(axis int) {
			if axis == rank {
				idx := h.Index(c)
				if seen[idx] {
					t.Fatalf("index %d assigned twice (rank %d)", idx, rank)
				}
				seen[idx] = true
				return
			}
			for v := int64(0); v < 4; v++ {
				c[axis] = v
				walk(axis + 1)
			}
		}
		walk(0)
	}
}

// TestHilbertLocality spot-checks that curve neighbours are grid
// neighbours, the property the order is chosen for.
func TestHilbertLocality(t *testing.T) {
	h, err := NewHilbertOrder([]int64{8, 8})
	if err != nil {
		t.Fatalf("NewHilbertOrder: %v", err)
	}
	byIndex := make([][]int64, 64)
	for x := int64(0); x < 8; x++ {
		for y := int64(0); y < 8; y++ {
			byIndex[h.Index([]int64{x, y})] = []int64{x, y}
		}
	}
	for i := 1; i < len(byIndex); i++ {
		a, b := byIndex[i-1], byIndex[i]
		dist := abs(a[0]-b[0]) + abs(a[1]-b[1])
		if dist != 1 {
			t.Fatalf("curve jump between %v and %v", a, b)
		}
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestOrderCompare(t *testing.T) {
	dom := Box{{0, 9}, {0, 9}}
	row, _ := NewOrder(dom, schema.RowMajor)
	col, _ := NewOrder(dom, schema.ColMajor)

	a, b := []int64{1, 5}, []int64{2, 3}
	if row.Compare(a, b) != -1 {
		t.Error("row-major: want a < b")
	}
	if col.Compare(a, b) != 1 {
		t.Error("col-major: want a > b")
	}

	hil, err := NewOrder(dom, schema.Hilbert)
	if err != nil {
		t.Fatalf("NewOrder hilbert: %v", err)
	}
	if hil.Compare(a, a) != 0 {
		t.Error("hilbert: equal tuples must compare equal")
	}
}

func TestBoxArithmetic(t *testing.T) {
	a := Box{{0, 5}, {0, 5}}
	b := Box{{3, 8}, {4, 9}}
	got, ok := Intersect(a, b)
	if !ok {
		t.Fatal("boxes overlap")
	}
	if diff := cmp.Diff(Box{{3, 5}, {4, 5}}, got); diff != "" {
		t.Errorf("intersection mismatch:\n%s", diff)
	}
	if _, ok := Intersect(a, Box{{6, 7}, {0, 1}}); ok {
		t.Error("disjoint boxes intersect")
	}
	if Volume(a) != 36 {
		t.Errorf("Volume = %d, want 36", Volume(a))
	}
	if err := CheckSubarray(Box{{0, 6}, {0, 5}}, a); err == nil {
		t.Error("subarray outside domain accepted")
	}
	if !EmptyBox(Box{{3, 2}}) {
		t.Error("inverted range not empty")
	}
}
