// Hilbert curve indexing for arbitrary rank.
//
// The 2-D special case is the classic quadrant-rotation walk; higher
// ranks use Skilling's transpose algorithm: Gray-code the axes into the
// curve's transposed form, then interleave the bits into a single
// index, most significant bit first. Cells close on the curve stay
// close in the grid, which is the whole point of choosing this order
// for spatially correlated data.
package coord

import (
	"math/bits"

	"github.com/jpl-au/tilestore/internal/status"
)

// HilbertOrder computes indexes over a rank-dimensional grid where
// every axis spans [0, 2^bitsPerAxis). It is built once per (domain,
// layout) pair and reused for every cell.
type HilbertOrder struct {
	rank int
	bits int
}

// NewHilbertOrder sizes the curve for the given per-axis spans. The
// index must fit in 64 bits, so rank*ceil(log2(maxSpan)) is bounded.
func NewHilbertOrder(spans []int64) (*HilbertOrder, error) {
	rank := len(spans)
	b := 1
	for _, s := range spans {
		if s > 0 {
			if n := bits.Len64(uint64(s - 1)); n > b {
				b = n
			}
		}
	}
	if rank*b > 64 {
		return nil, status.Capacityf("hilbert order needs %d index bits, only 64 available", rank*b)
	}
	return &HilbertOrder{rank: rank, bits: b}, nil
}

// Index maps a zero-based coordinate tuple onto its Hilbert index.
func (h *HilbertOrder) Index(c []int64) uint64 {
	if h.rank == 2 {
		return xyToHilbert(uint64(c[0]), uint64(c[1]), uint64(1)<<h.bits)
	}

	x := make([]uint64, h.rank)
	for i, v := range c {
		x[i] = uint64(v)
	}
	axesToTranspose(x, h.bits)

	// Interleave: bit b of axis i becomes bit (b*rank + rank-1-i) of
	// the index, most significant first.
	var d uint64
	for b := h.bits - 1; b >= 0; b-- {
		for i := 0; i < h.rank; i++ {
			d = d<<1 | (x[i]>>b)&1
		}
	}
	return d
}

// xyToHilbert converts (x, y) to a Hilbert curve index for an n x n
// grid. n must be a power of two.
func xyToHilbert(x, y, n uint64) uint64 {
	var d uint64
	s := n / 2
	for s > 0 {
		var rx, ry uint64
		if (x & s) > 0 {
			rx = 1
		}
		if (y & s) > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		// Rotate quadrant.
		if ry == 0 {
			if rx == 1 {
				x = s*2 - 1 - x
				y = s*2 - 1 - y
			}
			x, y = y, x
		}
		s /= 2
	}
	return d
}

// axesToTranspose converts coordinates in place into the transposed
// Hilbert form (Skilling, "Programming the Hilbert curve", 2004).
func axesToTranspose(x []uint64, b int) {
	n := len(x)
	m := uint64(1) << (b - 1)

	// Inverse undo.
	for q := m; q > 1; q >>= 1 {
		p := q - 1
		for i := 0; i < n; i++ {
			if x[i]&q != 0 {
				x[0] ^= p
			} else {
				t := (x[0] ^ x[i]) & p
				x[0] ^= t
				x[i] ^= t
			}
		}
	}

	// Gray encode.
	for i := 1; i < n; i++ {
		x[i] ^= x[i-1]
	}
	var t uint64
	for q := m; q > 1; q >>= 1 {
		if x[n-1]&q != 0 {
			t ^= q - 1
		}
	}
	for i := 0; i < n; i++ {
		x[i] ^= t
	}
}
