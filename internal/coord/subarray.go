// Subarrays and box arithmetic.
package coord

import "github.com/jpl-au/tilestore/internal/status"

// Box is an inclusive per-axis range. A nil Box means the full domain.
type Box [][2]int64

// CloneBox deep-copies a box.
func CloneBox(b Box) Box {
	out := make(Box, len(b))
	copy(out, b)
	return out
}

// Intersect returns the overlap of two boxes and whether it is
// non-empty.
func Intersect(a, b Box) (Box, bool) {
	out := make(Box, len(a))
	for i := range a {
		lo := max(a[i][0], b[i][0])
		hi := min(a[i][1], b[i][1])
		if lo > hi {
			return nil, false
		}
		out[i] = [2]int64{lo, hi}
	}
	return out, true
}

// ContainsBox reports whether outer fully covers inner.
func ContainsBox(outer, inner Box) bool {
	for i := range outer {
		if inner[i][0] < outer[i][0] || inner[i][1] > outer[i][1] {
			return false
		}
	}
	return true
}

// Volume returns the number of cells in the box.
func Volume(b Box) int64 {
	v := int64(1)
	for _, r := range b {
		v *= r[1] - r[0] + 1
	}
	return v
}

// CheckSubarray validates a requested subarray against the domain.
// A subarray that pokes outside the domain is an error; an inverted
// range is treated as empty and handled by the caller.
func CheckSubarray(sub, dom Box) error {
	if len(sub) != len(dom) {
		return status.InvalidArgf("subarray rank %d, domain rank %d", len(sub), len(dom))
	}
	for i := range sub {
		if sub[i][0] > sub[i][1] {
			continue // empty range, legal
		}
		if sub[i][0] < dom[i][0] || sub[i][1] > dom[i][1] {
			return status.InvalidArgf("subarray range [%d,%d] outside domain [%d,%d] on axis %d",
				sub[i][0], sub[i][1], dom[i][0], dom[i][1], i)
		}
	}
	return nil
}

// EmptyBox reports whether any axis range is inverted.
func EmptyBox(b Box) bool {
	for _, r := range b {
		if r[0] > r[1] {
			return true
		}
	}
	return false
}
