// Global cell ordering for sparse arrays.
//
// Sparse cells carry their own coordinates, so their total order is
// defined directly over the domain: row-major, column-major, or the
// Hilbert index over the domain's spans. Ties after the primary key
// always break lexicographically on the tuple, giving a total order.
package coord

import (
	"github.com/jpl-au/tilestore/internal/schema"
)

// Order compares coordinate tuples under a sparse array's cell order.
type Order struct {
	layout schema.Layout
	dom    Box
	hil    *HilbertOrder
	ha     []int64 // scratch for hilbert-relative coords
	hb     []int64
}

// NewOrder builds the comparator for a domain and layout.
func NewOrder(dom Box, layout schema.Layout) (*Order, error) {
	o := &Order{layout: layout, dom: dom}
	if layout == schema.Hilbert {
		spans := make([]int64, len(dom))
		for i, r := range dom {
			spans[i] = r[1] - r[0] + 1
		}
		hil, err := NewHilbertOrder(spans)
		if err != nil {
			return nil, err
		}
		o.hil = hil
		o.ha = make([]int64, len(dom))
		o.hb = make([]int64, len(dom))
	}
	return o, nil
}

// Compare orders a against b: -1, 0 or 1.
func (o *Order) Compare(a, b []int64) int {
	switch o.layout {
	case schema.ColMajor:
		for i := len(a) - 1; i >= 0; i-- {
			switch {
			case a[i] < b[i]:
				return -1
			case a[i] > b[i]:
				return 1
			}
		}
		return 0
	case schema.Hilbert:
		for i := range a {
			o.ha[i] = a[i] - o.dom[i][0]
			o.hb[i] = b[i] - o.dom[i][0]
		}
		ia, ib := o.hil.Index(o.ha), o.hil.Index(o.hb)
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return Compare(a, b)
	default:
		return Compare(a, b)
	}
}

// Comparator is the shape shared by the dense Grid and the sparse
// Order: a total order over coordinate tuples.
type Comparator interface {
	Compare(a, b []int64) int
}
