// Array definitions: dimensions, attributes, orders, compression.
//
// A schema is created once, validated, serialised into the array
// directory and never mutated afterwards. Everything the engine does
// later (tile algebra, codec selection, bookkeeping layout) keys off
// the schema, so validation here is the single gate against malformed
// arrays.
package schema

import (
	"github.com/samber/lo"

	"github.com/jpl-au/tilestore/internal/status"
)

// SchemaFilename is the schema's location inside the array directory.
const SchemaFilename = "__array_schema.tdb"

// CoordsName is the reserved attribute name that addresses the
// coordinate tuples of sparse arrays in read and write buffers.
const CoordsName = "__coords"

// ArrayType distinguishes dense from sparse arrays.
type ArrayType uint8

const (
	Dense ArrayType = iota
	Sparse
)

func (a ArrayType) String() string {
	if a == Sparse {
		return "sparse"
	}
	return "dense"
}

// Layout is a cell or tile traversal order.
type Layout uint8

const (
	RowMajor Layout = iota
	ColMajor
	Hilbert
)

func (l Layout) String() string {
	switch l {
	case RowMajor:
		return "row-major"
	case ColMajor:
		return "col-major"
	case Hilbert:
		return "hilbert"
	}
	return "unknown"
}

// Compressor identifies a tile compression codec. The byte values are
// written into tile frames and the schema file; the set is closed and
// adding a codec requires a format version bump.
type Compressor uint8

const (
	NoCompression Compressor = iota
	Gzip
	Zstd
	LZ4
	Blosc
	RLE
)

func (c Compressor) String() string {
	switch c {
	case NoCompression:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	case Blosc:
		return "blosc"
	case RLE:
		return "rle"
	}
	return "unknown"
}

// Dimension is one axis of the array domain. Domain endpoints and the
// tile extent are held canonically as int64: integer dimension types
// widen losslessly, float dimensions map through FloatToSortable at the
// API boundary. The extent is meaningful for dense arrays only; sparse
// arrays place cells by capacity, not by grid.
type Dimension struct {
	Name   string
	Type   Datatype
	Domain [2]int64 // inclusive [lo, hi], canonical
	Extent int64    // tile extent, canonical; ignored for sparse
}

// VarNum marks a variable per-cell value count.
const VarNum uint32 = 0

// Attribute is a named value carrier.
type Attribute struct {
	Name       string
	Type       Datatype
	CellValNum uint32 // values per cell; VarNum (0) = variable
	Compressor Compressor
	Level      int32
}

// Var reports whether the attribute stores a variable number of values
// per cell.
func (a *Attribute) Var() bool { return a.CellValNum == VarNum }

// CellSize returns the fixed byte size of one cell's values, or -1 for
// variable-length attributes.
func (a *Attribute) CellSize() int {
	if a.Var() {
		return -1
	}
	return a.Type.Size() * int(a.CellValNum)
}

// ArraySchema is the immutable definition of an array.
type ArraySchema struct {
	Version    uint32
	Type       ArrayType
	Dimensions []Dimension
	CellOrder  Layout
	TileOrder  Layout
	Capacity   uint64 // sparse tile capacity in cells
	Attributes []Attribute
}

// Rank returns the number of dimensions.
func (s *ArraySchema) Rank() int { return len(s.Dimensions) }

// Attribute returns the attribute with the given name, or nil. The
// reserved name __coords is not a schema attribute and also yields nil;
// callers handle coordinates separately.
func (s *ArraySchema) Attribute(name string) *Attribute {
	for i := range s.Attributes {
		if s.Attributes[i].Name == name {
			return &s.Attributes[i]
		}
	}
	return nil
}

// TileCapacity returns the number of cells in one tile: the extent
// product for dense arrays, the configured capacity for sparse ones.
func (s *ArraySchema) TileCapacity() uint64 {
	if s.Type == Sparse {
		return s.Capacity
	}
	n := uint64(1)
	for _, d := range s.Dimensions {
		n *= uint64(d.Extent)
	}
	return n
}

// Validate checks the schema invariants that creation enforces. It is
// called both before serialising a new schema and after loading one, so
// a hand-edited schema file cannot smuggle an invalid definition past
// the engine.
func (s *ArraySchema) Validate() error {
	if len(s.Dimensions) == 0 {
		return status.InvalidArgf("array needs at least one dimension")
	}
	if len(s.Attributes) == 0 {
		return status.InvalidArgf("array needs at least one attribute")
	}

	names := map[string]bool{}
	for _, d := range s.Dimensions {
		if d.Name == "" {
			return status.InvalidArgf("dimension name must not be empty")
		}
		if names[d.Name] {
			return status.InvalidArgf("duplicate dimension name %q", d.Name)
		}
		names[d.Name] = true
		if !d.Type.ValidDimensionType() {
			return status.InvalidArgf("dimension %q: type %s not allowed on dimensions", d.Name, d.Type)
		}
		if d.Domain[0] > d.Domain[1] {
			return status.InvalidArgf("dimension %q: domain lo > hi", d.Name)
		}
		if s.Type == Dense {
			if d.Type.IsFloat() {
				return status.InvalidArgf("dimension %q: dense arrays require integer dimensions", d.Name)
			}
			if d.Extent <= 0 {
				return status.InvalidArgf("dimension %q: tile extent must be positive", d.Name)
			}
			span := d.Domain[1] - d.Domain[0] + 1
			if span%d.Extent != 0 {
				return status.InvalidArgf("dimension %q: extent %d does not divide domain span %d", d.Name, d.Extent, span)
			}
		}
	}

	if s.Type == Sparse && s.Capacity == 0 {
		return status.InvalidArgf("sparse arrays require capacity > 0")
	}

	attrNames := lo.Map(s.Attributes, func(a Attribute, _ int) string { return a.Name })
	if len(lo.Uniq(attrNames)) != len(attrNames) {
		return status.InvalidArgf("duplicate attribute name")
	}
	for _, a := range s.Attributes {
		if a.Name == "" {
			return status.InvalidArgf("attribute name must not be empty")
		}
		if a.Name == CoordsName {
			return status.InvalidArgf("%q is reserved for the coordinate attribute", CoordsName)
		}
		if a.Type.Size() == 0 {
			return status.InvalidArgf("attribute %q: unknown type", a.Name)
		}
		if err := validateCompressor(&a); err != nil {
			return err
		}
	}

	if s.CellOrder > Hilbert || s.TileOrder > Hilbert {
		return status.InvalidArgf("unknown cell or tile order")
	}
	return nil
}

func validateCompressor(a *Attribute) error {
	switch a.Compressor {
	case NoCompression, LZ4, Blosc, RLE:
		return nil
	case Gzip:
		if a.Level < 0 || a.Level > 9 {
			return status.InvalidArgf("attribute %q: gzip level %d out of range", a.Name, a.Level)
		}
	case Zstd:
		if a.Level < 0 || a.Level > 22 {
			return status.InvalidArgf("attribute %q: zstd level %d out of range", a.Name, a.Level)
		}
	default:
		return status.InvalidArgf("attribute %q: unknown compressor %d", a.Name, a.Compressor)
	}
	return nil
}
