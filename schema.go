// Public schema surface.
//
// The internal schema package holds the storage representation; this
// file re-exports the types and provides constructors that accept
// native domain values, converting them to the engine's canonical
// coordinate form.
package tilestore

import (
	"github.com/jpl-au/tilestore/internal/schema"
)

// Schema describes an array: dimensions, attributes, orders and
// compression. Immutable once the array is created.
type Schema = schema.ArraySchema

// Dimension is one axis of the domain.
type Dimension = schema.Dimension

// Attribute is one value carrier.
type Attribute = schema.Attribute

// Datatype identifies an element type.
type Datatype = schema.Datatype

// ArrayType distinguishes dense from sparse arrays.
type ArrayType = schema.ArrayType

// Layout is a cell or tile traversal order.
type Layout = schema.Layout

// Compressor identifies a tile compression codec.
type Compressor = schema.Compressor

// Element types.
const (
	Int8    = schema.Int8
	Int16   = schema.Int16
	Int32   = schema.Int32
	Int64   = schema.Int64
	UInt8   = schema.UInt8
	UInt16  = schema.UInt16
	UInt32  = schema.UInt32
	UInt64  = schema.UInt64
	Float32 = schema.Float32
	Float64 = schema.Float64
	Char    = schema.Char
)

// Array types.
const (
	DenseArray  = schema.Dense
	SparseArray = schema.Sparse
)

// Traversal orders for cells and tiles.
const (
	RowMajor = schema.RowMajor
	ColMajor = schema.ColMajor
	Hilbert  = schema.Hilbert
)

// Compression codecs.
const (
	NoCompression = schema.NoCompression
	Gzip          = schema.Gzip
	Zstd          = schema.Zstd
	LZ4           = schema.LZ4
	Blosc         = schema.Blosc
	RLE           = schema.RLE
)

// VarNum marks a variable per-cell value count on an attribute.
const VarNum = schema.VarNum

// CoordsAttr is the reserved buffer name addressing the coordinate
// tuples of sparse arrays.
const CoordsAttr = schema.CoordsName

// Dim builds an integer dimension with an inclusive [lo, hi] domain
// and a tile extent. The extent matters for dense arrays only; pass
// the domain span (or any positive value) for sparse ones.
func Dim(name string, t Datatype, lo, hi, extent int64) Dimension {
	return Dimension{Name: name, Type: t, Domain: [2]int64{lo, hi}, Extent: extent}
}

// FloatDim builds a floating-point dimension for sparse arrays.
func FloatDim(name string, t Datatype, lo, hi float64) Dimension {
	return Dimension{
		Name: name,
		Type: t,
		Domain: [2]int64{
			schema.FloatToSortable(lo),
			schema.FloatToSortable(hi),
		},
		Extent: 1,
	}
}

// Attr builds a fixed-cardinality attribute with one value per cell.
func Attr(name string, t Datatype, comp Compressor, level int32) Attribute {
	return Attribute{Name: name, Type: t, CellValNum: 1, Compressor: comp, Level: level}
}

// VarAttr builds a variable-length attribute.
func VarAttr(name string, t Datatype, comp Compressor, level int32) Attribute {
	return Attribute{Name: name, Type: t, CellValNum: VarNum, Compressor: comp, Level: level}
}
