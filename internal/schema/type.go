// Element types for dimensions and attributes.
package schema

import (
	"encoding/binary"
	"math"

	"github.com/jpl-au/tilestore/internal/status"
)

// Datatype identifies the element type of a dimension or attribute.
// The byte values are part of the on-disk schema format and must not
// be reordered.
type Datatype uint8

const (
	Int8 Datatype = iota
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float32
	Float64
	Char // fixed-length text, attribute only
)

func (t Datatype) String() string {
	switch t {
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case UInt8:
		return "uint8"
	case UInt16:
		return "uint16"
	case UInt32:
		return "uint32"
	case UInt64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Char:
		return "char"
	}
	return "unknown"
}

// Size returns the element size in bytes.
func (t Datatype) Size() int {
	switch t {
	case Int8, UInt8, Char:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Float32:
		return 4
	case Int64, UInt64, Float64:
		return 8
	}
	return 0
}

// IsInteger reports whether t is a signed or unsigned integer type.
func (t Datatype) IsInteger() bool {
	return t <= UInt64
}

// IsFloat reports whether t is a floating-point type.
func (t Datatype) IsFloat() bool {
	return t == Float32 || t == Float64
}

// ValidDimensionType reports whether t may be used as a dimension type.
func (t Datatype) ValidDimensionType() bool {
	return t != Char
}

// FloatToSortable maps a float64 onto an int64 whose natural ordering
// matches the float ordering. Negative floats have all bits flipped,
// non-negative floats have the sign bit flipped, which orders the bits as
// unsigned integers; flipping the sign bit once more moves that order onto
// signed int64. All coordinate algebra then runs on one int64 path
// regardless of the dimension type.
func FloatToSortable(f float64) int64 {
	b := math.Float64bits(f)
	if b&(1<<63) != 0 {
		b = ^b
	} else {
		b |= 1 << 63
	}
	return int64(b ^ (1 << 63))
}

// SortableToFloat inverts FloatToSortable.
func SortableToFloat(v int64) float64 {
	b := uint64(v) ^ (1 << 63)
	if b&(1<<63) != 0 {
		b &^= 1 << 63
	} else {
		b = ^b
	}
	return math.Float64frombits(b)
}

// EncodeScalar appends the canonical int64 value v as the native
// little-endian representation of type t. Float dimension values are
// canonicalised through FloatToSortable, so the inverse mapping is
// applied before narrowing.
func EncodeScalar(t Datatype, v int64, dst []byte) []byte {
	switch t {
	case Int8, UInt8, Char:
		return append(dst, byte(v))
	case Int16, UInt16:
		return binary.LittleEndian.AppendUint16(dst, uint16(v))
	case Int32, UInt32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v))
	case Int64, UInt64:
		return binary.LittleEndian.AppendUint64(dst, uint64(v))
	case Float32:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(SortableToFloat(v))))
	case Float64:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(SortableToFloat(v)))
	}
	return dst
}

// DecodeScalar reads one native element of type t from src and returns
// its canonical int64 value. Integer types sign- or zero-extend; float
// types map through FloatToSortable.
func DecodeScalar(t Datatype, src []byte) (int64, error) {
	if len(src) < t.Size() {
		return 0, status.Corruptionf("", "scalar of type %s truncated: %d bytes", t, len(src))
	}
	switch t {
	case Int8:
		return int64(int8(src[0])), nil
	case UInt8, Char:
		return int64(src[0]), nil
	case Int16:
		return int64(int16(binary.LittleEndian.Uint16(src))), nil
	case UInt16:
		return int64(binary.LittleEndian.Uint16(src)), nil
	case Int32:
		return int64(int32(binary.LittleEndian.Uint32(src))), nil
	case UInt32:
		return int64(binary.LittleEndian.Uint32(src)), nil
	case Int64:
		return int64(binary.LittleEndian.Uint64(src)), nil
	case UInt64:
		u := binary.LittleEndian.Uint64(src)
		if u > math.MaxInt64 {
			return 0, status.Capacityf("uint64 value %d exceeds the engine coordinate range", u)
		}
		return int64(u), nil
	case Float32:
		f := math.Float32frombits(binary.LittleEndian.Uint32(src))
		return FloatToSortable(float64(f)), nil
	case Float64:
		f := math.Float64frombits(binary.LittleEndian.Uint64(src))
		return FloatToSortable(f), nil
	}
	return 0, status.Corruptionf("", "unknown datatype %d", t)
}
