// Byte buffers exchanged with callers.
//
// The engine moves opaque bytes; these helpers convert between typed
// slices and the little-endian buffer layout so callers do not hand
// roll encoding loops.
package tilestore

import (
	"encoding/binary"
	"math"
)

// Buffer carries one attribute's data across the API. For fixed
// attributes only Data is used; variable-length attributes pair the
// value bytes with one byte-start offset per cell.
type Buffer struct {
	Data    []byte
	Offsets []uint64
}

// Int32Bytes encodes a slice of int32 values.
func Int32Bytes(vals []int32) []byte {
	out := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, uint32(v))
	}
	return out
}

// Int64Bytes encodes a slice of int64 values.
func Int64Bytes(vals []int64) []byte {
	out := make([]byte, 0, len(vals)*8)
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint64(out, uint64(v))
	}
	return out
}

// Float64Bytes encodes a slice of float64 values.
func Float64Bytes(vals []float64) []byte {
	out := make([]byte, 0, len(vals)*8)
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
	}
	return out
}

// BytesInt32 decodes a buffer of int32 values.
func BytesInt32(data []byte) []int32 {
	out := make([]int32, len(data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// BytesInt64 decodes a buffer of int64 values.
func BytesInt64(data []byte) []int64 {
	out := make([]int64, len(data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out
}

// StringsBuffer packs strings into a variable-length buffer: values
// back to back with one offset per cell.
func StringsBuffer(vals []string) Buffer {
	var b Buffer
	for _, v := range vals {
		b.Offsets = append(b.Offsets, uint64(len(b.Data)))
		b.Data = append(b.Data, v...)
	}
	return b
}

// BufferStrings unpacks a variable-length buffer into strings.
func BufferStrings(b Buffer) []string {
	out := make([]string, len(b.Offsets))
	for i, start := range b.Offsets {
		end := uint64(len(b.Data))
		if i+1 < len(b.Offsets) {
			end = b.Offsets[i+1]
		}
		out[i] = string(b.Data[start:end])
	}
	return out
}
