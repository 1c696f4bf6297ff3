// Run-length codec for fixed-size elements.
//
// The payload is the element size followed by [count u32][element
// bytes] runs:
//
//	[elem size u8][count u32][elem]...[count u32][elem]
//
// Carrying the element size keeps decoding independent of the schema.
// RLE only wins on data with long constant stretches (category labels,
// masks), which is exactly when a schema author picks it; on noisy
// data it expands by 4 bytes per element.
package codec

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/jpl-au/tilestore/internal/status"
)

func rleCompress(src []byte, elemSize int) ([]byte, error) {
	if elemSize <= 0 || elemSize > 255 {
		return nil, status.InvalidArgf("rle: element size %d out of range", elemSize)
	}
	if len(src)%elemSize != 0 {
		return nil, status.InvalidArgf("rle: payload %d bytes is not a whole number of %d-byte elements", len(src), elemSize)
	}

	out := make([]byte, 0, len(src)/2+1)
	out = append(out, byte(elemSize))
	for i := 0; i < len(src); {
		run := src[i : i+elemSize]
		count := uint32(1)
		j := i + elemSize
		for j < len(src) && count < math.MaxUint32 && bytes.Equal(src[j:j+elemSize], run) {
			count++
			j += elemSize
		}
		out = binary.LittleEndian.AppendUint32(out, count)
		out = append(out, run...)
		i = j
	}
	return out, nil
}

func rleDecompress(payload []byte, path string) ([]byte, error) {
	if len(payload) == 0 {
		return nil, status.Corruptionf(path, "rle payload truncated")
	}
	elemSize := int(payload[0])
	if elemSize == 0 {
		return nil, status.Corruptionf(path, "rle element size zero")
	}
	payload = payload[1:]

	var out []byte
	for len(payload) > 0 {
		if len(payload) < 4+elemSize {
			return nil, status.Corruptionf(path, "rle run truncated")
		}
		count := binary.LittleEndian.Uint32(payload)
		elem := payload[4 : 4+elemSize]
		for i := uint32(0); i < count; i++ {
			out = append(out, elem...)
		}
		payload = payload[4+elemSize:]
	}
	return out, nil
}
