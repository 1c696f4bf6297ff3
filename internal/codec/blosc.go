// Blosc-style codec: byte shuffle by element size, then an inner
// byte-oriented codec.
//
// Shuffling groups the i-th byte of every element together, which
// lines up the slowly-varying high bytes of numeric data and gives the
// inner codec long runs to work with. The payload records the inner
// codec id and the element size so decompression is self-contained:
//
//	[inner codec u8][elem size u8][inner payload]
package codec

import (
	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/status"
)

func bloscCompress(src []byte, elemSize int, level int32) ([]byte, error) {
	if elemSize <= 0 || elemSize > 255 {
		return nil, status.InvalidArgf("blosc: element size %d out of range", elemSize)
	}
	shuffled := shuffle(src, elemSize)

	inner, err := lz4Compress(shuffled)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(inner))
	out = append(out, byte(schema.LZ4), byte(elemSize))
	return append(out, inner...), nil
}

func bloscDecompress(payload []byte, ulen int, path string) ([]byte, error) {
	if len(payload) < 2 {
		return nil, status.Corruptionf(path, "blosc payload truncated")
	}
	inner := schema.Compressor(payload[0])
	elemSize := int(payload[1])
	if elemSize == 0 {
		return nil, status.Corruptionf(path, "blosc element size zero")
	}

	var shuffled []byte
	var err error
	switch inner {
	case schema.LZ4:
		shuffled, err = lz4Decompress(payload[2:], ulen, path)
	case schema.Zstd:
		shuffled, err = zstdDecompress(payload[2:], path)
	default:
		return nil, status.Corruptionf(path, "blosc inner codec %d not supported", inner)
	}
	if err != nil {
		return nil, err
	}
	return unshuffle(shuffled, elemSize), nil
}

// shuffle transposes src from element-major to byte-plane-major. The
// trailing remainder (when len is not a multiple of elemSize) is
// appended untouched.
func shuffle(src []byte, elemSize int) []byte {
	n := len(src) / elemSize
	out := make([]byte, len(src))
	for i := 0; i < n; i++ {
		for b := 0; b < elemSize; b++ {
			out[b*n+i] = src[i*elemSize+b]
		}
	}
	copy(out[n*elemSize:], src[n*elemSize:])
	return out
}

func unshuffle(src []byte, elemSize int) []byte {
	n := len(src) / elemSize
	out := make([]byte, len(src))
	for i := 0; i < n; i++ {
		for b := 0; b < elemSize; b++ {
			out[i*elemSize+b] = src[b*n+i]
		}
	}
	copy(out[n*elemSize:], src[n*elemSize:])
	return out
}
