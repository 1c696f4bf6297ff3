// LZ4 block codec.
//
// Tiles use the raw block format rather than the frame format: the
// uncompressed length already lives in the tile frame header, so the
// lz4 frame envelope would duplicate it. An incompressible block is
// stored verbatim with a zero-byte marker, mirroring how the block API
// signals "no gain" by returning length 0.
package codec

import (
	"github.com/pierrec/lz4/v4"

	"github.com/jpl-au/tilestore/internal/status"
)

const (
	lz4Raw        = 0 // payload stored verbatim
	lz4Compressed = 1
)

func lz4Compress(src []byte) ([]byte, error) {
	var c lz4.Compressor
	dst := make([]byte, 1+lz4.CompressBlockBound(len(src)))
	n, err := c.CompressBlock(src, dst[1:])
	if err != nil || n == 0 || n >= len(src) {
		// Incompressible: store raw.
		out := make([]byte, 1+len(src))
		out[0] = lz4Raw
		copy(out[1:], src)
		return out, nil
	}
	dst[0] = lz4Compressed
	return dst[:1+n], nil
}

func lz4Decompress(payload []byte, ulen int, path string) ([]byte, error) {
	if len(payload) == 0 {
		return nil, status.Corruptionf(path, "empty lz4 payload")
	}
	switch payload[0] {
	case lz4Raw:
		return payload[1:], nil
	case lz4Compressed:
		out := make([]byte, ulen)
		n, err := lz4.UncompressBlock(payload[1:], out)
		if err != nil {
			return nil, status.Corruptionf(path, "lz4: %v", err)
		}
		return out[:n], nil
	}
	return nil, status.Corruptionf(path, "unknown lz4 block marker %d", payload[0])
}
