// Zstandard codec.
package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/jpl-au/tilestore/internal/status"
)

// Encoders are expensive to build (internal state tables), so one is
// kept per level and shared; EncodeAll on a shared encoder is safe for
// concurrent use. The decoder is likewise shared across all tiles.
var (
	zstdMu       sync.Mutex
	zstdEncoders = map[int]*zstd.Encoder{}

	zstdDecoder, _ = zstd.NewReader(nil)
)

func zstdEncoder(level int) (*zstd.Encoder, error) {
	if level == 0 {
		level = 3
	}
	zstdMu.Lock()
	defer zstdMu.Unlock()
	if enc, ok := zstdEncoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	zstdEncoders[level] = enc
	return enc, nil
}

func zstdCompress(src []byte, level int) ([]byte, error) {
	enc, err := zstdEncoder(level)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(src, nil), nil
}

func zstdDecompress(payload []byte, path string) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, status.Corruptionf(path, "zstd: %v", err)
	}
	return out, nil
}
