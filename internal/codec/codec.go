// Tile compression framing and codec dispatch.
//
// Every tile on disk is a frame:
//
//	[compressed_len u64][uncompressed_len u64][codec_id u8][payload]
//
// The frame is self-describing, so a reader can decompress a tile
// knowing nothing but its byte range. codec_id 0 stores the payload
// verbatim. The codec set is closed: the ids are written into schemas
// and frames, and adding one is a format version bump.
package codec

import (
	"encoding/binary"

	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/status"
)

// FrameHeaderSize is the fixed prefix of every tile frame.
const FrameHeaderSize = 8 + 8 + 1

// Compress encodes src under the given codec and returns the complete
// frame. elemSize is the element width of the attribute, consumed by
// the shuffle and run-length codecs; byte-oriented codecs ignore it.
func Compress(c schema.Compressor, level int32, elemSize int, src []byte) ([]byte, error) {
	payload, err := encode(c, level, elemSize, src)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, FrameHeaderSize+len(payload))
	frame = binary.LittleEndian.AppendUint64(frame, uint64(len(payload)))
	frame = binary.LittleEndian.AppendUint64(frame, uint64(len(src)))
	frame = append(frame, byte(c))
	return append(frame, payload...), nil
}

// Decompress parses a frame and returns the original bytes. path is
// used only for error reporting.
func Decompress(frame []byte, path string) ([]byte, error) {
	if len(frame) < FrameHeaderSize {
		return nil, status.Corruptionf(path, "tile frame truncated: %d bytes", len(frame))
	}
	clen := binary.LittleEndian.Uint64(frame)
	ulen := binary.LittleEndian.Uint64(frame[8:])
	c := schema.Compressor(frame[16])
	payload := frame[FrameHeaderSize:]
	if uint64(len(payload)) < clen {
		return nil, status.Corruptionf(path, "tile frame short: have %d payload bytes, header says %d", len(payload), clen)
	}
	payload = payload[:clen]

	out, err := decode(c, payload, int(ulen), path)
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) != ulen {
		return nil, status.Corruptionf(path, "tile decompressed to %d bytes, header says %d", len(out), ulen)
	}
	return out, nil
}

func encode(c schema.Compressor, level int32, elemSize int, src []byte) ([]byte, error) {
	switch c {
	case schema.NoCompression:
		return src, nil
	case schema.Gzip:
		return gzipCompress(src, int(level))
	case schema.Zstd:
		return zstdCompress(src, int(level))
	case schema.LZ4:
		return lz4Compress(src)
	case schema.Blosc:
		return bloscCompress(src, elemSize, level)
	case schema.RLE:
		return rleCompress(src, elemSize)
	}
	return nil, status.InvalidArgf("unknown compressor %d", c)
}

func decode(c schema.Compressor, payload []byte, ulen int, path string) ([]byte, error) {
	switch c {
	case schema.NoCompression:
		return payload, nil
	case schema.Gzip:
		return gzipDecompress(payload, path)
	case schema.Zstd:
		return zstdDecompress(payload, path)
	case schema.LZ4:
		return lz4Decompress(payload, ulen, path)
	case schema.Blosc:
		return bloscDecompress(payload, ulen, path)
	case schema.RLE:
		return rleDecompress(payload, path)
	}
	return nil, status.Corruptionf(path, "unknown codec id %d in tile frame", c)
}
