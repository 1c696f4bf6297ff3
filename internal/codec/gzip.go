// Deflate codec.
package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/jpl-au/tilestore/internal/status"
)

func gzipCompress(src []byte, level int) ([]byte, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(payload []byte, path string) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, status.Corruptionf(path, "gzip: %v", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, status.Corruptionf(path, "gzip: %v", err)
	}
	return out, nil
}
