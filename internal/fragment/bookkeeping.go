// Bookkeeping: the binary index into a fragment.
//
// One record describes everything a reader needs to locate tiles
// without touching the data files:
//
//	[magic u32][version u32][sparse u8][rank u32][#files u32][#tiles u64]
//	[non-empty domain 2*rank*T]
//	[offsets, per file: #tiles u64]
//	[mbrs: #tiles * 2*rank*T]        (sparse only)
//	[bounds: #tiles * 2*rank*T]
//	[cell counts: #tiles u64]
//
// T is each dimension's native type, so the record is written through
// the same scalar codec as the schema. The whole record is gzip
// compressed on disk. Bookkeeping is the sole authoritative index into
// its fragment: if it and the data files disagree, the fragment is
// corrupt, full stop.
package fragment

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/jpl-au/tilestore/internal/coord"
	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/status"
	"github.com/jpl-au/tilestore/internal/vfs"
)

const (
	bkMagic   uint32 = 0x54444247 // "GBDT" little-endian on disk
	bkVersion uint32 = 1
)

// Bookkeeping indexes one fragment's tiles.
type Bookkeeping struct {
	Sparse         bool
	Rank           int
	NumTiles       uint64
	NonEmptyDomain coord.Box

	// Offsets[f][t] is the byte offset of tile t's frame in data file
	// f, in Files order.
	Offsets [][]uint64

	// MBRs[t] is the inclusive bounding box of tile t's coordinates.
	// Sparse fragments only.
	MBRs []coord.Box

	// Bounds[t] holds the first and last cell coordinate of tile t in
	// cell order.
	Bounds [][2][]int64

	CellCounts []uint64
}

// Serialize encodes the record (uncompressed; the writer gzips it).
func (b *Bookkeeping) Serialize(s *schema.ArraySchema) []byte {
	dims := s.Dimensions
	buf := make([]byte, 0, 256)
	buf = binary.LittleEndian.AppendUint32(buf, bkMagic)
	buf = binary.LittleEndian.AppendUint32(buf, bkVersion)
	if b.Sparse {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Rank))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Offsets)))
	buf = binary.LittleEndian.AppendUint64(buf, b.NumTiles)

	for i, d := range dims {
		buf = schema.EncodeScalar(d.Type, b.NonEmptyDomain[i][0], buf)
		buf = schema.EncodeScalar(d.Type, b.NonEmptyDomain[i][1], buf)
	}
	for _, offs := range b.Offsets {
		for _, o := range offs {
			buf = binary.LittleEndian.AppendUint64(buf, o)
		}
	}
	if b.Sparse {
		for _, mbr := range b.MBRs {
			for i, d := range dims {
				buf = schema.EncodeScalar(d.Type, mbr[i][0], buf)
				buf = schema.EncodeScalar(d.Type, mbr[i][1], buf)
			}
		}
	}
	for _, bd := range b.Bounds {
		for i, d := range dims {
			buf = schema.EncodeScalar(d.Type, bd[0][i], buf)
		}
		for i, d := range dims {
			buf = schema.EncodeScalar(d.Type, bd[1][i], buf)
		}
	}
	for _, c := range b.CellCounts {
		buf = binary.LittleEndian.AppendUint64(buf, c)
	}
	return buf
}

// LoadBookkeeping reads a fragment's bookkeeping file, decompresses
// it and parses the record.
func LoadBookkeeping(fs *vfs.VFS, s *schema.ArraySchema, dir string) (*Bookkeeping, error) {
	path := vfs.Join(dir, BookkeepingFilename)
	gz, err := fs.ReadAll(path)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, status.Corruptionf(path, "gzip: %v", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, status.Corruptionf(path, "gzip: %v", err)
	}
	return DeserializeBookkeeping(raw, s, path)
}

// DeserializeBookkeeping parses an uncompressed record.
func DeserializeBookkeeping(data []byte, s *schema.ArraySchema, path string) (*Bookkeeping, error) {
	r := &bkReader{data: data, path: path}

	if magic := r.u32(); magic != bkMagic {
		return nil, status.Corruptionf(path, "bad bookkeeping magic 0x%08x", magic)
	}
	if v := r.u32(); v != bkVersion {
		return nil, status.Corruptionf(path, "unsupported bookkeeping version %d", v)
	}

	b := &Bookkeeping{}
	b.Sparse = r.u8() != 0
	b.Rank = int(r.u32())
	nfiles := int(r.u32())
	b.NumTiles = r.u64()

	if b.Rank != s.Rank() {
		return nil, status.Corruptionf(path, "bookkeeping rank %d, schema rank %d", b.Rank, s.Rank())
	}
	if want := len(Files(s)); nfiles != want {
		return nil, status.Corruptionf(path, "bookkeeping lists %d files, schema implies %d", nfiles, want)
	}
	if b.NumTiles > 1<<40 {
		return nil, status.Corruptionf(path, "implausible tile count %d", b.NumTiles)
	}

	dims := s.Dimensions
	n := int(b.NumTiles)

	b.NonEmptyDomain = make(coord.Box, b.Rank)
	for i := range dims {
		b.NonEmptyDomain[i][0] = r.scalar(dims[i].Type)
		b.NonEmptyDomain[i][1] = r.scalar(dims[i].Type)
	}
	b.Offsets = make([][]uint64, nfiles)
	for f := range b.Offsets {
		b.Offsets[f] = make([]uint64, n)
		for t := range b.Offsets[f] {
			b.Offsets[f][t] = r.u64()
		}
	}
	if b.Sparse {
		b.MBRs = make([]coord.Box, n)
		for t := range b.MBRs {
			mbr := make(coord.Box, b.Rank)
			for i := range dims {
				mbr[i][0] = r.scalar(dims[i].Type)
				mbr[i][1] = r.scalar(dims[i].Type)
			}
			b.MBRs[t] = mbr
		}
	}
	b.Bounds = make([][2][]int64, n)
	for t := range b.Bounds {
		first := make([]int64, b.Rank)
		last := make([]int64, b.Rank)
		for i := range dims {
			first[i] = r.scalar(dims[i].Type)
		}
		for i := range dims {
			last[i] = r.scalar(dims[i].Type)
		}
		b.Bounds[t] = [2][]int64{first, last}
	}
	b.CellCounts = make([]uint64, n)
	for t := range b.CellCounts {
		b.CellCounts[t] = r.u64()
	}

	if r.err != nil {
		return nil, r.err
	}
	return b, nil
}

// bkReader consumes the record front to back, latching the first
// error.
type bkReader struct {
	data []byte
	path string
	err  error
}

func (r *bkReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < n {
		r.err = status.Corruptionf(r.path, "bookkeeping record truncated")
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *bkReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *bkReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *bkReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *bkReader) scalar(t schema.Datatype) int64 {
	b := r.take(t.Size())
	if b == nil {
		return 0
	}
	v, err := schema.DecodeScalar(t, b)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}
