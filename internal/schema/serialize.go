// Binary schema codec.
//
// The schema file is a single little-endian record:
//
//	[magic u32][version u32][array_type u8][rank u32]
//	[dim names, len-prefixed][dim types, rank u8]
//	[domain 2*rank*T][tile extents rank*T]
//	[cell_order u8][tile_order u8][capacity u64]
//	[#attrs u32][per-attr records]
//
// with each attribute record being
//
//	[name len-prefixed][type u8][cell_val_num u32][compressor u8][level i32]
//
// T is the native width of each dimension's type, so a schema written
// for an int16 domain occupies 2 bytes per endpoint. Reading converts
// to the canonical int64 form, writing converts back. Serialise and
// Deserialise must stay byte-exact inverses; the round-trip identity is
// part of the test suite.
package schema

import (
	"encoding/binary"

	"github.com/jpl-au/tilestore/internal/status"
)

const (
	schemaMagic   uint32 = 0x54444253 // "SBDT" little-endian on disk
	schemaVersion uint32 = 1

	maxNameLen = 1 << 16
)

// Serialize encodes the schema into its on-disk form.
func (s *ArraySchema) Serialize() []byte {
	buf := make([]byte, 0, 256)
	buf = binary.LittleEndian.AppendUint32(buf, schemaMagic)
	buf = binary.LittleEndian.AppendUint32(buf, schemaVersion)
	buf = append(buf, byte(s.Type))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Rank()))
	for _, d := range s.Dimensions {
		buf = appendName(buf, d.Name)
	}
	for _, d := range s.Dimensions {
		buf = append(buf, byte(d.Type))
	}
	for _, d := range s.Dimensions {
		buf = EncodeScalar(d.Type, d.Domain[0], buf)
		buf = EncodeScalar(d.Type, d.Domain[1], buf)
	}
	for _, d := range s.Dimensions {
		buf = EncodeScalar(d.Type, d.Extent, buf)
	}
	buf = append(buf, byte(s.CellOrder), byte(s.TileOrder))
	buf = binary.LittleEndian.AppendUint64(buf, s.Capacity)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.Attributes)))
	for _, a := range s.Attributes {
		buf = appendName(buf, a.Name)
		buf = append(buf, byte(a.Type))
		buf = binary.LittleEndian.AppendUint32(buf, a.CellValNum)
		buf = append(buf, byte(a.Compressor))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(a.Level))
	}
	return buf
}

// Deserialize parses an on-disk schema record. path is used only for
// error reporting.
func Deserialize(data []byte, path string) (*ArraySchema, error) {
	r := reader{data: data, path: path}

	if magic := r.u32(); magic != schemaMagic {
		return nil, status.Corruptionf(path, "bad schema magic 0x%08x", magic)
	}
	if v := r.u32(); v != schemaVersion {
		return nil, status.Corruptionf(path, "unsupported schema version %d", v)
	}

	s := &ArraySchema{Version: schemaVersion}
	s.Type = ArrayType(r.u8())
	rank := int(r.u32())
	if rank <= 0 || rank > 64 {
		return nil, status.Corruptionf(path, "implausible rank %d", rank)
	}
	s.Dimensions = make([]Dimension, rank)
	for i := range s.Dimensions {
		s.Dimensions[i].Name = r.name()
	}
	for i := range s.Dimensions {
		s.Dimensions[i].Type = Datatype(r.u8())
	}
	for i := range s.Dimensions {
		d := &s.Dimensions[i]
		d.Domain[0] = r.scalar(d.Type)
		d.Domain[1] = r.scalar(d.Type)
	}
	for i := range s.Dimensions {
		s.Dimensions[i].Extent = r.scalar(s.Dimensions[i].Type)
	}
	s.CellOrder = Layout(r.u8())
	s.TileOrder = Layout(r.u8())
	s.Capacity = r.u64()
	nattrs := int(r.u32())
	if nattrs < 0 || nattrs > 1<<20 {
		return nil, status.Corruptionf(path, "implausible attribute count %d", nattrs)
	}
	s.Attributes = make([]Attribute, nattrs)
	for i := range s.Attributes {
		a := &s.Attributes[i]
		a.Name = r.name()
		a.Type = Datatype(r.u8())
		a.CellValNum = r.u32()
		a.Compressor = Compressor(r.u8())
		a.Level = int32(r.u32())
	}

	if r.err != nil {
		return nil, r.err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func appendName(buf []byte, name string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(name)))
	return append(buf, name...)
}

// reader consumes the record front to back, latching the first error so
// every field access after a truncation is a harmless no-op.
type reader struct {
	data []byte
	path string
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < n {
		r.err = status.Corruptionf(r.path, "schema record truncated")
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) name() string {
	n := int(r.u32())
	if n > maxNameLen {
		r.err = status.Corruptionf(r.path, "name length %d out of range", n)
		return ""
	}
	return string(r.take(n))
}

func (r *reader) scalar(t Datatype) int64 {
	b := r.take(t.Size())
	if b == nil {
		return 0
	}
	v, err := DecodeScalar(t, b)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}
