// Fragment naming, bookkeeping codec and writer/reader round trips.
//
// The writer/reader pair is exercised against a real directory: what
// the writer lays down, the reader must stream back cell for cell.
// The bookkeeping identity (serialise, parse, serialise, byte-equal)
// guards the only index that exists into a fragment's data files.
package fragment

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jpl-au/tilestore/internal/cache"
	"github.com/jpl-au/tilestore/internal/coord"
	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/vfs"
)

func denseSchema() *schema.ArraySchema {
	return &schema.ArraySchema{
		Type: schema.Dense,
		Dimensions: []schema.Dimension{
			{Name: "rows", Type: schema.Int64, Domain: [2]int64{0, 3}, Extent: 2},
			{Name: "cols", Type: schema.Int64, Domain: [2]int64{0, 3}, Extent: 2},
		},
		CellOrder: schema.RowMajor,
		TileOrder: schema.RowMajor,
		Attributes: []schema.Attribute{
			{Name: "v", Type: schema.Int32, CellValNum: 1, Compressor: schema.Zstd, Level: 3},
		},
	}
}

func sparseSchema() *schema.ArraySchema {
	return &schema.ArraySchema{
		Type: schema.Sparse,
		Dimensions: []schema.Dimension{
			{Name: "d", Type: schema.Int64, Domain: [2]int64{0, 99}, Extent: 10},
		},
		CellOrder: schema.RowMajor,
		TileOrder: schema.RowMajor,
		Capacity:  3,
		Attributes: []schema.Attribute{
			{Name: "x", Type: schema.Int32, CellValNum: 1, Compressor: schema.LZ4},
		},
	}
}

func testFS(t *testing.T) (*vfs.VFS, string) {
	t.Helper()
	fs := vfs.New(vfs.Config{})
	t.Cleanup(func() { fs.Close() })
	return fs, t.TempDir()
}

func int32Buf(vals ...int32) []byte {
	out := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, uint32(v))
	}
	return out
}

func TestFragmentNames(t *testing.T) {
	a, b := NewName(), NewName()
	if a == b {
		t.Fatal("two fragment names collide")
	}
	if !IsFragmentDir(a) || !IsFragmentDir(b) {
		t.Fatalf("generated names not recognised: %q %q", a, b)
	}
	if a >= b {
		t.Errorf("later fragment does not sort after earlier: %q >= %q", a, b)
	}
	if Timestamp(a) == 0 {
		t.Error("timestamp not recoverable")
	}
	for _, bad := range []string{"__array_schema.tdb", "data", "__consolidated"} {
		if IsFragmentDir(bad) {
			t.Errorf("%q recognised as a fragment", bad)
		}
	}
}

func TestFilesOrder(t *testing.T) {
	s := sparseSchema()
	s.Attributes = append(s.Attributes, schema.Attribute{
		Name: "s", Type: schema.Char, CellValNum: schema.VarNum,
	})
	got := Files(s)
	want := []string{"x.tdb", "s.tdb", "s_var.tdb", CoordsFilename}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("file order (-want +got):\n%s", diff)
	}
	if FileIndex(s, "s_var.tdb") != 2 {
		t.Errorf("FileIndex = %d", FileIndex(s, "s_var.tdb"))
	}
}

func TestBookkeepingRoundTrip(t *testing.T) {
	s := sparseSchema()
	bk := &Bookkeeping{
		Sparse:         true,
		Rank:           1,
		NumTiles:       2,
		NonEmptyDomain: coord.Box{{5, 40}},
		Offsets:        [][]uint64{{0, 100}, {0, 80}},
		MBRs:           []coord.Box{{{5, 9}}, {{30, 40}}},
		Bounds: [][2][]int64{
			{{5}, {9}},
			{{30}, {40}},
		},
		CellCounts: []uint64{3, 2},
	}
	data := bk.Serialize(s)
	got, err := DeserializeBookkeeping(data, s, "test")
	if err != nil {
		t.Fatalf("DeserializeBookkeeping: %v", err)
	}
	if diff := cmp.Diff(bk, got); diff != "" {
		t.Errorf("bookkeeping mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(data, got.Serialize(s)) {
		t.Error("re-serialisation is not byte-identical")
	}

	// Corruption paths.
	bad := bytes.Clone(data)
	bad[0] ^= 0xff
	if _, err := DeserializeBookkeeping(bad, s, "test"); err == nil {
		t.Error("bad magic accepted")
	}
	if _, err := DeserializeBookkeeping(data[:len(data)-4], s, "test"); err == nil {
		t.Error("truncated record accepted")
	}
}

// TestDenseWriteRead drives the full fragment pipeline: ordered
// write, sealed tiles, bookkeeping, sentinel, then a reader streaming
// a subarray back in global order.
func TestDenseWriteRead(t *testing.T) {
	fs, dir := testFS(t)
	s := denseSchema()

	w, err := NewWriter(fs, s, dir, DenseOrdered, nil, WriterConfig{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	// Values in global order: tile by tile, row-major inside each.
	vals := int32Buf(
		0, 1, 4, 5,
		2, 3, 6, 7,
		8, 9, 12, 13,
		10, 11, 14, 15,
	)
	if err := w.Submit([]AttrData{{Data: vals}}, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !Committed(fs, w.Dir) {
		t.Fatal("no sentinel after Finalize")
	}

	// W1: bookkeeping offsets must match the actual file bytes. The
	// offset table starts at zero, rises strictly and its last entry
	// lies inside the file.
	bk, err := LoadBookkeeping(fs, s, w.Dir)
	if err != nil {
		t.Fatalf("LoadBookkeeping: %v", err)
	}
	if bk.NumTiles != 4 {
		t.Fatalf("NumTiles = %d, want 4", bk.NumTiles)
	}
	size, err := fs.FileSize(vfs.Join(w.Dir, "v.tdb"))
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}
	offs := bk.Offsets[0]
	if offs[0] != 0 {
		t.Errorf("first tile offset = %d", offs[0])
	}
	for i := 1; i < len(offs); i++ {
		if offs[i] <= offs[i-1] {
			t.Errorf("offset table not monotonic at %d", i)
		}
	}
	if int64(offs[len(offs)-1]) >= size {
		t.Errorf("last offset %d beyond file size %d", offs[len(offs)-1], size)
	}
	var total uint64
	for _, c := range bk.CellCounts {
		total += c
	}
	if total != 16 {
		t.Errorf("cell counts sum to %d, want 16", total)
	}

	// Stream a subarray back.
	grid := mustGrid(t, s)
	r, err := OpenReader(fs, s, w.Dir, coord.Box{{1, 2}, {1, 3}}, []string{"v"}, cache.New(0), grid)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	var got []int32
	for {
		ok, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, int32(binary.LittleEndian.Uint32(r.Cell().Values[0])))
	}
	want := []int32{5, 6, 7, 9, 10, 11}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("subarray read (-want +got):\n%s", diff)
	}
}

func mustGrid(t *testing.T, s *schema.ArraySchema) *coord.Grid {
	t.Helper()
	dom := make(coord.Box, s.Rank())
	ext := make([]int64, s.Rank())
	for i, d := range s.Dimensions {
		dom[i] = d.Domain
		ext[i] = d.Extent
	}
	g, err := coord.NewGrid(dom, ext, s.TileOrder, s.CellOrder)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

// TestSparseWriteRead checks capacity-based tiling, MBRs and
// duplicate collapse within one write session.
func TestSparseWriteRead(t *testing.T) {
	fs, dir := testFS(t)
	s := sparseSchema()

	w, err := NewWriter(fs, s, dir, SparseUnordered, nil, WriterConfig{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	// Unordered coordinates, one duplicate (42 appears twice; the
	// later value wins).
	coords := []int64{50, 7, 42, 13, 42, 99, 2}
	vals := int32Buf(500, 70, 1, 130, 420, 990, 20)
	if err := w.Submit([]AttrData{{Data: vals}}, coords); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	bk, err := LoadBookkeeping(fs, s, w.Dir)
	if err != nil {
		t.Fatalf("LoadBookkeeping: %v", err)
	}
	if !bk.Sparse {
		t.Fatal("fragment not marked sparse")
	}
	// 6 distinct cells at capacity 3: two tiles.
	if bk.NumTiles != 2 {
		t.Fatalf("NumTiles = %d, want 2", bk.NumTiles)
	}
	if diff := cmp.Diff(coord.Box{{2, 99}}, bk.NonEmptyDomain); diff != "" {
		t.Errorf("non-empty domain (-want +got):\n%s", diff)
	}
	// W4: MBRs are exact bounds of each tile's cells (sorted order:
	// 2,7,13 | 42,50,99).
	wantMBRs := []coord.Box{{{2, 13}}, {{42, 99}}}
	if diff := cmp.Diff(wantMBRs, bk.MBRs); diff != "" {
		t.Errorf("MBRs (-want +got):\n%s", diff)
	}

	r, err := OpenReader(fs, s, w.Dir, coord.Box{{0, 99}}, []string{"x"}, cache.New(0), nil)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	var gotCoords []int64
	var gotVals []int32
	for {
		ok, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		gotCoords = append(gotCoords, r.Cell().Coords[0])
		gotVals = append(gotVals, int32(binary.LittleEndian.Uint32(r.Cell().Values[0])))
	}
	if diff := cmp.Diff([]int64{2, 7, 13, 42, 50, 99}, gotCoords); diff != "" {
		t.Errorf("coords (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{20, 70, 130, 420, 500, 990}, gotVals); diff != "" {
		t.Errorf("values (-want +got):\n%s", diff)
	}
}

// TestSparseMBRFilter reads a narrow subarray and checks only the
// matching cells surface.
func TestSparseMBRFilter(t *testing.T) {
	fs, dir := testFS(t)
	s := sparseSchema()

	w, _ := NewWriter(fs, s, dir, SparseUnordered, nil, WriterConfig{})
	coords := []int64{10, 20, 30, 40, 50, 60}
	vals := int32Buf(1, 2, 3, 4, 5, 6)
	if err := w.Submit([]AttrData{{Data: vals}}, coords); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	r, err := OpenReader(fs, s, w.Dir, coord.Box{{25, 45}}, []string{"x"}, cache.New(0), nil)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	var got []int64
	for {
		ok, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, r.Cell().Coords[0])
	}
	if diff := cmp.Diff([]int64{30, 40}, got); diff != "" {
		t.Errorf("filtered coords (-want +got):\n%s", diff)
	}
}

// TestUncommittedInvisible is the crash story: a writer that never
// finalizes leaves a directory that List refuses to surface.
func TestUncommittedInvisible(t *testing.T) {
	fs, dir := testFS(t)
	s := denseSchema()

	w, err := NewWriter(fs, s, dir, DenseOrdered, nil, WriterConfig{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	// Enough cells to seal and flush two tiles, then "crash".
	if err := w.Submit([]AttrData{{Data: int32Buf(0, 1, 4, 5, 2, 3, 6, 7)}}, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	w.Abandon()

	if !fs.IsDir(w.Dir) {
		t.Fatal("fragment directory missing; the test needs flushed tiles on disk")
	}
	frags, err := List(fs, dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(frags) != 0 {
		t.Fatalf("uncommitted fragment visible: %v", frags)
	}
}

// TestDenseIncomplete verifies a dense write that underfills its
// region cannot commit.
func TestDenseIncomplete(t *testing.T) {
	fs, dir := testFS(t)
	s := denseSchema()

	w, _ := NewWriter(fs, s, dir, DenseOrdered, nil, WriterConfig{})
	if err := w.Submit([]AttrData{{Data: int32Buf(1, 2, 3, 4)}}, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := w.Finalize(); err == nil {
		t.Fatal("underfilled dense write committed")
	}
	if Committed(fs, w.Dir) {
		t.Fatal("sentinel written for a failed finalize")
	}
}

// TestDenseUnordered submits shuffled coordinates and expects the
// sorted pipeline to produce the same fragment an ordered write
// would.
func TestDenseUnordered(t *testing.T) {
	fs, dir := testFS(t)
	s := denseSchema()

	w, err := NewWriter(fs, s, dir, DenseUnordered, nil, WriterConfig{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	// All 16 cells with v = i*4+j, submitted in reverse row-major
	// order.
	var coords []int64
	var vals []int32
	for i := int64(3); i >= 0; i-- {
		for j := int64(3); j >= 0; j-- {
			coords = append(coords, i, j)
			vals = append(vals, int32(i*4+j))
		}
	}
	if err := w.Submit([]AttrData{{Data: int32Buf(vals...)}}, coords); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	grid := mustGrid(t, s)
	r, err := OpenReader(fs, s, w.Dir, coord.Box{{0, 3}, {0, 3}}, []string{"v"}, cache.New(0), grid)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	var got []int32
	for {
		ok, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, int32(binary.LittleEndian.Uint32(r.Cell().Values[0])))
	}
	want := []int32{0, 1, 4, 5, 2, 3, 6, 7, 8, 9, 12, 13, 10, 11, 14, 15}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("full read (-want +got):\n%s", diff)
	}
}

// TestSpillPath forces the cell store through the scratch-run merge
// with a tiny threshold; the result must be identical to the
// in-memory path.
func TestSpillPath(t *testing.T) {
	fs, dir := testFS(t)
	s := sparseSchema()
	s.Capacity = 100

	w, err := NewWriter(fs, s, dir, SparseUnordered, nil, WriterConfig{SortMemory: 64})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := int64(99); i >= 0; i-- {
		if err := w.Submit([]AttrData{{Data: int32Buf(int32(i * 10))}}, []int64{i}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	r, err := OpenReader(fs, s, w.Dir, coord.Box{{0, 99}}, []string{"x"}, cache.New(0), nil)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	n := 0
	for {
		ok, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if r.Cell().Coords[0] != int64(n) {
			t.Fatalf("cell %d has coordinate %d", n, r.Cell().Coords[0])
		}
		if got := int32(binary.LittleEndian.Uint32(r.Cell().Values[0])); got != int32(n*10) {
			t.Fatalf("cell %d has value %d", n, got)
		}
		n++
	}
	if n != 100 {
		t.Fatalf("read %d cells, want 100", n)
	}
}
