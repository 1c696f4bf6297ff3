// Fragment writer: turns submitted cells into compressed tiles and a
// committed fragment directory.
//
// The three write modes share one tile pipeline. Dense ordered writes
// stream straight into it, because the caller already supplies cells
// in the array's global order for a tile-aligned region. Unordered
// writes detour through the cell store, which sorts (and spills, and
// deduplicates) before feeding the same pipeline at finalize.
//
// Nothing the writer does is visible until finalize writes the .ok
// sentinel. A failure at any point simply leaves a sentinel-less
// directory behind for garbage collection; there is no partial
// visibility to defend against.
package fragment

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/alitto/pond"
	"github.com/klauspost/compress/gzip"

	"github.com/jpl-au/tilestore/internal/codec"
	"github.com/jpl-au/tilestore/internal/coord"
	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/status"
	"github.com/jpl-au/tilestore/internal/vfs"
)

// Mode selects the write protocol.
type Mode int

const (
	// DenseOrdered: cells arrive in the array's global cell order,
	// covering a tile-aligned region exactly. No coordinates are
	// submitted.
	DenseOrdered Mode = iota

	// DenseUnordered: cells arrive with explicit coordinates in any
	// order and must cover the write region exactly once sorted.
	DenseUnordered

	// SparseUnordered: cells arrive with explicit coordinates in any
	// order; duplicates collapse to the latest submission.
	SparseUnordered
)

// coordsCompressor compresses the coordinate tiles of sparse
// fragments. Coordinates are not an attribute, so they have no
// schema-configured codec; zstd at its default level is the engine's
// choice.
const coordsCompressor = schema.Zstd

// WriterConfig carries engine-level tuning into the writer.
type WriterConfig struct {
	SortMemory int64
	Pool       *pond.WorkerPool
}

// AttrData is one attribute's buffer for a Submit call: the values of
// n cells back to back. Variable-length attributes also carry one
// byte-start offset per cell.
type AttrData struct {
	Data    []byte
	Offsets []uint64
}

// Writer accumulates one fragment.
type Writer struct {
	fs   *vfs.VFS
	sch  *schema.ArraySchema
	mode Mode
	pool *pond.WorkerPool

	// Dir is the fragment directory URI.
	Dir string

	grid *coord.Grid
	cmp  coord.Comparator

	region coord.Box
	iter   *coord.DenseIter
	store  *cellStore

	files       []string
	fileOffsets []uint64

	// Current tile state.
	bufs        []attrTileBuf
	coordsBuf   []byte
	tileCells   uint64
	mbr         coord.Box
	first, last []int64

	bk        *Bookkeeping
	submitted uint64
	neDomain  coord.Box // sparse: grown per cell
	finalized bool
	failed    bool
}

type attrTileBuf struct {
	data    []byte
	offsets []uint64
}

// NewWriter creates the fragment directory and an empty writer.
// region is the dense write region in canonical coordinates; nil
// means the full domain. Sparse writers ignore it.
func NewWriter(fs *vfs.VFS, sch *schema.ArraySchema, arrayURI string, mode Mode, region coord.Box, cfg WriterConfig) (*Writer, error) {
	w := &Writer{
		fs:   fs,
		sch:  sch,
		mode: mode,
		pool: cfg.Pool,
		Dir:  vfs.Join(arrayURI, NewName()),
		bufs: make([]attrTileBuf, len(sch.Attributes)),
	}

	dom := domainBox(sch)
	switch mode {
	case DenseOrdered, DenseUnordered:
		if sch.Type != schema.Dense {
			return nil, status.InvalidArgf("dense write mode on a sparse array")
		}
		extents := make([]int64, sch.Rank())
		for i, d := range sch.Dimensions {
			extents[i] = d.Extent
		}
		grid, err := coord.NewGrid(dom, extents, sch.TileOrder, sch.CellOrder)
		if err != nil {
			return nil, err
		}
		w.grid = grid
		w.cmp = grid
		if region == nil {
			region = dom
		}
		if err := coord.CheckSubarray(region, dom); err != nil {
			return nil, err
		}
		if err := checkTileAligned(region, sch); err != nil {
			return nil, err
		}
		w.region = region
		if mode == DenseOrdered {
			w.iter = coord.NewDenseIter(grid, region)
		} else {
			w.store = newCellStore(sch, grid, cfg.SortMemory)
		}
		w.bk = &Bookkeeping{Rank: sch.Rank(), NonEmptyDomain: coord.CloneBox(region)}

	case SparseUnordered:
		if sch.Type != schema.Sparse {
			return nil, status.InvalidArgf("sparse write mode on a dense array")
		}
		ord, err := coord.NewOrder(dom, sch.CellOrder)
		if err != nil {
			return nil, err
		}
		w.cmp = ord
		w.store = newCellStore(sch, ord, cfg.SortMemory)
		w.bk = &Bookkeeping{Sparse: true, Rank: sch.Rank()}

	default:
		return nil, status.InvalidArgf("unknown write mode %d", mode)
	}

	w.files = Files(sch)
	w.fileOffsets = make([]uint64, len(w.files))
	w.bk.Offsets = make([][]uint64, len(w.files))

	if err := fs.CreateDir(w.Dir); err != nil {
		return nil, err
	}
	return w, nil
}

func domainBox(sch *schema.ArraySchema) coord.Box {
	dom := make(coord.Box, sch.Rank())
	for i, d := range sch.Dimensions {
		dom[i] = d.Domain
	}
	return dom
}

func checkTileAligned(region coord.Box, sch *schema.ArraySchema) error {
	for i, d := range sch.Dimensions {
		if (region[i][0]-d.Domain[0])%d.Extent != 0 || (region[i][1]-d.Domain[0]+1)%d.Extent != 0 {
			return status.InvalidArgf("dense write region [%d,%d] not tile-aligned on axis %d", region[i][0], region[i][1], i)
		}
	}
	return nil
}

// Submit appends cells. attrs must list one buffer per schema
// attribute, in schema order. coords is the flattened canonical
// coordinate buffer (rank values per cell) for unordered modes and
// must be nil for dense ordered writes.
func (w *Writer) Submit(attrs []AttrData, coords []int64) error {
	if w.finalized || w.failed {
		return status.InvalidArgf("writer is closed")
	}
	if len(attrs) != len(w.sch.Attributes) {
		return status.InvalidArgf("submit carries %d attribute buffers, schema has %d", len(attrs), len(w.sch.Attributes))
	}

	n, err := w.cellCount(attrs, coords)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	if w.mode == DenseOrdered {
		if coords != nil {
			return status.InvalidArgf("dense ordered writes do not take coordinates")
		}
		if err := w.submitOrdered(attrs, n); err != nil {
			w.failed = true
			return err
		}
		return nil
	}

	rank := w.sch.Rank()
	for k := 0; k < n; k++ {
		c := make([]int64, rank)
		copy(c, coords[k*rank:(k+1)*rank])
		if err := w.checkDomain(c); err != nil {
			return err
		}
		values := make([][]byte, len(attrs))
		for i := range attrs {
			v, err := cellValue(&w.sch.Attributes[i], &attrs[i], k)
			if err != nil {
				return err
			}
			values[i] = bytes.Clone(v)
		}
		if err := w.store.add(c, values); err != nil {
			w.failed = true
			return err
		}
	}
	w.submitted += uint64(n)
	return nil
}

// cellCount derives and cross-checks the number of cells in a submit
// batch.
func (w *Writer) cellCount(attrs []AttrData, coords []int64) (int, error) {
	rank := w.sch.Rank()
	n := -1
	if w.mode != DenseOrdered {
		if coords == nil {
			return 0, status.InvalidArgf("unordered writes require coordinates")
		}
		if len(coords)%rank != 0 {
			return 0, status.InvalidArgf("coordinate buffer holds %d values, not a multiple of rank %d", len(coords), rank)
		}
		n = len(coords) / rank
	}
	for i := range attrs {
		a := &w.sch.Attributes[i]
		var an int
		if a.Var() {
			an = len(attrs[i].Offsets)
		} else {
			cs := a.CellSize()
			if len(attrs[i].Data)%cs != 0 {
				return 0, status.InvalidArgf("attribute %q: buffer of %d bytes is not a whole number of %d-byte cells", a.Name, len(attrs[i].Data), cs)
			}
			an = len(attrs[i].Data) / cs
		}
		if n == -1 {
			n = an
		} else if an != n {
			return 0, status.InvalidArgf("attribute %q: %d cells, batch has %d", a.Name, an, n)
		}
	}
	return n, nil
}

func (w *Writer) checkDomain(c []int64) error {
	for i, d := range w.sch.Dimensions {
		if c[i] < d.Domain[0] || c[i] > d.Domain[1] {
			return status.InvalidArgf("coordinate %d outside domain [%d,%d] of dimension %q", c[i], d.Domain[0], d.Domain[1], d.Name)
		}
	}
	return nil
}

// cellValue slices cell k's value bytes out of an attribute buffer.
func cellValue(a *schema.Attribute, buf *AttrData, k int) ([]byte, error) {
	if !a.Var() {
		cs := a.CellSize()
		return buf.Data[k*cs : (k+1)*cs], nil
	}
	start := buf.Offsets[k]
	end := uint64(len(buf.Data))
	if k+1 < len(buf.Offsets) {
		end = buf.Offsets[k+1]
	}
	if start > end || end > uint64(len(buf.Data)) {
		return nil, status.InvalidArgf("attribute %q: offsets out of range for cell %d", a.Name, k)
	}
	return buf.Data[start:end], nil
}

// submitOrdered walks n cells of the dense-ordered cursor, appending
// values to the current tile and sealing full tiles as it goes. The
// write region is tile-aligned, so every tile holds exactly the tile
// volume.
func (w *Writer) submitOrdered(attrs []AttrData, n int) error {
	vol := uint64(w.grid.TileVolume())
	for k := 0; k < n; k++ {
		if !w.iter.Next() {
			return status.InvalidArgf("write exceeds the %d cells of the region", coord.Volume(w.region))
		}
		cell := w.iter.Cell()
		if w.tileCells == 0 {
			w.first = coord.Clone(cell)
		}
		w.last = coord.Clone(cell)

		for i := range attrs {
			v, err := cellValue(&w.sch.Attributes[i], &attrs[i], k)
			if err != nil {
				return err
			}
			w.appendValue(i, v)
		}
		w.tileCells++
		if w.tileCells == vol {
			if err := w.sealTile(); err != nil {
				return err
			}
		}
	}
	w.submitted += uint64(n)
	return nil
}

// appendValue adds one cell's value to an attribute's tile buffer.
func (w *Writer) appendValue(i int, v []byte) {
	b := &w.bufs[i]
	if w.sch.Attributes[i].Var() {
		b.offsets = append(b.offsets, uint64(len(b.data)))
	}
	b.data = append(b.data, v...)
}

// appendCoords adds one cell's coordinate tuple, in native dimension
// bytes, to the coordinate tile buffer, growing the tile MBR and the
// fragment non-empty domain.
func (w *Writer) appendCoords(c []int64) {
	for i, d := range w.sch.Dimensions {
		w.coordsBuf = schema.EncodeScalar(d.Type, c[i], w.coordsBuf)
	}
	if w.mbr == nil {
		w.mbr = make(coord.Box, len(c))
		for i, v := range c {
			w.mbr[i] = [2]int64{v, v}
		}
	} else {
		for i, v := range c {
			w.mbr[i][0] = min(w.mbr[i][0], v)
			w.mbr[i][1] = max(w.mbr[i][1], v)
		}
	}
	if w.neDomain == nil {
		w.neDomain = make(coord.Box, len(c))
		for i, v := range c {
			w.neDomain[i] = [2]int64{v, v}
		}
	} else {
		for i, v := range c {
			w.neDomain[i][0] = min(w.neDomain[i][0], v)
			w.neDomain[i][1] = max(w.neDomain[i][1], v)
		}
	}
}

// tileJob is one frame to compress and append during sealTile.
type tileJob struct {
	file     int
	comp     schema.Compressor
	level    int32
	elemSize int
	payload  []byte
	frame    []byte
	err      error
}

// sealTile compresses the buffered tile for every attribute (in
// parallel when a pool is available) and appends the frames to their
// data files, recording each frame's start offset in bookkeeping.
func (w *Writer) sealTile() error {
	if w.tileCells == 0 {
		return nil
	}

	var jobs []*tileJob
	for i := range w.sch.Attributes {
		a := &w.sch.Attributes[i]
		b := &w.bufs[i]
		if a.Var() {
			// Offsets stream into <attr>.tdb, values into
			// <attr>_var.tdb, framed and compressed independently.
			offsets := make([]byte, 0, len(b.offsets)*8)
			for _, o := range b.offsets {
				offsets = binary.LittleEndian.AppendUint64(offsets, o)
			}
			jobs = append(jobs, &tileJob{
				file: FileIndex(w.sch, AttrFile(a.Name)), comp: a.Compressor, level: a.Level,
				elemSize: 8, payload: offsets,
			})
			jobs = append(jobs, &tileJob{
				file: FileIndex(w.sch, VarFile(a.Name)), comp: a.Compressor, level: a.Level,
				elemSize: a.Type.Size(), payload: b.data,
			})
		} else {
			jobs = append(jobs, &tileJob{
				file: FileIndex(w.sch, AttrFile(a.Name)), comp: a.Compressor, level: a.Level,
				elemSize: a.Type.Size(), payload: b.data,
			})
		}
	}
	if w.sch.Type == schema.Sparse {
		jobs = append(jobs, &tileJob{
			file: FileIndex(w.sch, CoordsFilename), comp: coordsCompressor, level: 0,
			elemSize: 8, payload: w.coordsBuf,
		})
	}

	w.compressJobs(jobs)
	for _, j := range jobs {
		if j.err != nil {
			return j.err
		}
	}

	// Appends happen tile-atomically per file; the recorded offset is
	// the file length before this frame, which is exactly where the
	// backend will place the appended bytes.
	for _, j := range jobs {
		w.bk.Offsets[j.file] = append(w.bk.Offsets[j.file], w.fileOffsets[j.file])
		if err := w.fs.Append(vfs.Join(w.Dir, w.files[j.file]), j.frame); err != nil {
			return err
		}
		w.fileOffsets[j.file] += uint64(len(j.frame))
	}

	w.bk.CellCounts = append(w.bk.CellCounts, w.tileCells)
	w.bk.Bounds = append(w.bk.Bounds, [2][]int64{w.first, w.last})
	if w.sch.Type == schema.Sparse {
		w.bk.MBRs = append(w.bk.MBRs, w.mbr)
	}
	w.bk.NumTiles++

	for i := range w.bufs {
		w.bufs[i].data = nil
		w.bufs[i].offsets = nil
	}
	w.coordsBuf = nil
	w.mbr = nil
	w.first, w.last = nil, nil
	w.tileCells = 0
	return nil
}

func (w *Writer) compressJobs(jobs []*tileJob) {
	run := func(j *tileJob) {
		j.frame, j.err = codec.Compress(j.comp, j.level, j.elemSize, j.payload)
	}
	if w.pool == nil || len(jobs) == 1 {
		for _, j := range jobs {
			run(j)
		}
		return
	}
	var wg sync.WaitGroup
	for _, j := range jobs {
		j := j
		wg.Add(1)
		if !w.pool.TrySubmit(func() {
			defer wg.Done()
			run(j)
		}) {
			// Pool saturated or stopped; do the work inline.
			run(j)
			wg.Done()
		}
	}
	wg.Wait()
}

// Finalize flushes partial tiles, writes bookkeeping and publishes the
// sentinel. Any error leaves the fragment invisible.
func (w *Writer) Finalize() error {
	if w.finalized {
		return status.InvalidArgf("writer already finalized")
	}
	if w.failed {
		return status.InvalidArgf("writer failed; fragment abandoned")
	}
	err := w.finalize()
	if err != nil {
		w.failed = true
		return err
	}
	w.finalized = true
	return nil
}

func (w *Writer) finalize() error {
	switch w.mode {
	case DenseOrdered:
		if w.submitted != uint64(coord.Volume(w.region)) {
			return status.InvalidArgf("dense write supplied %d of %d cells", w.submitted, coord.Volume(w.region))
		}
	case DenseUnordered:
		if err := w.drainDenseUnordered(); err != nil {
			return err
		}
	case SparseUnordered:
		if err := w.drainSparse(); err != nil {
			return err
		}
	}

	if w.bk.NumTiles == 0 && w.mode == SparseUnordered {
		// An empty sparse fragment still commits: zero tiles, empty
		// non-empty domain.
		w.bk.NonEmptyDomain = make(coord.Box, w.sch.Rank())
		for i := range w.bk.NonEmptyDomain {
			w.bk.NonEmptyDomain[i] = [2]int64{1, 0}
		}
	}

	// Bookkeeping, gzip-compressed.
	raw := w.bk.Serialize(w.sch)
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(raw); err != nil {
		return status.IOErr("finalize", w.Dir, err)
	}
	if err := zw.Close(); err != nil {
		return status.IOErr("finalize", w.Dir, err)
	}
	if err := w.fs.WriteFile(vfs.Join(w.Dir, BookkeepingFilename), gz.Bytes()); err != nil {
		return err
	}

	// Commit data files before the sentinel: once the sentinel exists
	// readers trust every offset in bookkeeping.
	for _, f := range w.files {
		if err := w.fs.Commit(vfs.Join(w.Dir, f)); err != nil {
			return err
		}
	}

	return w.fs.WriteFileAtomic(vfs.Join(w.Dir, SentinelFilename), []byte("ok\n"))
}

// drainSparse streams the sorted, deduplicated cells into
// capacity-sized tiles.
func (w *Writer) drainSparse() error {
	cap := w.sch.Capacity
	err := w.store.drain(func(rec *cellRec) error {
		if w.tileCells == 0 {
			w.first = coord.Clone(rec.coords)
		}
		w.last = coord.Clone(rec.coords)
		w.appendCoords(rec.coords)
		for i, v := range rec.values {
			w.appendValue(i, v)
		}
		w.tileCells++
		if w.tileCells == cap {
			return w.sealTile()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := w.sealTile(); err != nil {
		return err
	}
	if w.neDomain != nil {
		w.bk.NonEmptyDomain = w.neDomain
	}
	return nil
}

// drainDenseUnordered verifies that the sorted cells cover the write
// region exactly and streams them through the dense tile pipeline.
func (w *Writer) drainDenseUnordered() error {
	iter := coord.NewDenseIter(w.grid, w.region)
	vol := uint64(w.grid.TileVolume())
	err := w.store.drain(func(rec *cellRec) error {
		if !iter.Next() {
			return status.InvalidArgf("dense write holds more cells than the region")
		}
		if coord.Compare(rec.coords, iter.Cell()) != 0 {
			return status.InvalidArgf("dense write does not cover the region: missing cell at %v", iter.Cell())
		}
		if w.tileCells == 0 {
			w.first = coord.Clone(rec.coords)
		}
		w.last = coord.Clone(rec.coords)
		for i, v := range rec.values {
			w.appendValue(i, v)
		}
		w.tileCells++
		if w.tileCells == vol {
			return w.sealTile()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if iter.Next() {
		return status.InvalidArgf("dense write does not cover the region: missing cell at %v", iter.Cell())
	}
	return nil
}

// Abandon drops an unfinalized writer, releasing scratch resources.
// The sentinel-less fragment directory stays behind for garbage
// collection.
func (w *Writer) Abandon() {
	if w.store != nil {
		w.store.close()
	}
	w.failed = true
}
