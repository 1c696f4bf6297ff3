// Fragment reader: streams the cells of one fragment that fall inside
// a subarray, in the array's global cell order.
//
// Bookkeeping drives everything: tile selection is grid arithmetic for
// dense fragments and MBR filtering for sparse ones, and each selected
// tile is range-read with exactly the bytes its offset table names.
// Decoded tiles go through the shared cache and stay pinned while the
// reader's current cell points into them.
package fragment

import (
	"encoding/binary"

	"github.com/jpl-au/tilestore/internal/cache"
	"github.com/jpl-au/tilestore/internal/codec"
	"github.com/jpl-au/tilestore/internal/coord"
	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/status"
	"github.com/jpl-au/tilestore/internal/vfs"
)

// Cell is one emitted cell: its canonical coordinates and one value
// slice per requested attribute. Slices point into pinned tile
// buffers and stay valid until the reader advances past the cell's
// tile.
type Cell struct {
	Coords []int64
	Values [][]byte
}

// Reader iterates one fragment.
type Reader struct {
	fs    *vfs.VFS
	sch   *schema.ArraySchema
	Dir   string
	bk    *Bookkeeping
	sub   coord.Box
	attrs []int
	tiles *cache.TileCache
	grid  *coord.Grid

	files     []string
	fileSizes []int64 // lazily resolved, -1 = unknown

	// Dense walk state: fragment tiles in tile order.
	denseTiles []coord.TileRef
	ti         int
	pos        int64

	// Sparse walk state.
	tileCoords [][]int64 // decoded coordinates of the current tile
	cellIdx    int

	handles map[int]*cache.Handle // pinned tiles of the current tile index
	cell    Cell
	started bool
	done    bool
}

// OpenReader loads a committed fragment's bookkeeping and positions a
// reader before the first cell. attrNames selects and orders the
// emitted values. grid must be the array's grid for dense arrays and
// nil for sparse ones.
func OpenReader(fs *vfs.VFS, sch *schema.ArraySchema, dir string, sub coord.Box, attrNames []string, tiles *cache.TileCache, grid *coord.Grid) (*Reader, error) {
	bk, err := LoadBookkeeping(fs, sch, dir)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		fs:      fs,
		sch:     sch,
		Dir:     dir,
		bk:      bk,
		sub:     sub,
		tiles:   tiles,
		grid:    grid,
		files:   Files(sch),
		handles: map[int]*cache.Handle{},
		cell:    Cell{Coords: make([]int64, sch.Rank()), Values: make([][]byte, len(attrNames))},
	}
	r.fileSizes = make([]int64, len(r.files))
	for i := range r.fileSizes {
		r.fileSizes[i] = -1
	}
	for _, name := range attrNames {
		a := sch.Attribute(name)
		if a == nil {
			return nil, status.InvalidArgf("unknown attribute %q", name)
		}
		for i := range sch.Attributes {
			if sch.Attributes[i].Name == name {
				r.attrs = append(r.attrs, i)
			}
		}
	}

	if !bk.Sparse {
		if grid == nil {
			return nil, status.InvalidArgf("dense fragment needs the array grid")
		}
		if bk.NumTiles > 0 {
			r.denseTiles = coord.DenseTiles(grid, bk.NonEmptyDomain)
		}
	}
	if bk.NumTiles == 0 {
		r.done = true
	}
	return r, nil
}

// Bookkeeping exposes the fragment's index for coordination and
// tooling.
func (r *Reader) Bookkeeping() *Bookkeeping { return r.bk }

// Next advances to the next cell in the subarray. It returns false
// when the fragment is exhausted.
func (r *Reader) Next() (bool, error) {
	if r.done {
		return false, nil
	}
	if r.bk.Sparse {
		return r.nextSparse()
	}
	return r.nextDense()
}

// Cell returns the current cell. Valid until the next call to Next.
func (r *Reader) Cell() *Cell { return &r.cell }

// Close releases every pinned tile.
func (r *Reader) Close() {
	r.releaseTiles()
	r.done = true
}

func (r *Reader) releaseTiles() {
	for _, h := range r.handles {
		h.Release()
	}
	clear(r.handles)
}

func (r *Reader) nextDense() (bool, error) {
	vol := r.grid.TileVolume()
	for {
		if !r.started {
			r.started = true
		} else {
			r.pos++
		}
		for r.pos >= vol || !r.tileIntersects() {
			r.releaseTiles()
			r.ti++
			r.pos = 0
			if r.ti >= len(r.denseTiles) {
				r.done = true
				return false, nil
			}
		}
		t := r.denseTiles[r.ti]
		r.grid.CellAt(t.TC, r.pos, r.cell.Coords)
		if !coord.InBox(r.cell.Coords, r.sub) {
			continue
		}
		if err := r.fillValues(r.ti, int(r.pos)); err != nil {
			return false, err
		}
		return true, nil
	}
}

// tileIntersects reports whether the current dense tile's box overlaps
// the subarray, skipping whole tiles without reading them.
func (r *Reader) tileIntersects() bool {
	if r.ti >= len(r.denseTiles) {
		return true // boundary handled by the caller
	}
	box := r.grid.TileBox(r.denseTiles[r.ti].TC)
	_, ok := coord.Intersect(box, r.sub)
	return ok
}

func (r *Reader) nextSparse() (bool, error) {
	for {
		if r.tileCoords == nil {
			// Find the next tile whose MBR intersects the subarray.
			for ; r.ti < int(r.bk.NumTiles); r.ti++ {
				if _, ok := coord.Intersect(r.bk.MBRs[r.ti], r.sub); ok {
					break
				}
			}
			if r.ti >= int(r.bk.NumTiles) {
				r.done = true
				return false, nil
			}
			if err := r.decodeCoordsTile(r.ti); err != nil {
				return false, err
			}
			r.cellIdx = -1
		}

		r.cellIdx++
		if r.cellIdx >= len(r.tileCoords) {
			r.releaseTiles()
			r.tileCoords = nil
			r.ti++
			continue
		}
		c := r.tileCoords[r.cellIdx]
		if !coord.InBox(c, r.sub) {
			continue
		}
		copy(r.cell.Coords, c)
		if err := r.fillValues(r.ti, r.cellIdx); err != nil {
			return false, err
		}
		return true, nil
	}
}

// decodeCoordsTile loads tile t of __coords.tdb and splits it into
// canonical tuples.
func (r *Reader) decodeCoordsTile(t int) error {
	f := FileIndex(r.sch, CoordsFilename)
	h, err := r.loadTile(f, t)
	if err != nil {
		return err
	}
	defer h.Release()

	data := h.Bytes()
	rank := r.sch.Rank()
	tupleSize := 0
	for _, d := range r.sch.Dimensions {
		tupleSize += d.Type.Size()
	}
	if tupleSize == 0 || len(data)%tupleSize != 0 {
		return status.Corruptionf(r.Dir, "coordinate tile %d holds %d bytes, not a whole number of %d-byte tuples", t, len(data), tupleSize)
	}
	n := len(data) / tupleSize
	if uint64(n) != r.bk.CellCounts[t] {
		return status.Corruptionf(r.Dir, "coordinate tile %d holds %d cells, bookkeeping says %d", t, n, r.bk.CellCounts[t])
	}

	r.tileCoords = make([][]int64, n)
	off := 0
	for i := 0; i < n; i++ {
		c := make([]int64, rank)
		for d := range r.sch.Dimensions {
			v, err := schema.DecodeScalar(r.sch.Dimensions[d].Type, data[off:])
			if err != nil {
				return err
			}
			c[d] = v
			off += r.sch.Dimensions[d].Type.Size()
		}
		r.tileCoords[i] = c
	}
	return nil
}

// fillValues slices the requested attributes' values for the cell at
// the given position of fragment-local tile t.
func (r *Reader) fillValues(t, pos int) error {
	for out, ai := range r.attrs {
		a := &r.sch.Attributes[ai]
		if !a.Var() {
			h, err := r.loadTileCached(FileIndex(r.sch, AttrFile(a.Name)), t)
			if err != nil {
				return err
			}
			cs := a.CellSize()
			data := h.Bytes()
			if (pos+1)*cs > len(data) {
				return status.Corruptionf(r.Dir, "attribute %q tile %d truncated", a.Name, t)
			}
			r.cell.Values[out] = data[pos*cs : (pos+1)*cs]
			continue
		}

		oh, err := r.loadTileCached(FileIndex(r.sch, AttrFile(a.Name)), t)
		if err != nil {
			return err
		}
		vh, err := r.loadTileCached(FileIndex(r.sch, VarFile(a.Name)), t)
		if err != nil {
			return err
		}
		offs := oh.Bytes()
		vals := vh.Bytes()
		if (pos+1)*8 > len(offs) {
			return status.Corruptionf(r.Dir, "attribute %q offsets tile %d truncated", a.Name, t)
		}
		start := binary.LittleEndian.Uint64(offs[pos*8:])
		end := uint64(len(vals))
		if (pos+2)*8 <= len(offs) {
			end = binary.LittleEndian.Uint64(offs[(pos+1)*8:])
		}
		if start > end || end > uint64(len(vals)) {
			return status.Corruptionf(r.Dir, "attribute %q tile %d: offset %d..%d out of range", a.Name, t, start, end)
		}
		r.cell.Values[out] = vals[start:end]
	}
	return nil
}

// loadTileCached pins a tile for the duration of the current tile
// walk; repeated cells of one tile hit the pinned handle instead of
// the cache index.
func (r *Reader) loadTileCached(file, t int) (*cache.Handle, error) {
	if h, ok := r.handles[file]; ok {
		return h, nil
	}
	h, err := r.loadTile(file, t)
	if err != nil {
		return nil, err
	}
	r.handles[file] = h
	return h, nil
}

// loadTile range-reads and decodes tile t of a data file, going
// through the shared cache.
func (r *Reader) loadTile(file, t int) (*cache.Handle, error) {
	key := cache.Key{Fragment: r.Dir, File: file, Tile: t}
	if h, ok := r.tiles.Get(key); ok {
		return h, nil
	}

	uri := vfs.Join(r.Dir, r.files[file])
	offs := r.bk.Offsets[file]
	if t >= len(offs) {
		return nil, status.Corruptionf(r.Dir, "tile %d beyond offset table of %s", t, r.files[file])
	}
	start := int64(offs[t])
	var end int64
	if t+1 < len(offs) {
		end = int64(offs[t+1])
	} else {
		var err error
		if end, err = r.fileSize(file, uri); err != nil {
			return nil, err
		}
	}
	if end < start {
		return nil, status.Corruptionf(r.Dir, "offset table of %s not monotonic at tile %d", r.files[file], t)
	}

	frame := make([]byte, end-start)
	if err := r.fs.Read(uri, start, frame); err != nil {
		return nil, err
	}
	decoded, err := codec.Decompress(frame, uri)
	if err != nil {
		return nil, err
	}
	return r.tiles.Put(key, decoded), nil
}

func (r *Reader) fileSize(file int, uri string) (int64, error) {
	if r.fileSizes[file] >= 0 {
		return r.fileSizes[file], nil
	}
	n, err := r.fs.FileSize(uri)
	if err != nil {
		return 0, err
	}
	r.fileSizes[file] = n
	return n, nil
}
