// Sorting of unordered writes.
//
// Unordered submissions accumulate in memory as (coords, values, seq)
// records. When the resident set crosses the spill threshold the
// current batch is sorted and written to a local scratch run;
// finalize merges the runs and the final in-memory batch with a k-way
// heap. Scratch runs always live on the local disk even when the
// array lives on an object store: they are private to the writer and
// never part of the fragment.
//
// Duplicate coordinates within one write session collapse to the
// latest submission, which the sequence number makes unambiguous even
// across spilled runs.
package fragment

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/jpl-au/tilestore/internal/coord"
	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/status"
)

// DefaultSortMemory is the in-memory threshold above which unordered
// cells spill to sorted scratch runs.
const DefaultSortMemory = 128 * 1024 * 1024

// cellRec is one buffered cell. values holds one byte slice per
// schema attribute: the fixed-size encoding for fixed attributes, the
// raw value bytes for variable-length ones.
type cellRec struct {
	coords []int64
	values [][]byte
	seq    uint64
}

type cellStore struct {
	sch      *schema.ArraySchema
	cmp      coord.Comparator
	memLimit int64

	memBytes int64
	cells    []cellRec
	runs     []*os.File
	seq      uint64
}

func newCellStore(sch *schema.ArraySchema, cmp coord.Comparator, memLimit int64) *cellStore {
	if memLimit <= 0 {
		memLimit = DefaultSortMemory
	}
	return &cellStore{sch: sch, cmp: cmp, memLimit: memLimit}
}

func (st *cellStore) add(coords []int64, values [][]byte) error {
	rec := cellRec{coords: coords, values: values, seq: st.seq}
	st.seq++

	sz := int64(len(coords) * 8)
	for _, v := range values {
		sz += int64(len(v)) + 8
	}
	st.memBytes += sz
	st.cells = append(st.cells, rec)

	if st.memBytes > st.memLimit {
		return st.spill()
	}
	return nil
}

func (st *cellStore) sortCells() {
	sort.Slice(st.cells, func(i, j int) bool {
		if c := st.cmp.Compare(st.cells[i].coords, st.cells[j].coords); c != 0 {
			return c < 0
		}
		return st.cells[i].seq < st.cells[j].seq
	})
}

// spill sorts the resident batch and writes it to a scratch run.
func (st *cellStore) spill() error {
	st.sortCells()
	f, err := os.CreateTemp("", "tilestore-sort-*.run")
	if err != nil {
		return status.IOErr("spill", "", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	for _, rec := range st.cells {
		if err := writeRun(w, &rec); err != nil {
			f.Close()
			os.Remove(f.Name())
			return status.IOErr("spill", f.Name(), err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return status.IOErr("spill", f.Name(), err)
	}
	st.runs = append(st.runs, f)
	st.cells = nil
	st.memBytes = 0
	return nil
}

// drain yields the stored cells in sorted order with duplicate
// coordinates collapsed to the latest submission, then releases all
// resources.
func (st *cellStore) drain(yield func(*cellRec) error) error {
	defer st.close()

	st.sortCells()
	if len(st.runs) == 0 {
		return drainSorted(st.cmp, sliceSource(st.cells), yield)
	}

	// Merge spilled runs with the resident batch.
	var srcs []cellSource
	for _, f := range st.runs {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return status.IOErr("merge", f.Name(), err)
		}
		srcs = append(srcs, &runSource{r: bufio.NewReaderSize(f, 1<<20), rank: st.sch.Rank(), nattrs: len(st.sch.Attributes)})
	}
	srcs = append(srcs, sliceSource(st.cells))

	h := &mergeHeap{cmp: st.cmp}
	for _, s := range srcs {
		rec, err := s.next()
		if err != nil {
			return err
		}
		if rec != nil {
			heap.Push(h, mergeEntry{rec: rec, src: s})
		}
	}

	merged := func(out func(*cellRec) error) error {
		for h.Len() > 0 {
			e := heap.Pop(h).(mergeEntry)
			if err := out(e.rec); err != nil {
				return err
			}
			rec, err := e.src.next()
			if err != nil {
				return err
			}
			if rec != nil {
				heap.Push(h, mergeEntry{rec: rec, src: e.src})
			}
		}
		return nil
	}
	return drainMerged(st.cmp, merged, yield)
}

func (st *cellStore) close() {
	for _, f := range st.runs {
		name := f.Name()
		f.Close()
		os.Remove(name)
	}
	st.runs = nil
	st.cells = nil
}

// drainSorted walks an already sorted source, keeping only the last
// record of each coordinate group.
func drainSorted(cmp coord.Comparator, src cellSource, yield func(*cellRec) error) error {
	return drainMerged(cmp, func(out func(*cellRec) error) error {
		for {
			rec, err := src.next()
			if err != nil {
				return err
			}
			if rec == nil {
				return nil
			}
			if err := out(rec); err != nil {
				return err
			}
		}
	}, yield)
}

// drainMerged deduplicates a (coords, seq)-sorted stream: within a
// coordinate group the highest sequence number survives. Groups are
// contiguous because the stream is sorted by coordinates first.
func drainMerged(cmp coord.Comparator, stream func(func(*cellRec) error) error, yield func(*cellRec) error) error {
	var pending *cellRec
	err := stream(func(rec *cellRec) error {
		if pending != nil && cmp.Compare(pending.coords, rec.coords) != 0 {
			if err := yield(pending); err != nil {
				return err
			}
		}
		if pending == nil || cmp.Compare(pending.coords, rec.coords) != 0 || rec.seq >= pending.seq {
			pending = rec
		}
		return nil
	})
	if err != nil {
		return err
	}
	if pending != nil {
		return yield(pending)
	}
	return nil
}

// cellSource is a sorted stream of records; next returns nil at the
// end.
type cellSource interface {
	next() (*cellRec, error)
}

type sliceCells struct {
	cells []cellRec
	i     int
}

func sliceSource(cells []cellRec) cellSource { return &sliceCells{cells: cells} }

func (s *sliceCells) next() (*cellRec, error) {
	if s.i >= len(s.cells) {
		return nil, nil
	}
	rec := &s.cells[s.i]
	s.i++
	return rec, nil
}

type runSource struct {
	r      *bufio.Reader
	rank   int
	nattrs int
}

func (s *runSource) next() (*cellRec, error) {
	rec, err := readRun(s.r, s.rank, s.nattrs)
	if err == io.EOF {
		return nil, nil
	}
	return rec, err
}

type mergeEntry struct {
	rec *cellRec
	src cellSource
}

type mergeHeap struct {
	cmp     coord.Comparator
	entries []mergeEntry
}

func (h *mergeHeap) Len() int { return len(h.entries) }
func (h *mergeHeap) Less(i, j int) bool {
	if c := h.cmp.Compare(h.entries[i].rec.coords, h.entries[j].rec.coords); c != 0 {
		return c < 0
	}
	return h.entries[i].rec.seq < h.entries[j].rec.seq
}
func (h *mergeHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *mergeHeap) Push(x any)    { h.entries = append(h.entries, x.(mergeEntry)) }
func (h *mergeHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	h.entries = old[:n-1]
	return e
}

// Run record layout: [coords rank*i64][seq u64][per attr: u32 len + bytes].
func writeRun(w *bufio.Writer, rec *cellRec) error {
	var scratch [8]byte
	for _, c := range rec.coords {
		binary.LittleEndian.PutUint64(scratch[:], uint64(c))
		if _, err := w.Write(scratch[:]); err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint64(scratch[:], rec.seq)
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}
	for _, v := range rec.values {
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(v)))
		if _, err := w.Write(scratch[:4]); err != nil {
			return err
		}
		if _, err := w.Write(v); err != nil {
			return err
		}
	}
	return nil
}

func readRun(r *bufio.Reader, rank, nattrs int) (*cellRec, error) {
	var scratch [8]byte
	rec := &cellRec{coords: make([]int64, rank), values: make([][]byte, nattrs)}
	for i := 0; i < rank; i++ {
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			// A clean io.EOF before the first byte is the end of the
			// run; anything else is a truncated record.
			return nil, err
		}
		rec.coords[i] = int64(binary.LittleEndian.Uint64(scratch[:]))
	}
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	rec.seq = binary.LittleEndian.Uint64(scratch[:])
	for i := 0; i < nattrs; i++ {
		if _, err := io.ReadFull(r, scratch[:4]); err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint32(scratch[:4])
		v := make([]byte, n)
		if _, err := io.ReadFull(r, v); err != nil {
			return nil, err
		}
		rec.values[i] = v
	}
	return rec, nil
}
