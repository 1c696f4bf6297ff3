// Fragment identity and layout.
//
// A fragment is the append-only product of one write session: a
// directory named __<ts>_<token> inside the array directory, where ts
// is wall-clock nanoseconds and the token makes concurrent writers
// collision-free. Lexicographic name order equals write order, which
// is the only ordering the read side ever needs.
//
// A fragment becomes visible the instant its .ok sentinel exists.
// Everything else in the directory is meaningless without it, which is
// the whole crash-recovery story: die before the sentinel and readers
// never knew you existed.
package fragment

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/vfs"
)

const (
	// SentinelFilename marks a committed, readable fragment.
	SentinelFilename = "__tiledb_fragment.ok"

	// BookkeepingFilename is the tile index, gzip-compressed.
	BookkeepingFilename = "__book_keeping.tdb"

	// CoordsFilename holds the coordinate tuples of sparse fragments.
	CoordsFilename = "__coords.tdb"

	// ConsolidatedFilename marks fragments superseded by a
	// consolidation pass; the marker lives in the array directory and
	// names the surviving fragment.
	ConsolidatedFilename = "__consolidated"
)

var fragSeq atomic.Uint64

// NewName generates a fragment directory name. The token is derived
// from host, pid, a process-local counter and the timestamp, so two
// writers on the same array can never collide.
func NewName() string {
	ts := time.Now().UnixNano()
	host, _ := os.Hostname()
	seed := fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), fragSeq.Add(1), ts)
	sum := blake2b.Sum256([]byte(seed))
	return fmt.Sprintf("__%020d_%x", ts, sum[:8])
}

// IsFragmentDir reports whether a directory name looks like a
// fragment.
func IsFragmentDir(name string) bool {
	if !strings.HasPrefix(name, "__") || strings.Count(name, "_") < 3 {
		return false
	}
	rest := name[2:]
	i := strings.IndexByte(rest, '_')
	if i <= 0 {
		return false
	}
	_, err := strconv.ParseUint(rest[:i], 10, 64)
	return err == nil
}

// Timestamp extracts the write timestamp from a fragment name.
func Timestamp(name string) int64 {
	rest := strings.TrimPrefix(name, "__")
	if i := strings.IndexByte(rest, '_'); i > 0 {
		if ts, err := strconv.ParseInt(rest[:i], 10, 64); err == nil {
			return ts
		}
	}
	return 0
}

// Committed reports whether a fragment directory carries its sentinel.
func Committed(fs *vfs.VFS, dir string) bool {
	return fs.IsFile(vfs.Join(dir, SentinelFilename))
}

// List returns the committed fragment directories of an array, oldest
// first. Uncommitted directories (no sentinel) are skipped: they are
// either in-flight writes or crash leftovers awaiting garbage
// collection.
func List(fs *vfs.VFS, arrayURI string) ([]string, error) {
	children, err := fs.List(arrayURI)
	if err != nil {
		return nil, err
	}
	var frags []string
	for _, child := range children {
		if !IsFragmentDir(vfs.Base(child)) {
			continue
		}
		if Committed(fs, child) {
			frags = append(frags, child)
		}
	}
	sort.Slice(frags, func(i, j int) bool { return vfs.Base(frags[i]) < vfs.Base(frags[j]) })
	return frags, nil
}

// AttrFile returns the data file name for an attribute.
func AttrFile(name string) string { return name + ".tdb" }

// VarFile returns the variable-length values file name.
func VarFile(name string) string { return name + "_var.tdb" }

// Files lists a fragment's data files in canonical order: each
// attribute's offsets-or-values file, then its var file when the
// attribute is variable-length, then the coordinate file for sparse
// fragments. Bookkeeping offset tables use this ordering.
func Files(s *schema.ArraySchema) []string {
	var out []string
	for _, a := range s.Attributes {
		out = append(out, AttrFile(a.Name))
		if a.Var() {
			out = append(out, VarFile(a.Name))
		}
	}
	if s.Type == schema.Sparse {
		out = append(out, CoordsFilename)
	}
	return out
}

// FileIndex maps a data file name to its position in Files order.
func FileIndex(s *schema.ArraySchema, file string) int {
	for i, f := range Files(s) {
		if f == file {
			return i
		}
	}
	return -1
}
