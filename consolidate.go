// Consolidation: merge every committed fragment into one.
//
// The pass holds the array's exclusive lock where the backend
// supports locking, reads the merged full-domain stream through the
// ordinary read path, writes it back as a single new fragment, marks
// the pass with the consolidation marker, and only then retires the
// superseded fragment directories. A crash at any point leaves either
// the old fragments or the old fragments plus a committed superset,
// both of which read identically; on object stores the sentinel's
// block-list commit supplies the atomicity the missing rename would
// have provided.
package tilestore

import (
	"github.com/jpl-au/tilestore/internal/fragment"
	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/vfs"
)

// consolidateBatch is the number of cells moved per submit during
// consolidation.
const consolidateBatch = 64 * 1024

// Consolidate rewrites an array's committed fragments as one fragment
// and deletes the originals. Arrays with fewer than two fragments are
// left untouched.
func (c *Context) Consolidate(uri string) error {
	sch, err := c.LoadSchema(uri)
	if err != nil {
		return err
	}

	unlock, err := c.fs.Lock(uri, true)
	if err != nil {
		return err
	}
	defer unlock()

	frags, err := fragment.List(c.fs, uri)
	if err != nil {
		return err
	}
	if len(frags) < 2 {
		return nil
	}

	attrs := make([]string, 0, len(sch.Attributes)+1)
	for _, a := range sch.Attributes {
		attrs = append(attrs, a.Name)
	}
	if sch.Type == schema.Sparse {
		attrs = append(attrs, CoordsAttr)
	}

	r, err := c.openReader(uri, nil, attrs, false)
	if err != nil {
		return err
	}
	defer r.Close()

	mode := DenseOrderedWrite
	if sch.Type == schema.Sparse {
		mode = SparseUnorderedWrite
	}
	w, err := c.OpenWriter(uri, mode, nil)
	if err != nil {
		return err
	}

	dst := map[string]*Buffer{}
	for _, name := range attrs {
		dst[name] = &Buffer{}
	}
	for {
		for _, b := range dst {
			b.Data = b.Data[:0]
			b.Offsets = b.Offsets[:0]
		}
		n, err := r.Next(dst, consolidateBatch)
		if err != nil {
			w.Abandon()
			return err
		}
		if n == 0 {
			break
		}
		batch := make(map[string]Buffer, len(dst))
		for name, b := range dst {
			batch[name] = *b
		}
		if err := w.Submit(batch); err != nil {
			w.Abandon()
			return err
		}
	}

	if err := w.Finalize(); err != nil {
		return err
	}

	// The marker names the surviving fragment; its appearance is the
	// commit point of the pass.
	marker := vfs.Join(uri, fragment.ConsolidatedFilename)
	if err := c.fs.WriteFileAtomic(marker, []byte(vfs.Base(w.Fragment())+"\n")); err != nil {
		return err
	}

	for _, dir := range frags {
		c.tiles.DropFragment(dir)
		if err := c.fs.DeleteDir(dir); err != nil {
			return err
		}
	}
	return c.fs.DeleteFile(marker)
}
