// Array lifecycle: create, open, delete, vacuum.
package tilestore

import (
	"sync"

	"github.com/jpl-au/tilestore/internal/coord"
	"github.com/jpl-au/tilestore/internal/fragment"
	"github.com/jpl-au/tilestore/internal/schema"
	"github.com/jpl-au/tilestore/internal/status"
	"github.com/jpl-au/tilestore/internal/vfs"
)

// schemaCache memoises loaded schemas per array URI for the lifetime
// of the context; schemas are immutable, so there is nothing to
// invalidate short of deleting the array.
type schemaCache struct {
	mu sync.Mutex
	m  map[string]*schema.ArraySchema
}

func (sc *schemaCache) get(uri string) (*schema.ArraySchema, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	s, ok := sc.m[uri]
	return s, ok
}

func (sc *schemaCache) put(uri string, s *schema.ArraySchema) {
	sc.mu.Lock()
	sc.m[uri] = s
	sc.mu.Unlock()
}

func (sc *schemaCache) drop(uri string) {
	sc.mu.Lock()
	delete(sc.m, uri)
	sc.mu.Unlock()
}

// CreateArray validates the schema and materialises the array
// directory with its serialised schema file. Creating over an
// existing array is a schema conflict.
func (c *Context) CreateArray(uri string, s *Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	schemaURI := vfs.Join(uri, schema.SchemaFilename)
	if c.fs.IsFile(schemaURI) {
		return status.SchemaConflictf("array already exists at %q", uri)
	}
	if err := c.fs.CreateDir(uri); err != nil {
		return err
	}
	return c.fs.WriteFileAtomic(schemaURI, s.Serialize())
}

// LoadSchema returns an array's schema, reading it on first access
// and caching it for the context's lifetime.
func (c *Context) LoadSchema(uri string) (*Schema, error) {
	if s, ok := c.schemas.get(uri); ok {
		return s, nil
	}
	schemaURI := vfs.Join(uri, schema.SchemaFilename)
	if !c.fs.IsFile(schemaURI) {
		return nil, status.InvalidArgf("no array at %q", uri)
	}
	data, err := c.fs.ReadAll(schemaURI)
	if err != nil {
		return nil, err
	}
	s, err := schema.Deserialize(data, schemaURI)
	if err != nil {
		return nil, err
	}
	c.schemas.put(uri, s)
	return s, nil
}

// DeleteArray removes the array directory recursively.
func (c *Context) DeleteArray(uri string) error {
	c.schemas.drop(uri)
	return c.fs.DeleteDir(uri)
}

// Fragments lists an array's committed fragment directories, oldest
// first.
func (c *Context) Fragments(uri string) ([]string, error) {
	if _, err := c.LoadSchema(uri); err != nil {
		return nil, err
	}
	return fragment.List(c.fs, uri)
}

// Vacuum deletes fragment directories that never received their
// commit sentinel: crash leftovers and abandoned writes. Committed
// fragments are untouched.
func (c *Context) Vacuum(uri string) (int, error) {
	if _, err := c.LoadSchema(uri); err != nil {
		return 0, err
	}
	children, err := c.fs.List(uri)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, child := range children {
		if !fragment.IsFragmentDir(vfs.Base(child)) {
			continue
		}
		if fragment.Committed(c.fs, child) {
			continue
		}
		if err := c.fs.DeleteDir(child); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// NonEmptyDomain returns the union of the committed fragments'
// non-empty domains in canonical coordinates, and false when the
// array holds no cells.
func (c *Context) NonEmptyDomain(uri string) (coord.Box, bool, error) {
	s, err := c.LoadSchema(uri)
	if err != nil {
		return nil, false, err
	}
	frags, err := fragment.List(c.fs, uri)
	if err != nil {
		return nil, false, err
	}
	var union coord.Box
	for _, dir := range frags {
		bk, err := fragment.LoadBookkeeping(c.fs, s, dir)
		if err != nil {
			return nil, false, err
		}
		if bk.NumTiles == 0 {
			continue
		}
		if union == nil {
			union = coord.CloneBox(bk.NonEmptyDomain)
			continue
		}
		for i := range union {
			union[i][0] = min(union[i][0], bk.NonEmptyDomain[i][0])
			union[i][1] = max(union[i][1], bk.NonEmptyDomain[i][1])
		}
	}
	return union, union != nil, nil
}
