// Decoded-tile cache.
//
// One LRU per context, keyed by (fragment, file, tile), with a byte
// budget. Entries are pinned while a reader exposes them to the
// caller: a pinned tile is never evicted, whatever the budget says, so
// an iterator can hold a tile's memory across arbitrarily many Next
// calls without the cache yanking it away. A single mutex guards the
// index; the decoded buffers themselves are immutable and read without
// locking once pinned.
package cache

import (
	"container/list"
	"sync"
)

// DefaultBudget is the default decoded-tile byte budget.
const DefaultBudget = 1 << 30

// Key identifies a decoded tile.
type Key struct {
	Fragment string
	File     int
	Tile     int
}

// TileCache is the per-context LRU.
type TileCache struct {
	mu     sync.Mutex
	budget int64
	used   int64
	index  map[Key]*entry
	lru    *list.List // front = most recently used
}

type entry struct {
	key  Key
	buf  []byte
	pins int
	elem *list.Element
}

// New builds a cache with the given byte budget. Budget <= 0 selects
// the default.
func New(budget int64) *TileCache {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &TileCache{
		budget: budget,
		index:  map[Key]*entry{},
		lru:    list.New(),
	}
}

// Handle is a pinned reference to a decoded tile. Release it when the
// tile is no longer exposed to a caller.
type Handle struct {
	c *TileCache
	e *entry
}

// Bytes returns the decoded tile. The slice is immutable and valid
// while the handle is held.
func (h *Handle) Bytes() []byte { return h.e.buf }

// Release unpins the tile, making it evictable again.
func (h *Handle) Release() {
	h.c.mu.Lock()
	h.e.pins--
	h.c.mu.Unlock()
}

// Get returns a pinned handle when the tile is cached.
func (c *TileCache) Get(k Key) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[k]
	if !ok {
		return nil, false
	}
	e.pins++
	c.lru.MoveToFront(e.elem)
	return &Handle{c: c, e: e}, true
}

// Put inserts a decoded tile and returns it pinned. An existing entry
// under the same key is reused; the cache never holds two buffers for
// one tile.
func (c *TileCache) Put(k Key, buf []byte) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index[k]; ok {
		e.pins++
		c.lru.MoveToFront(e.elem)
		return &Handle{c: c, e: e}
	}
	e := &entry{key: k, buf: buf, pins: 1}
	e.elem = c.lru.PushFront(e)
	c.index[k] = e
	c.used += int64(len(buf))
	c.evict()
	return &Handle{c: c, e: e}
}

// DropFragment removes every unpinned tile of a fragment, used when a
// fragment is deleted by consolidation.
func (c *TileCache) DropFragment(fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.key.Fragment == fragment && e.pins == 0 {
			c.remove(e)
		}
		el = prev
	}
}

// Used returns the resident byte count.
func (c *TileCache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// evict walks from the cold end until the budget is met, skipping
// pinned entries. Called with the mutex held.
func (c *TileCache) evict() {
	for el := c.lru.Back(); el != nil && c.used > c.budget; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.pins == 0 {
			c.remove(e)
		}
		el = prev
	}
}

func (c *TileCache) remove(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.index, e.key)
	c.used -= int64(len(e.buf))
}
