// Tile cache behaviour tests.
//
// The cache's two promises are a bounded footprint and the pinning
// rule: a tile currently exposed to a caller is never evicted, even
// when the budget says otherwise. Breaking the first leaks memory;
// breaking the second hands a reader a recycled buffer mid-iteration.
package cache

import (
	"fmt"
	"testing"
)

func key(i int) Key {
	return Key{Fragment: "frag", File: 0, Tile: i}
}

func TestGetPut(t *testing.T) {
	c := New(1024)
	if _, ok := c.Get(key(1)); ok {
		t.Fatal("hit on an empty cache")
	}
	h := c.Put(key(1), []byte("abc"))
	if string(h.Bytes()) != "abc" {
		t.Fatalf("Bytes = %q", h.Bytes())
	}
	h.Release()

	h2, ok := c.Get(key(1))
	if !ok {
		t.Fatal("miss after Put")
	}
	h2.Release()
	if c.Used() != 3 {
		t.Errorf("Used = %d, want 3", c.Used())
	}
}

func TestEvictionOrder(t *testing.T) {
	c := New(30)
	for i := 0; i < 3; i++ {
		c.Put(key(i), make([]byte, 10)).Release()
	}
	// Touch tile 0 so tile 1 is the coldest.
	if h, ok := c.Get(key(0)); ok {
		h.Release()
	} else {
		t.Fatal("tile 0 evicted prematurely")
	}

	c.Put(key(3), make([]byte, 10)).Release()

	if _, ok := c.Get(key(1)); ok {
		t.Error("coldest tile survived over-budget insert")
	}
	for _, i := range []int{0, 2, 3} {
		if h, ok := c.Get(key(i)); ok {
			h.Release()
		} else {
			t.Errorf("tile %d evicted, want kept", i)
		}
	}
}

func TestPinnedNeverEvicted(t *testing.T) {
	c := New(10)
	h := c.Put(key(1), make([]byte, 10))
	// Over budget: tile 1 is the only eviction candidate but is
	// pinned.
	c.Put(key(2), make([]byte, 10)).Release()

	if _, ok := c.Get(key(1)); !ok {
		t.Fatal("pinned tile evicted")
	}
	h.Release()
}

func TestDropFragment(t *testing.T) {
	c := New(0)
	c.Put(Key{Fragment: "a", Tile: 1}, []byte("x")).Release()
	c.Put(Key{Fragment: "b", Tile: 1}, []byte("y")).Release()
	c.DropFragment("a")
	if _, ok := c.Get(Key{Fragment: "a", Tile: 1}); ok {
		t.Error("dropped fragment still cached")
	}
	if h, ok := c.Get(Key{Fragment: "b", Tile: 1}); ok {
		h.Release()
	} else {
		t.Error("unrelated fragment dropped")
	}
}

func TestPutIdempotent(t *testing.T) {
	c := New(1024)
	h1 := c.Put(key(1), []byte("abc"))
	h2 := c.Put(key(1), []byte("abc"))
	if c.Used() != 3 {
		t.Errorf("double insert counted twice: Used = %d", c.Used())
	}
	h1.Release()
	h2.Release()
}

func TestManyFragments(t *testing.T) {
	c := New(100)
	for i := 0; i < 50; i++ {
		k := Key{Fragment: fmt.Sprintf("f%d", i), Tile: i}
		c.Put(k, make([]byte, 10)).Release()
	}
	if c.Used() > 100 {
		t.Errorf("budget exceeded with no pins: Used = %d", c.Used())
	}
}
