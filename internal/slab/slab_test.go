package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheAddGet(t *testing.T) {
	c := New("test", 16, 4, nil)

	c.Add(1, "one")
	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "one", v)

	_, ok = c.Get(2)
	assert.False(t, ok)
}

func TestCacheLRUEviction(t *testing.T) {
	// Single shard, budget for 2 entries: force eviction and verify the
	// least-recently-used entry (not a random one) is the one dropped.
	c := New("test", 2, 1, nil)

	c.Add(1, "one")
	c.Add(2, "two")

	// touch 1 so it's most-recently-used; 2 becomes the LRU victim.
	_, _ = c.Get(1)

	c.Add(3, "three")

	_, ok := c.Get(2)
	assert.False(t, ok, "least-recently-used entry should have been evicted")

	_, ok = c.Get(1)
	assert.True(t, ok, "recently-used entry should survive eviction")

	_, ok = c.Get(3)
	assert.True(t, ok)
}

func TestCacheRemoveAndLen(t *testing.T) {
	c := New("test", 16, 4, nil)
	c.Add(1, "one")
	c.Add(2, "two")
	assert.Equal(t, 2, c.Len())

	c.Remove(1)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestCachePeekDoesNotAffectRecency(t *testing.T) {
	c := New("test", 2, 1, nil)
	c.Add(1, "one")
	c.Add(2, "two")

	// Peek 1 repeatedly; it should NOT be promoted to most-recently-used.
	_, _ = c.Peek(1)
	_, _ = c.Peek(1)

	c.Add(3, "three")

	_, ok := c.Get(1)
	assert.False(t, ok, "peek must not protect an entry from LRU eviction")
}

func TestCacheByteBudget(t *testing.T) {
	// Single shard with a 100-byte budget, each value charged its string
	// length: three 40-byte values can't all fit, so the LRU one goes.
	sizeFn := func(v any) int { return len(v.(string)) }
	c := New("test", 100, 1, sizeFn)

	val := make([]byte, 40)
	for i := range val {
		val[i] = 'x'
	}

	c.Add(1, string(val))
	c.Add(2, string(val))
	assert.Equal(t, int64(80), c.Used())

	c.Add(3, string(val))

	_, ok := c.Get(1)
	assert.False(t, ok, "oldest entry must be evicted to respect the byte budget")
	assert.Equal(t, int64(80), c.Used())
	assert.Equal(t, 2, c.Len())
}

func TestCacheReplaceAdjustsAccounting(t *testing.T) {
	sizeFn := func(v any) int { return len(v.(string)) }
	c := New("test", 100, 1, sizeFn)

	c.Add(1, "0123456789")
	assert.Equal(t, int64(10), c.Used())

	// replacing under the same key swaps the charge, not accumulates it
	c.Add(1, "01234")
	assert.Equal(t, int64(5), c.Used())

	c.Remove(1)
	assert.Equal(t, int64(0), c.Used())
}

func TestCacheOversizedInsertDropped(t *testing.T) {
	sizeFn := func(v any) int { return len(v.(string)) }
	c := New("test", 8, 1, sizeFn)

	c.Add(1, "ok")
	c.Add(2, "waaaaaaaay too large")

	_, ok := c.Get(2)
	assert.False(t, ok, "an entry over the whole shard budget is dropped")

	_, ok = c.Get(1)
	assert.True(t, ok, "existing entries survive a dropped oversized insert")
}
