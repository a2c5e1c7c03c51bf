// Package slab implements the sharded, true-LRU cache that backs the
// resolver core's rrset, message, key and infrastructure caches. It shards
// by the top bits of the pre-hashed key and, instead of the random-sample
// eviction of the cache package, evicts with
// github.com/hashicorp/golang-lru/v2 so that eviction is actually
// least-recently-used, and adds per-shard memory accounting: each shard
// independently enforces maxmem divided by the shard count, charging every
// entry through a caller-supplied size function.
package slab

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/semihalev/recursord/middleware/metrics"
)

// defaultShardCount matches the teacher's cache package: enough shards to
// keep per-shard lock contention low without wasting memory on tiny caches.
const defaultShardCount = 256

// SizeFunc reports the memory charge of a stored value. A nil SizeFunc
// charges every entry 1, which turns the cache's budget into an entry
// count.
type SizeFunc func(value any) int

// Cache is a sharded, lock-per-shard, LRU-evicting key/value store keyed by
// a pre-hashed uint64 (see cache.Key / cache.Hash). name is used only to
// label Prometheus counters.
type Cache struct {
	name   string
	shards []*shard
	mask   uint64
	sizeFn SizeFunc
	hits   atomic.Int64
	misses atomic.Int64
}

type shard struct {
	mu     sync.Mutex
	lru    *lru.Cache[uint64, *item]
	used   int64
	budget int64
}

// item wraps a stored value with the charge recorded at insert time, so
// accounting stays consistent even if the value mutates afterwards.
type item struct {
	value any
	size  int64
}

// New returns a Cache enforcing a total budget of maxmem across shardCount
// shards; every shard independently enforces maxmem/shardCount. sizeFn
// prices each stored value (nil makes maxmem an entry count). shardCount
// must be a power of two; callers that don't care should pass 0 to get the
// default.
func New(name string, maxmem int64, shardCount int, sizeFn SizeFunc) *Cache {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	if maxmem < int64(shardCount) {
		maxmem = int64(shardCount)
	}

	perShard := maxmem / int64(shardCount)
	if perShard < 1 {
		perShard = 1
	}

	c := &Cache{
		name:   name,
		shards: make([]*shard, shardCount),
		mask:   uint64(shardCount - 1),
		sizeFn: sizeFn,
	}

	for i := range c.shards {
		// one slot above the budget: every entry is charged at least 1, so
		// the byte budget (not the LRU's own capacity) always decides eviction
		l, _ := lru.New[uint64, *item](int(perShard) + 1)
		c.shards[i] = &shard{lru: l, budget: perShard}
	}

	return c
}

// sizeOf prices value through the user-supplied size function, charging at
// least 1 so the budget always bounds the entry count too.
func (c *Cache) sizeOf(value any) int64 {
	if c.sizeFn == nil {
		return 1
	}
	n := int64(c.sizeFn(value))
	if n < 1 {
		n = 1
	}
	return n
}

// shardFor picks a shard using the top bits of key. Keys are xxhash digests
// (cache.Key), whose top bits are as well mixed as the rest, so entries
// spread evenly.
func (c *Cache) shardFor(key uint64) *shard {
	idx := (key >> 56) & c.mask
	return c.shards[idx]
}

// Get returns the value stored under key, if present and not evicted.
func (c *Cache) Get(key uint64) (any, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	it, ok := s.lru.Get(key)
	s.mu.Unlock()

	if ok {
		c.hits.Add(1)
		metrics.CacheEvents.WithLabelValues(c.name, "hit").Inc()
		return it.value, true
	}
	c.misses.Add(1)
	metrics.CacheEvents.WithLabelValues(c.name, "miss").Inc()
	return nil, false
}

// Peek is like Get but does not count as a recent-use access and does not
// record hit/miss metrics; used by code that needs to inspect an entry
// without disturbing LRU order (e.g. staleness checks during prefetch).
func (c *Cache) Peek(key uint64) (any, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lru.Peek(key)
	if !ok {
		return nil, false
	}
	return it.value, true
}

// Add stores value under key, evicting from the shard's LRU tail until the
// shard is back under its memory budget. An entry larger than the whole
// shard budget is dropped silently.
func (c *Cache) Add(key uint64, value any) {
	size := c.sizeOf(value)
	s := c.shardFor(key)

	if size > s.budget {
		// could never fit even with the shard emptied: drop the insertion
		// rather than flush everything for nothing
		return
	}

	s.mu.Lock()
	if old, ok := s.lru.Peek(key); ok {
		s.used -= old.size
	}
	s.lru.Add(key, &item{value: value, size: size})
	s.used += size

	evicted := 0
	for s.used > s.budget {
		_, old, ok := s.lru.RemoveOldest()
		if !ok {
			break
		}
		s.used -= old.size
		evicted++
	}
	s.mu.Unlock()

	for i := 0; i < evicted; i++ {
		metrics.CacheEvents.WithLabelValues(c.name, "evict").Inc()
	}
}

// Remove deletes key from the cache, if present.
func (c *Cache) Remove(key uint64) {
	s := c.shardFor(key)
	s.mu.Lock()
	if it, ok := s.lru.Peek(key); ok {
		s.used -= it.size
		s.lru.Remove(key)
	}
	s.mu.Unlock()
}

// Len returns the total number of entries across all shards.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Used returns the total memory charge currently accounted across shards.
func (c *Cache) Used() int64 {
	var n int64
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.used
		s.mu.Unlock()
	}
	return n
}

// Hits returns the cumulative hit count.
func (c *Cache) Hits() int64 { return c.hits.Load() }

// Misses returns the cumulative miss count.
func (c *Cache) Misses() int64 { return c.misses.Load() }
