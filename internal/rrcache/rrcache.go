// Package rrcache wraps internal/slab with the RRset-specific update policy:
// an incoming RRset only replaces a cached one if it dominates on the trust
// ladder, and version ids let callers detect that a reference they hold has
// since been replaced. Grounded on the trust/TTL comparison idiom of
// authcache/ns_cache.go and cache/authserver.go's Sort, generalized to the
// specification's trust ladder.
package rrcache

import (
	"sync"
	"time"

	"github.com/semihalev/recursord/cache"
	"github.com/semihalev/recursord/internal/dnsmsg"
	"github.com/semihalev/recursord/internal/slab"
)

// Cache is the RRset cache: owner+type+class+CD keyed, trust-dominance on
// update, version-stamped so message-cache back-references can detect a
// replaced entry.
type Cache struct {
	slab    *slab.Cache
	version versions
}

// versions tracks a monotonic counter per cache key so a message-cache entry
// can tell whether the rrset it references has since been replaced. Every
// insertion bumps it, including re-insertion of identical content after an
// eviction or expiry.
type versions struct {
	mu sync.Mutex
	m  map[uint64]uint64
}

func newVersions() versions {
	return versions{m: make(map[uint64]uint64)}
}

func (v *versions) bump(key uint64) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[key]++
	return v.m[key]
}

func (v *versions) get(key uint64) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.m[key]
}

// Entry is what's actually stored in the slab: the packed rrset plus the
// version id bumped on every replacement.
type Entry struct {
	RRset   *dnsmsg.PackedRRset
	Version uint64
}

// New returns an RRset cache bounded to approximately maxmem bytes spread
// across shardCount shards (0 for the default shard count).
func New(maxmem int64, shardCount int) *Cache {
	return &Cache{
		slab:    slab.New("rrset", maxmem, shardCount, entrySize),
		version: newVersions(),
	}
}

// entrySize estimates an entry's memory charge from the presentation length
// of its records, close enough for budget enforcement without walking wire
// encodings.
func entrySize(v any) int {
	e := v.(*Entry)
	n := 64
	for _, rr := range e.RRset.RRs {
		n += len(rr.String())
	}
	for _, rr := range e.RRset.Sig {
		n += len(rr.String())
	}
	return n
}

// Key derives the cache key for an owner/type/class/CD tuple, reusing the
// teacher's pooled xxhash key builder.
func Key(owner string, rrtype, class uint16, cd bool) uint64 {
	return cache.KeyString(owner, rrtype, class, cd)
}

// Get returns the cached entry for key, or (nil, false) on a miss or expiry.
func (c *Cache) Get(key uint64, now time.Time) (*Entry, bool) {
	v, ok := c.slab.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*Entry)
	if e.RRset.Expired(now) {
		return nil, false
	}
	return e, true
}

// Update applies the RRset cache's dominance policy for an incoming rrset:
//  1. if no entry exists (or the existing one has expired), insert it.
//  2. else replace only if the incoming rrset dominates: strictly higher
//     trust, or equal trust with a later expiry.
//  3. on replacement, bump the version id; otherwise return the existing
//     entry unchanged — callers MUST use the returned entry, not their
//     input, per the specification's dominance-monotonicity property.
func (c *Cache) Update(key uint64, incoming *dnsmsg.PackedRRset, now time.Time) *Entry {
	if v, ok := c.slab.Peek(key); ok {
		existing := v.(*Entry)
		if !existing.RRset.Expired(now) && !dominates(incoming, existing.RRset) {
			return existing
		}
	}

	e := &Entry{
		RRset:   incoming,
		Version: c.version.bump(key),
	}
	c.slab.Add(key, e)
	return e
}

// dominates reports whether incoming should replace existing: strictly
// higher trust always wins; at equal trust, a later expiry wins (fresher
// data from the same authority class supersedes staler data).
func dominates(incoming, existing *dnsmsg.PackedRRset) bool {
	if incoming.Trust != existing.Trust {
		return incoming.Trust > existing.Trust
	}
	return incoming.Expires.After(existing.Expires)
}

// CurrentVersion returns the version id currently stored for key, used by
// the message cache to validate a captured back-reference.
func (c *Cache) CurrentVersion(key uint64) uint64 {
	return c.version.get(key)
}

// Remove deletes the cached entry for key, if present.
func (c *Cache) Remove(key uint64) {
	c.slab.Remove(key)
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int { return c.slab.Len() }
