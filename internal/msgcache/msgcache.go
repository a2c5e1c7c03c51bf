// Package msgcache caches whole replies built from rrsets drawn from
// internal/rrcache. A cached reply is only as good as the rrsets it was
// built from, so each entry keeps a back-reference (cache key + version id)
// per constituent rrset; a hit that finds any referenced rrset has since
// been superseded is treated as a miss even though the reply's own TTL
// hasn't run out yet. Grounded on middleware/cache/types.go's CacheEntry
// (TTL-relativizing ToMsg, ShouldPrefetch, per-entry rate.Limiter) and
// middleware/cache/positive_cache.go / negative_cache.go's answer/no-answer
// split, adapted from a concrete dns.Msg store to a ReplyInfo store whose
// sections reference the shared rrset cache instead of owning copies.
package msgcache

import (
	"sync/atomic"
	"time"

	"github.com/semihalev/recursord/cache"
	"github.com/semihalev/recursord/internal/dnsmsg"
	"github.com/semihalev/recursord/internal/rrcache"
	"github.com/semihalev/recursord/internal/slab"
	"golang.org/x/time/rate"
)

// Ref is a back-reference from a cached reply to one of the rrcache entries
// it was assembled from: the rrcache key plus the version id observed at
// assembly time.
type Ref struct {
	Key     uint64
	Version uint64
}

// Entry is a cached reply together with its rrset back-references and the
// prefetch/rate-limit bookkeeping carried over from CacheEntry.
type Entry struct {
	Reply   *dnsmsg.ReplyInfo
	Refs    []Ref
	origTTL time.Duration

	prefetch atomic.Bool
	limiter  *rate.Limiter
}

// NewEntry builds an entry for a just-assembled reply. origTTL is the TTL
// the reply had at assembly time, used as the denominator for the prefetch
// threshold percentage. rateLimit, when positive, gives the entry a
// per-entry rate.Limiter (rateLimit per second, burst rateLimit) that
// RateLimited consults; the limiter applies from the first call, whether or
// not the entry has crossed its prefetch threshold.
func NewEntry(reply *dnsmsg.ReplyInfo, refs []Ref, origTTL time.Duration, rateLimit int) *Entry {
	e := &Entry{Reply: reply, Refs: refs, origTTL: origTTL}
	if rateLimit > 0 {
		limit := rate.Every(time.Second / time.Duration(rateLimit))
		e.limiter = rate.NewLimiter(limit, rateLimit)
	}
	return e
}

// ShouldPrefetch reports whether the entry has crossed the prefetch
// threshold (a percentage of its original TTL) and hasn't already
// triggered a refresh. It flips the entry's prefetch bit at most once, so
// concurrent callers racing on the same hot entry dispatch exactly one
// refresh.
func (e *Entry) ShouldPrefetch(now time.Time, threshold int) bool {
	if threshold <= 0 || e.origTTL <= 0 || e.prefetch.Load() {
		return false
	}
	remaining := e.Reply.TTL(now)
	thresholdDur := time.Duration(float64(threshold) / 100.0 * float64(e.origTTL))
	if remaining > thresholdDur {
		return false
	}
	return e.prefetch.CompareAndSwap(false, true)
}

// RateLimited reports whether this entry's limiter denies serving another
// request right now.
func (e *Entry) RateLimited() bool {
	return e.limiter != nil && !e.limiter.Allow()
}

// Cache is the message cache: QueryInfo-keyed ReplyInfo storage layered
// over an rrcache.Cache for back-reference validation.
type Cache struct {
	slab *slab.Cache
	rr   *rrcache.Cache
}

// New returns a message cache bounded to approximately maxmem bytes spread
// across shardCount shards, validating back-references against rr.
func New(rr *rrcache.Cache, maxmem int64, shardCount int) *Cache {
	return &Cache{
		slab: slab.New("msg", maxmem, shardCount, entrySize),
		rr:   rr,
	}
}

// entrySize charges a cached reply for its bookkeeping only: the rrsets it
// references are owned (and accounted) by the rrset cache.
func entrySize(v any) int {
	e := v.(*Entry)
	return 96 + 16*len(e.Refs)
}

// Key derives the cache key for a query, reusing the same pooled key
// builder as internal/rrcache so the two caches share no key-derivation
// logic to keep in sync by hand.
func Key(qname string, qtype, qclass uint16, cd bool) uint64 {
	return cache.KeyString(qname, qtype, qclass, cd)
}

// Get returns the cached entry for key if its reply's TTL hasn't expired
// and every rrset it references still carries the version id recorded at
// assembly time.
func (c *Cache) Get(key uint64, now time.Time) (*Entry, bool) {
	v, ok := c.slab.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*Entry)
	if e.Reply.Expired(now) {
		return nil, false
	}
	for _, ref := range e.Refs {
		if c.rr.CurrentVersion(ref.Key) != ref.Version {
			return nil, false
		}
	}
	return e, true
}

// Set stores entry under key, unconditionally replacing any prior value:
// unlike the rrset cache there's no dominance to preserve here, since a
// freshly assembled reply always supersedes whatever answered the same
// question before.
func (c *Cache) Set(key uint64, entry *Entry) {
	c.slab.Add(key, entry)
}

// Remove deletes the cached entry for key, if present.
func (c *Cache) Remove(key uint64) {
	c.slab.Remove(key)
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int { return c.slab.Len() }
