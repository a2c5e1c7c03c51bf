// Package infra is the infrastructure cache: per-(zone,address) state that
// survives across queries — round-trip time, whether the address answers
// EDNS0 at all, and whether it's currently lame or circuit-broken. Grounded
// on authcache/authserver.go's atomic Rtt/Count fields and periodic-reset
// Sort, and on middleware/resolver/circuit_breaker.go's consecutive-failure
// disable window, generalized from that file's in-memory
// map[string]*serverFailure into a slab-backed, evictable cache entry per
// address so infrastructure state doesn't grow unbounded across the
// lifetime of a long-running resolver.
package infra

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/semihalev/recursord/cache"
	"github.com/semihalev/recursord/internal/slab"
)

// EDNSStatus records what an address has shown about its EDNS0 support.
type EDNSStatus int32

const (
	EDNSUnknown EDNSStatus = iota
	EDNSSupported
	EDNSUnsupported
)

// failureThreshold is the consecutive-failure count at which an address is
// circuit-broken, matching circuit_breaker.go's 5-failure trip point.
const failureThreshold = 5

// disableWindow is how long a circuit-broken address stays disabled,
// matching circuit_breaker.go's 30-second reset window.
const disableWindow = 30 * time.Second

// Entry is the infrastructure state for a single (zone, address) pair.
type Entry struct {
	rtt   atomic.Int64
	count atomic.Int64
	edns  atomic.Int32
	lame  atomic.Bool

	failures      atomic.Int32
	lastFailure   atomic.Int64 // unix nanoseconds
	disabledUntil atomic.Int64 // unix nanoseconds
}

// NewEntry returns a freshly initialized entry with unknown RTT/EDNS state.
func NewEntry() *Entry { return &Entry{} }

// UpdateRTT folds a newly observed round-trip time into the entry's running
// total, the same accumulate-then-average-in-Sort idiom as AuthServer.
func (e *Entry) UpdateRTT(d time.Duration) {
	e.rtt.Add(int64(d))
	e.count.Add(1)
}

// RTT returns the average observed round-trip time, or 0 if none recorded.
func (e *Entry) RTT() time.Duration {
	count := e.count.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(e.rtt.Load() / count)
}

// ResetRTT clears accumulated RTT stats, mirroring Sort's periodic reset
// every 1000 calls so stale history doesn't permanently bias routing.
func (e *Entry) ResetRTT() {
	e.rtt.Store(0)
	e.count.Store(0)
}

// SetEDNS records the most recently observed EDNS0 capability.
func (e *Entry) SetEDNS(status EDNSStatus) { e.edns.Store(int32(status)) }

// EDNS returns the most recently observed EDNS0 capability.
func (e *Entry) EDNS() EDNSStatus { return EDNSStatus(e.edns.Load()) }

// MarkLame flags the address as lame for its zone: it answered
// authoritatively but without the expected NS/glue for the zone it was
// queried as a server for.
func (e *Entry) MarkLame() { e.lame.Store(true) }

// Lame reports whether the address has been marked lame for this zone.
func (e *Entry) Lame() bool { return e.lame.Load() }

// RecordFailure registers a query failure against this address. After
// failureThreshold consecutive failures it disables the address for
// disableWindow, exactly circuit_breaker.go's trip behavior.
func (e *Entry) RecordFailure(now time.Time) {
	count := e.failures.Add(1)
	e.lastFailure.Store(now.UnixNano())
	if count >= failureThreshold {
		e.disabledUntil.Store(now.Add(disableWindow).UnixNano())
	}
}

// RecordSuccess clears the failure count and any active disable.
func (e *Entry) RecordSuccess() {
	e.failures.Store(0)
	e.disabledUntil.Store(0)
}

// Usable reports whether this address may currently be queried: not marked
// lame, and not within its circuit-breaker disable window.
func (e *Entry) Usable(now time.Time) bool {
	if e.Lame() {
		return false
	}
	until := e.disabledUntil.Load()
	return until == 0 || now.UnixNano() >= until
}

// Cache is the slab-backed store of infrastructure entries keyed by
// (zone, address).
type Cache struct {
	slab *slab.Cache
}

// New returns an infrastructure cache sized to hold approximately numhosts
// entries spread across shardCount shards. Entries are fixed-size, so the
// budget is a host count rather than bytes (infra-cache-numhosts).
func New(numhosts, shardCount int) *Cache {
	return &Cache{slab: slab.New("infra", int64(numhosts), shardCount, nil)}
}

// Key derives the cache key for a (zone, address) pair, reusing the
// teacher's pooled key hasher with the zone/address pair packed into the
// qname slot and a reserved qtype so infra keys can never collide with
// rrset or message cache keys sharing the same hash space conceptually
// (the caches are physically separate slabs, but a shared hasher keeps the
// key derivation consistent across the codebase).
func Key(zone, address string) uint64 {
	return cache.KeyString(zone+"|"+address, 0, 0, false)
}

// GetOrCreate returns the entry for key, creating and storing a fresh one
// if absent.
func (c *Cache) GetOrCreate(key uint64) *Entry {
	if v, ok := c.slab.Get(key); ok {
		return v.(*Entry)
	}
	e := NewEntry()
	c.slab.Add(key, e)
	return e
}

// Get returns the entry for key without creating one.
func (c *Cache) Get(key uint64) (*Entry, bool) {
	v, ok := c.slab.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int { return c.slab.Len() }

// Target pairs an address with its infrastructure entry for sorting.
type Target struct {
	Address string
	Entry   *Entry
}

// SortByRTT orders targets ascending by average RTT (unknown-RTT addresses
// sort last so a server pool prefers addresses it has real data for),
// mirroring authcache.Sort's rtt-ascending order, and resets every entry's
// accumulated stats once called crosses a multiple of 1000, matching
// Sort's periodic-reset cadence so long-lived stats don't calcify. A call
// that resets leaves the order of targets unchanged.
func SortByRTT(targets []Target, called uint64) {
	if called != 0 && called%1000 == 0 {
		for _, t := range targets {
			t.Entry.ResetRTT()
		}
		return
	}

	sort.Slice(targets, func(i, j int) bool {
		ri, rj := targets[i].Entry.RTT(), targets[j].Entry.RTT()
		if ri == 0 {
			return false
		}
		if rj == 0 {
			return true
		}
		return ri < rj
	})
}
