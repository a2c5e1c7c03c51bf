// Package delegation models a delegation point: the zone currently being
// queried, its DS records (if any), and the per-address state of every
// nameserver target known for it. This is query-scoped working state, not
// a persistent cache — it lives for the duration of resolving a single
// question and is discarded once the iterator moves past the zone cut.
// Grounded on authcache.AuthServers/AuthServer (RWMutex-guarded server
// list, RTT-sorted targets), generalized from that type's two implicit
// states (untried vs has-stats) into the explicit per-address state
// machine the specification's iterator requires.
package delegation

import (
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/recursord/internal/infra"
)

// SeedRTT is the round-trip time assumed for a target with no infra-cache
// measurement yet, so a never-tried address isn't permanently starved by
// addresses that merely got probed first.
const SeedRTT = 376 * time.Millisecond

// hostFailureLimit is how many failed probes against a single target during
// one resolution attempt blacklists it, independent of the infra cache's
// own longer-lived circuit breaker.
const hostFailureLimit = 3

// blacklistHold is how long a target that reached hostFailureLimit stays
// excluded before it may be probed again.
const blacklistHold = 2 * time.Minute

// AddressState is where a single nameserver address stands in the current
// resolution attempt for a delegation point.
type AddressState int

const (
	// Unused: known but not yet queried during this resolution.
	Unused AddressState = iota
	// InFlight: a query to this address is currently outstanding.
	InFlight
	// ProbedGood: the address answered usefully (referral or answer).
	ProbedGood
	// ProbedBad: the address timed out, refused, or otherwise failed.
	ProbedBad
	// Blacklisted: repeatedly bad; excluded from selection until a time.
	Blacklisted
)

// Version distinguishes IPv4 from IPv6 targets, mirroring
// authcache.AuthServer.Version.
type Version byte

const (
	IPv4 Version = 0x1
	IPv6 Version = 0x2
)

// Target is one nameserver address under consideration for a delegation
// point, with the state this resolution attempt has observed for it.
type Target struct {
	Address string
	Version Version

	state            AddressState
	blacklistedUntil time.Time
	fails            int
}

// Fails returns how many times this target has failed during the current
// resolution attempt.
func (t *Target) Fails() int { return t.fails }

// State returns the target's current address state.
func (t *Target) State() AddressState { return t.state }

// Point is a delegation point: a zone cut, its DS records for chain-of-
// trust verification, and the nameserver targets known for it.
type Point struct {
	mu sync.RWMutex

	Zone string
	DS   []dns.RR

	targets []*Target
}

// NewPoint returns an empty delegation point for zone with the given DS
// records (nil if the zone is provably insecure or DS lookup hasn't
// happened yet).
func NewPoint(zone string, ds []dns.RR) *Point {
	return &Point{Zone: zone, DS: ds}
}

// AddTarget registers a nameserver address for this delegation point in the
// Unused state, if not already present.
func (p *Point) AddTarget(address string, version Version) *Target {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.targets {
		if t.Address == address {
			return t
		}
	}
	t := &Target{Address: address, Version: version}
	p.targets = append(p.targets, t)
	return t
}

// Targets returns a snapshot of the current target list.
func (p *Point) Targets() []*Target {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Target, len(p.targets))
	copy(out, p.targets)
	return out
}

// MarkInFlight transitions address to InFlight, if found.
func (p *Point) MarkInFlight(address string) {
	p.setState(address, InFlight, time.Time{})
}

// MarkGood transitions address to ProbedGood, if found.
func (p *Point) MarkGood(address string) {
	p.setState(address, ProbedGood, time.Time{})
}

// MarkBad transitions address to ProbedBad, if found, and counts the
// failure; a target that reaches hostFailureLimit is blacklisted until
// now+blacklistHold instead.
func (p *Point) MarkBad(address string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.targets {
		if t.Address == address {
			t.fails++
			if t.fails >= hostFailureLimit {
				t.state = Blacklisted
				t.blacklistedUntil = now.Add(blacklistHold)
				return
			}
			t.state = ProbedBad
			return
		}
	}
}

// ResetProbes returns every probed target to Unused so a delegation point
// can be retried (glue refetch against the parent); failure counts are
// kept, so repeat offenders still reach the blacklist.
func (p *Point) ResetProbes() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.targets {
		switch t.state {
		case ProbedGood, ProbedBad:
			t.state = Unused
		}
	}
}

// MarkUnused returns address to the Unused state so it may be selected
// again, used when a truncated UDP reply is retried over TCP.
func (p *Point) MarkUnused(address string) {
	p.setState(address, Unused, time.Time{})
}

func (p *Point) setState(address string, state AddressState, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.targets {
		if t.Address == address {
			t.state = state
			t.blacklistedUntil = until
			return
		}
	}
}

// NextUnused returns the first target still in the Unused state (or a
// Blacklisted target whose hold-down has expired, reset to Unused), or
// false if every known target has already been tried or is actively
// blacklisted or in flight.
func (p *Point) NextUnused(now time.Time) (*Target, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.targets {
		switch t.state {
		case Unused:
			return t, true
		case Blacklisted:
			if now.After(t.blacklistedUntil) {
				t.state = Unused
				t.fails = 0
				return t, true
			}
		}
	}
	return nil, false
}

// Select picks the next target to query, applying the specification's
// deterministic tie-break: lowest observed RTT first, then (if ip6 is
// enabled) IPv6 over IPv4, then lexicographic address order. Targets that
// have failed hostFailureLimit times this attempt, or whose infra-cache
// entry currently reports them unusable (lame or circuit-broken), are
// skipped. infraCache and zone may be used to look up per-address RTT; a
// target with no measurement sorts using SeedRTT.
func (p *Point) Select(now time.Time, infraCache *infra.Cache, zone string, ip6 bool) (*Target, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*Target
	for _, t := range p.targets {
		switch t.state {
		case Unused:
		case Blacklisted:
			if !now.After(t.blacklistedUntil) {
				continue
			}
			t.state = Unused
			t.fails = 0
		default:
			continue
		}
		if t.fails >= hostFailureLimit {
			continue
		}
		if infraCache != nil {
			if e, ok := infraCache.Get(infra.Key(zone, t.Address)); ok && !e.Usable(now) {
				continue
			}
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	rtt := func(t *Target) time.Duration {
		if infraCache == nil {
			return SeedRTT
		}
		if e, ok := infraCache.Get(infra.Key(zone, t.Address)); ok {
			if r := e.RTT(); r > 0 {
				return r
			}
		}
		return SeedRTT
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := rtt(a), rtt(b); ra != rb {
			return ra < rb
		}
		if ip6 && (a.Version == IPv6) != (b.Version == IPv6) {
			return a.Version == IPv6
		}
		return a.Address < b.Address
	})

	return candidates[0], true
}

// AllBad reports whether every known target has been tried and failed (no
// Unused, InFlight, ProbedGood, or expired-Blacklisted target remains), meaning this
// delegation point is exhausted and resolution must give up or backtrack.
func (p *Point) AllBad(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.targets) == 0 {
		return true
	}
	for _, t := range p.targets {
		switch t.state {
		case Unused, InFlight, ProbedGood:
			return false
		case Blacklisted:
			if now.After(t.blacklistedUntil) {
				return false
			}
		}
	}
	return true
}
