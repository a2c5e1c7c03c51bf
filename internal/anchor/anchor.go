// Package anchor implements the RFC 5011 automated trust anchor rollover
// state machine: KSK records move START -> PENDING -> VALID as they're
// observed across repeated probes, with 30-day add hold-down and 90-day
// missing/revoked hold-down timers before a no-longer-published key is
// finally dropped. Grounded directly on
// middleware/resolver/auto_trust_anchor.go, generalized from a method on
// the monolithic Resolver into a standalone Store the iterator can hand
// freshly fetched root DNSKEY rrsets to after each priming query.
package anchor

import (
	"encoding/gob"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// State is where a trust anchor currently stands in the rollover state
// machine.
type State int

const (
	StateStart State = iota
	StateAddPend
	StateValid
	StateMissing
	StateRevoked
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateAddPend:
		return "PENDING"
	case StateValid:
		return "VALID"
	case StateMissing:
		return "MISSING"
	case StateRevoked:
		return "REVOKED"
	case StateRemoved:
		return "REMOVED"
	default:
		return ""
	}
}

const (
	dnskeyFlagKSK    = 0x0001
	dnskeyFlagRevoke = 0x0080
)

// addHoldDown is how long a newly observed KSK must be consistently seen
// before it's trusted (RFC 5011 section 2.3).
const addHoldDown = 720 * time.Hour // 30 days

// removeHoldDown is how long a missing or revoked KSK is kept (but not
// trusted) before being forgotten entirely.
const removeHoldDown = 2160 * time.Hour // 90 days

// Anchor is one trust anchor's rollover bookkeeping.
type Anchor struct {
	DNSKey    *dns.DNSKEY
	State     State
	FirstSeen time.Time
}

// Anchors is the full set of tracked trust anchors, keyed by DNSKEY key
// tag, and is what gets persisted to and loaded from the state file.
type Anchors map[uint16]*Anchor

var (
	errNoDNSKEY        = errors.New("anchor: no DNSKEY records in response")
	errMissingKSK      = errors.New("anchor: no currently trusted KSK to verify against")
	errNoSignatures    = errors.New("anchor: no usable RRSIG records")
	errMissingSigned   = errors.New("anchor: RRSIG does not cover the expected keyset")
	errMissingDNSKEY   = errors.New("anchor: RRSIG key tag not among current KSKs")
	errInvalidValidity = errors.New("anchor: RRSIG outside its validity period")
)

// Store holds the live trust anchor set and the file it persists to. A
// running resolver refreshes it from priming results while queries read it,
// so access is guarded.
type Store struct {
	mu   sync.Mutex
	path string
	set  Anchors
}

// NewFromRootKeys builds an initial store from the configured root
// DNSKEYs, treating every configured KSK as already StateValid (or
// StateRevoked, if the revoke bit is already set), the same bootstrap
// AutoTA performs when no state file exists yet.
func NewFromRootKeys(path string, rootkeys []dns.RR) *Store {
	set := make(Anchors)
	now := time.Now()

	for _, rr := range rootkeys {
		dnskey, ok := rr.(*dns.DNSKEY)
		if !ok || dnskey.Flags&dnskeyFlagKSK == 0 {
			continue
		}
		ta := &Anchor{DNSKey: dnskey, State: StateValid, FirstSeen: now}
		if dnskey.Flags&dnskeyFlagRevoke != 0 {
			ta.State = StateRevoked
		}
		set[dnskey.KeyTag()] = ta
	}

	return &Store{path: path, set: set}
}

// Load reads a persisted trust anchor set from path.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	set := make(Anchors)
	if err := gob.NewDecoder(f).Decode(&set); err != nil {
		return nil, err
	}
	return &Store{path: path, set: set}, nil
}

// Save persists the current trust anchor set to its state file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	enc := gob.NewEncoder(f)
	if err := enc.Encode(&s.set); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Valid returns the DNSKEY RRs of every anchor currently in StateValid,
// suitable for use as the root of a validation chain.
func (s *Store) Valid() []dns.RR {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dns.RR
	for _, ta := range s.set {
		if ta.State == StateValid {
			out = append(out, ta.DNSKey)
		}
	}
	return out
}

// Snapshot returns a copy of the current anchor-tag-to-state view, for
// status reporting.
func (s *Store) Snapshot() Anchors {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(Anchors, len(s.set))
	for k, v := range s.set {
		cp := *v
		out[k] = &cp
	}
	return out
}

// VerifyFetched checks that a freshly fetched root DNSKEY rrset is validly
// signed by a currently trusted KSK before it's allowed to influence the
// rollover state machine at all — an attacker who can't forge a signature
// under an existing trust anchor can't inject a bogus "new" KSK.
func VerifyFetched(currentValid []dns.RR, fetched []dns.RR) error {
	var fetchedKeys, rrsigs []dns.RR
	for _, rr := range fetched {
		switch rr.Header().Rrtype {
		case dns.TypeDNSKEY:
			fetchedKeys = append(fetchedKeys, rr)
		case dns.TypeRRSIG:
			rrsigs = append(rrsigs, rr)
		}
	}
	if len(fetchedKeys) == 0 {
		return errNoDNSKEY
	}

	currentKeys := make(map[uint16]*dns.DNSKEY)
	for _, rr := range currentValid {
		if dnskey, ok := rr.(*dns.DNSKEY); ok && dnskey.Flags&dnskeyFlagKSK != 0 {
			currentKeys[dnskey.KeyTag()] = dnskey
		}
	}
	if len(currentKeys) == 0 {
		return errMissingKSK
	}

	revoked := make(map[uint16]bool)
	for _, rr := range fetchedKeys {
		dnskey := rr.(*dns.DNSKEY)
		if dnskey.Flags&dnskeyFlagRevoke != 0 {
			revoked[dnskey.KeyTag()] = true
		}
	}

	var usable []dns.RR
	for _, rr := range rrsigs {
		if !revoked[rr.(*dns.RRSIG).KeyTag] {
			usable = append(usable, rr)
		}
	}
	if len(usable) == 0 {
		return errNoSignatures
	}

	for _, rr := range usable {
		sig := rr.(*dns.RRSIG)

		k, ok := currentKeys[sig.KeyTag]
		if !ok {
			return errMissingDNSKEY
		}

		covered := extractCovered(fetchedKeys, sig.Header().Name, sig.TypeCovered)
		if len(covered) == 0 {
			return errMissingSigned
		}

		if err := sig.Verify(k, covered); err != nil {
			return err
		}
		if !sig.ValidityPeriod(time.Time{}) {
			return errInvalidValidity
		}
	}

	return nil
}

func extractCovered(rrs []dns.RR, name string, rrtype uint16) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if rr.Header().Rrtype == rrtype && (name == "" || rr.Header().Name == name) {
			out = append(out, rr)
		}
	}
	return out
}

// Event describes one state transition Refresh made, for logging.
type Event struct {
	KeyTag uint16
	From   State
	To     State
}

// Refresh applies one round of the RFC 5011 state machine against a freshly
// fetched and VerifyFetched-checked root DNSKEY rrset, mutating the store
// in place and returning every transition it made.
func (s *Store) Refresh(fetched []dns.RR, now time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	fetchedSet := make(Anchors)
	for _, rr := range fetched {
		dnskey, ok := rr.(*dns.DNSKEY)
		if !ok || dnskey.Flags&dnskeyFlagKSK == 0 {
			continue
		}
		fetchedSet[dnskey.KeyTag()] = &Anchor{DNSKey: dnskey, State: StateStart}
	}

	var events []Event

	for tag, ta := range fetchedSet {
		if s.set[tag] != nil {
			continue
		}

		if ta.DNSKey.Flags&dnskeyFlagRevoke != 0 {
			oldTag := tag - dnskeyFlagRevoke
			if old, ok := s.set[oldTag]; ok && old.State == StateValid {
				events = append(events, Event{KeyTag: tag, From: StateStart, To: StateRevoked})
				ta.State = StateRevoked
				ta.FirstSeen = now
				s.set[tag] = ta
				delete(s.set, oldTag)
			}
			continue
		}

		events = append(events, Event{KeyTag: tag, From: StateStart, To: StateAddPend})
		ta.State = StateAddPend
		ta.FirstSeen = now
		s.set[tag] = ta
	}

	for tag, ta := range s.set {
		if fetchedSet[tag] != nil {
			if ta.State == StateAddPend && now.Sub(ta.FirstSeen) > addHoldDown {
				events = append(events, Event{KeyTag: tag, From: ta.State, To: StateValid})
				ta.State = StateValid
			}
			if ta.State == StateMissing {
				events = append(events, Event{KeyTag: tag, From: ta.State, To: StateAddPend})
				ta.State = StateAddPend
				ta.FirstSeen = now
			}
			continue
		}

		switch ta.State {
		case StateRevoked:
			events = append(events, Event{KeyTag: tag, From: ta.State, To: StateRemoved})
			ta.State = StateRemoved
			ta.FirstSeen = now
		case StateRemoved, StateMissing:
			// already counting down, nothing to transition yet
		default:
			events = append(events, Event{KeyTag: tag, From: ta.State, To: StateMissing})
			ta.State = StateMissing
			ta.FirstSeen = now
		}

		if (ta.State == StateRemoved || ta.State == StateMissing) && now.Sub(ta.FirstSeen) > removeHoldDown {
			events = append(events, Event{KeyTag: tag, From: ta.State, To: StateRemoved})
			delete(s.set, tag)
		}
	}

	return events
}
