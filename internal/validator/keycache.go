// Package validator implements the DNSSEC validation state machine: given a
// reply the iterator finished, it walks the chain of trust down from the
// closest configured trust anchor to the signer, fetching DS and DNSKEY sets
// as needed, then verifies every RRSIG in the reply. State names are carried
// unchanged from the original Unbound validator/validator.h (VAL_INIT_STATE,
// VAL_FINDKEY_STATE, VAL_VALIDATE_STATE, VAL_FINISHED_STATE). The DS/DNSKEY
// verification itself is grounded on middleware/resolver/utils.go (verifyDS,
// verifyRRSIG, checkExponent) and the negative proofs on
// middleware/resolver/nsec3.go, reworked from resolver.go's inline recursive
// verification into the explicit event-driven machine the pipeline drives.
package validator

import (
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/recursord/cache"
	"github.com/semihalev/recursord/internal/slab"
)

// NullKeyTTL bounds how long a failed trust-anchor prime is remembered so a
// broken anchor doesn't hammer the network with re-prime attempts.
const NullKeyTTL = 900 * time.Second

// KeyStatus records what kind of key entry is cached for a zone.
type KeyStatus int

const (
	// KeyValidated: the DNSKEY set chained to a trust anchor and self-signed.
	KeyValidated KeyStatus = iota
	// KeyInsecure: a validated NSEC/NSEC3 proof showed the zone has no DS,
	// so everything at and below it is provably unsigned.
	KeyInsecure
	// KeyNull: the prime for this zone failed; retried only after NullKeyTTL.
	KeyNull
	// KeyBogus: the DNSKEY set failed validation; held for the bogus TTL to
	// rate-limit re-validation of a broken zone.
	KeyBogus
)

func (s KeyStatus) String() string {
	switch s {
	case KeyValidated:
		return "validated"
	case KeyInsecure:
		return "insecure"
	case KeyNull:
		return "null"
	case KeyBogus:
		return "bogus"
	default:
		return ""
	}
}

// KeyEntry is the cached validation outcome for one zone's apex keys.
type KeyEntry struct {
	Zone    string
	Status  KeyStatus
	Keys    map[uint16]*dns.DNSKEY
	Expires time.Time
}

// Expired reports whether the entry has outlived its TTL.
func (e *KeyEntry) Expired(now time.Time) bool {
	return !now.Before(e.Expires)
}

// KeyCache is the slab-backed store of per-zone key entries shared across
// workers, the analogue of Unbound's key_cache.
type KeyCache struct {
	slab *slab.Cache
}

// NewKeyCache returns a key cache bounded to approximately maxmem bytes
// spread across shardCount shards (0 for the default).
func NewKeyCache(maxmem int64, shardCount int) *KeyCache {
	return &KeyCache{slab: slab.New("key", maxmem, shardCount, keyEntrySize)}
}

// keyEntrySize estimates a key entry's charge from its key material.
func keyEntrySize(v any) int {
	e := v.(*KeyEntry)
	n := 64 + len(e.Zone)
	for _, k := range e.Keys {
		n += len(k.PublicKey) + 32
	}
	return n
}

func keyCacheKey(zone string) uint64 {
	return cache.KeyString(zone, dns.TypeDNSKEY, dns.ClassINET, false)
}

// Get returns the unexpired key entry for zone, if cached.
func (c *KeyCache) Get(zone string, now time.Time) (*KeyEntry, bool) {
	v, ok := c.slab.Get(keyCacheKey(zone))
	if !ok {
		return nil, false
	}
	e := v.(*KeyEntry)
	if e.Expired(now) {
		return nil, false
	}
	return e, true
}

// Set stores entry for its zone, replacing any prior value.
func (c *KeyCache) Set(entry *KeyEntry) {
	c.slab.Add(keyCacheKey(entry.Zone), entry)
}

// SetValidated caches a successfully chained DNSKEY set for zone.
func (c *KeyCache) SetValidated(zone string, keys map[uint16]*dns.DNSKEY, expires time.Time) *KeyEntry {
	e := &KeyEntry{Zone: zone, Status: KeyValidated, Keys: keys, Expires: expires}
	c.Set(e)
	return e
}

// SetInsecure caches a proved-no-DS marker for zone.
func (c *KeyCache) SetInsecure(zone string, expires time.Time) *KeyEntry {
	e := &KeyEntry{Zone: zone, Status: KeyInsecure, Expires: expires}
	c.Set(e)
	return e
}

// SetNull caches a failed-prime marker for zone, held for NullKeyTTL.
func (c *KeyCache) SetNull(zone string, now time.Time) *KeyEntry {
	e := &KeyEntry{Zone: zone, Status: KeyNull, Expires: now.Add(NullKeyTTL)}
	c.Set(e)
	return e
}

// SetBogus caches a failed-validation marker for zone, held for bogusTTL.
func (c *KeyCache) SetBogus(zone string, now time.Time, bogusTTL time.Duration) *KeyEntry {
	e := &KeyEntry{Zone: zone, Status: KeyBogus, Expires: now.Add(bogusTTL)}
	c.Set(e)
	return e
}

// Len returns the number of entries currently cached.
func (c *KeyCache) Len() int { return c.slab.Len() }
