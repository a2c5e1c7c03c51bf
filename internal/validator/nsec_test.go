package validator

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nsec3For(name, zone string, next string, types ...uint16) *dns.NSEC3 {
	n := &dns.NSEC3{
		Hdr:        dns.RR_Header{Rrtype: dns.TypeNSEC3, Class: dns.ClassINET, Ttl: 900},
		Hash:       dns.SHA1,
		Iterations: 2,
		HashLength: 20,
		TypeBitMap: types,
	}
	n.Hdr.Name = dns.HashName(name, dns.SHA1, 2, "") + "." + zone
	n.NextDomain = next
	return n
}

func TestVerifyNODATAMatchingOwner(t *testing.T) {
	n := nsec3For("sub.example.com.", "example.com.", "ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ", dns.TypeTXT)

	assert.NoError(t, verifyNODATA("sub.example.com.", dns.TypeA, []dns.RR{n}))

	// type present in the bitmap defeats the proof
	assert.ErrorIs(t, verifyNODATA("sub.example.com.", dns.TypeTXT, []dns.RR{n}), errNSECTypeExists)

	// no matching or covering record at all
	assert.Error(t, verifyNODATA("other.example.com.", dns.TypeA, []dns.RR{n}))
}

func TestVerifyNameError(t *testing.T) {
	// closest encloser example.com. exists; wildcard *.example.com. covered
	ce := nsec3For("example.com.", "example.com.", "ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ", dns.TypeSOA)

	// a span from all-zeros to all-Vs covers any hash label
	cover := &dns.NSEC3{
		Hdr:        dns.RR_Header{Rrtype: dns.TypeNSEC3, Class: dns.ClassINET, Ttl: 900},
		Hash:       dns.SHA1,
		Iterations: 2,
		HashLength: 20,
	}
	cover.Hdr.Name = "00000000000000000000000000000000.example.com."
	cover.NextDomain = "VVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVV"

	err := verifyNameError("nope.example.com.", []dns.RR{ce, cover})
	assert.NoError(t, err)

	// without the wildcard coverer the proof is incomplete
	assert.Error(t, verifyNameError("nope.example.com.", []dns.RR{ce}))
}

func TestNSECCoversName(t *testing.T) {
	nsec := &dns.NSEC{
		Hdr:        dns.RR_Header{Name: "alpha.example.com.", Rrtype: dns.TypeNSEC, Class: dns.ClassINET, Ttl: 900},
		NextDomain: "delta.example.com.",
	}

	assert.True(t, coversName(nsec, "beta.example.com."))
	assert.False(t, coversName(nsec, "epsilon.example.com."))
	assert.False(t, coversName(nsec, "alpha.example.com.")) // owner itself is not covered
}

func TestVerifyNSECNoData(t *testing.T) {
	nsec := &dns.NSEC{
		Hdr:        dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeNSEC, Class: dns.ClassINET, Ttl: 900},
		NextDomain: "zzz.example.com.",
		TypeBitMap: []uint16{dns.TypeA, dns.TypeRRSIG},
	}

	assert.NoError(t, verifyNSECNoData("www.example.com.", dns.TypeTXT, []dns.RR{nsec}))
	assert.ErrorIs(t, verifyNSECNoData("www.example.com.", dns.TypeA, []dns.RR{nsec}), errNSECTypeExists)
	assert.Error(t, verifyNSECNoData("other.example.com.", dns.TypeTXT, []dns.RR{nsec}))
}

func TestCanonicalOrdering(t *testing.T) {
	assert.True(t, canonicalLess("a.example.com.", "b.example.com."))
	assert.True(t, canonicalLess("example.com.", "a.example.com."))
	assert.False(t, canonicalLess("b.example.com.", "a.example.com."))
	assert.True(t, canonicalLess("A.example.com.", "b.EXAMPLE.com."))
}

func TestMaxIterations(t *testing.T) {
	rules := DefaultIterationRules()

	assert.Equal(t, 150, maxIterations(rules, 1024))
	assert.Equal(t, 150, maxIterations(rules, 1536))
	assert.Equal(t, 500, maxIterations(rules, 2048))
	assert.Equal(t, 2500, maxIterations(rules, 4096))
	// below the smallest threshold, the smallest budget applies
	assert.Equal(t, 150, maxIterations(rules, 512))
}

func TestNSEC3IterationGuard(t *testing.T) {
	zone := newTestZone(t, "example.com.")
	keys := map[uint16]*dns.DNSKEY{zone.key.KeyTag(): zone.key}

	ok := nsec3For("sub.example.com.", "example.com.", "ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ", dns.TypeTXT)
	assert.True(t, nsec3IterationsOK(DefaultIterationRules(), keys, []dns.RR{ok}))

	over := nsec3For("sub.example.com.", "example.com.", "ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ", dns.TypeTXT)
	over.Iterations = 5000
	assert.False(t, nsec3IterationsOK(DefaultIterationRules(), keys, []dns.RR{over}))
}

func TestKeyCacheLifecycle(t *testing.T) {
	kc := NewKeyCache(1<<20, 4)
	now := time.Now()

	_, ok := kc.Get("example.com.", now)
	require.False(t, ok)

	zone := newTestZone(t, "example.com.")
	keys := map[uint16]*dns.DNSKEY{zone.key.KeyTag(): zone.key}
	kc.SetValidated("example.com.", keys, now.Add(time.Hour))

	entry, ok := kc.Get("example.com.", now)
	require.True(t, ok)
	assert.Equal(t, KeyValidated, entry.Status)
	assert.Len(t, entry.Keys, 1)

	// expired entries read as absent
	_, ok = kc.Get("example.com.", now.Add(2*time.Hour))
	assert.False(t, ok)

	kc.SetNull("broken.example.", now)
	entry, ok = kc.Get("broken.example.", now)
	require.True(t, ok)
	assert.Equal(t, KeyNull, entry.Status)
	assert.Equal(t, now.Add(NullKeyTTL), entry.Expires)

	kc.SetBogus("bad.example.", now, time.Minute)
	entry, ok = kc.Get("bad.example.", now)
	require.True(t, ok)
	assert.Equal(t, KeyBogus, entry.Status)
	_, ok = kc.Get("bad.example.", now.Add(2*time.Minute))
	assert.False(t, ok)
}
