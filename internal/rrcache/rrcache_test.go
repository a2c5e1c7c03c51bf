package rrcache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/recursord/internal/dnsmsg"
	"github.com/stretchr/testify/assert"
)

func rr(owner string, ttl uint32) dns.RR {
	r, _ := dns.NewRR(owner + " " + itoa(ttl) + " IN A 127.0.0.1")
	return r
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestUpdateInsertsWhenAbsent(t *testing.T) {
	c := New(1<<20, 1)
	now := time.Now()
	key := Key("example.com.", dns.TypeA, dns.ClassINET, false)

	rs := dnsmsg.NewPackedRRset([]dns.RR{rr("example.com.", 300)}, now, dnsmsg.TrustAnswerAA, dnsmsg.SecurityInsecure)
	entry := c.Update(key, rs, now)

	assert.Equal(t, rs, entry.RRset)
	assert.EqualValues(t, 1, entry.Version)
}

func TestUpdateDominanceByTrust(t *testing.T) {
	c := New(1<<20, 1)
	now := time.Now()
	key := Key("example.com.", dns.TypeA, dns.ClassINET, false)

	low := dnsmsg.NewPackedRRset([]dns.RR{rr("example.com.", 300)}, now, dnsmsg.TrustAdditionalNonAA, dnsmsg.SecurityInsecure)
	c.Update(key, low, now)

	high := dnsmsg.NewPackedRRset([]dns.RR{rr("example.com.", 300)}, now, dnsmsg.TrustValidated, dnsmsg.SecuritySecure)
	entry := c.Update(key, high, now)

	assert.Equal(t, high, entry.RRset)
	assert.EqualValues(t, 2, entry.Version)

	// A subsequent lower-trust update must not replace the validated entry,
	// and the caller gets the dominant entry back, not its own input.
	lower := dnsmsg.NewPackedRRset([]dns.RR{rr("example.com.", 600)}, now, dnsmsg.TrustAuthority, dnsmsg.SecurityIndeterminate)
	got := c.Update(key, lower, now)
	assert.Equal(t, high, got.RRset)
	assert.EqualValues(t, 2, got.Version)
}

func TestUpdateDominanceByExpiryAtEqualTrust(t *testing.T) {
	c := New(1<<20, 1)
	now := time.Now()
	key := Key("example.com.", dns.TypeA, dns.ClassINET, false)

	first := dnsmsg.NewPackedRRset([]dns.RR{rr("example.com.", 100)}, now, dnsmsg.TrustAnswerAA, dnsmsg.SecurityInsecure)
	c.Update(key, first, now)

	laterExpiry := dnsmsg.NewPackedRRset([]dns.RR{rr("example.com.", 500)}, now, dnsmsg.TrustAnswerAA, dnsmsg.SecurityInsecure)
	entry := c.Update(key, laterExpiry, now)

	assert.Equal(t, laterExpiry, entry.RRset)
	assert.EqualValues(t, 2, entry.Version)
}

func TestGetMissOnExpiry(t *testing.T) {
	c := New(1<<20, 1)
	now := time.Now()
	key := Key("example.com.", dns.TypeA, dns.ClassINET, false)

	rs := dnsmsg.NewPackedRRset([]dns.RR{rr("example.com.", 1)}, now, dnsmsg.TrustAnswerAA, dnsmsg.SecurityInsecure)
	c.Update(key, rs, now)

	later := now.Add(2 * time.Second)
	_, ok := c.Get(key, later)
	assert.False(t, ok)
}
