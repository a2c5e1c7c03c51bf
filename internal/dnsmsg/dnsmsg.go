// Package dnsmsg holds the resolver core's wire-adjacent data model: the
// packed, cache-friendly shapes that survive between a query going out and
// a reply coming back, independent of any particular cache or state
// machine. It is the Go analogue of Unbound's query_info/reply_info/
// packed_rrset_key shapes.
package dnsmsg

import (
	"time"

	"github.com/miekg/dns"
)

// Security is the DNSSEC status attached to an RRset or a full reply.
type Security uint8

const (
	// SecurityUnchecked means validation has not been attempted.
	SecurityUnchecked Security = iota
	// SecurityBogus means validation was attempted and failed.
	SecurityBogus
	// SecurityIndeterminate means no chain of trust reaches this data.
	SecurityIndeterminate
	// SecurityInsecure means the chain of trust proves this zone is unsigned.
	SecurityInsecure
	// SecuritySecure means validation succeeded.
	SecuritySecure
)

func (s Security) String() string {
	switch s {
	case SecurityBogus:
		return "bogus"
	case SecurityIndeterminate:
		return "indeterminate"
	case SecurityInsecure:
		return "insecure"
	case SecuritySecure:
		return "secure"
	default:
		return "unchecked"
	}
}

// Trust is the rank of an RRset's provenance, used by the RRset cache to
// decide whether new data may overwrite what's already stored. Ordering
// matters: higher values dominate lower ones.
type Trust uint8

const (
	TrustAdditionalNonAA Trust = iota
	TrustAdditionalAA
	TrustAuthority
	TrustAnswerNonAA
	TrustAnswerAA
	TrustSecureEquals
	TrustValidated
)

// QueryInfo identifies a single question: name, type, class, plus whether
// the query was made with the checking-disabled bit set (CD affects which
// cached validation state may be reused).
type QueryInfo struct {
	Qname  string
	Qtype  uint16
	Qclass uint16
	CD     bool
}

// Question renders the query as a dns.Question for wire use.
func (q QueryInfo) Question() dns.Question {
	return dns.Question{Name: q.Qname, Qtype: q.Qtype, Qclass: q.Qclass}
}

// NewQueryInfo builds a QueryInfo from a dns.Msg's first question.
func NewQueryInfo(m *dns.Msg) QueryInfo {
	if len(m.Question) == 0 {
		return QueryInfo{}
	}
	q := m.Question[0]
	return QueryInfo{
		Qname:  q.Name,
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
		CD:     m.CheckingDisabled,
	}
}

// PackedRRset is one RRset plus the bookkeeping needed to serve it out of a
// cache at an arbitrary later time: the TTL is stored as an absolute expiry
// so remaining TTL can be recomputed on every read instead of decremented in
// place (which would require mutating shared, concurrently-read entries).
type PackedRRset struct {
	RRs      []dns.RR
	Sig      []dns.RR // covering RRSIGs, kept separate from RRs for trust/strip decisions
	Expires  time.Time
	Trust    Trust
	Security Security
}

// TTL returns the remaining time-to-live relative to now. A zero or
// negative result means the entry is expired.
func (p *PackedRRset) TTL(now time.Time) time.Duration {
	return p.Expires.Sub(now)
}

// Expired reports whether the rrset has no time left as of now.
func (p *PackedRRset) Expired(now time.Time) bool {
	return !now.Before(p.Expires)
}

// NewPackedRRset packs an RRset with an absolute expiry computed from the
// minimum TTL found among the passed records (RFC 2181 minimum-of-set rule).
func NewPackedRRset(rrs []dns.RR, now time.Time, trust Trust, sec Security) *PackedRRset {
	var minTTL uint32 = ^uint32(0)
	for _, rr := range rrs {
		if rr.Header().Ttl < minTTL {
			minTTL = rr.Header().Ttl
		}
	}
	if len(rrs) == 0 || minTTL == ^uint32(0) {
		minTTL = 0
	}

	return &PackedRRset{
		RRs:      rrs,
		Expires:  now.Add(time.Duration(minTTL) * time.Second),
		Trust:    trust,
		Security: sec,
	}
}

// Renew rewrites every record's TTL field to match the remaining time-to-live
// relative to now, returning a deep-enough copy safe to hand to a caller who
// may further mutate it (matches CacheEntry.ToMsg's TTL-relativizing idiom).
func (p *PackedRRset) Renew(now time.Time) []dns.RR {
	ttl := uint32(0)
	if remain := p.TTL(now); remain > 0 {
		ttl = uint32(remain.Seconds())
	}

	out := make([]dns.RR, len(p.RRs))
	for i, rr := range p.RRs {
		cp := dns.Copy(rr)
		cp.Header().Ttl = ttl
		out[i] = cp
	}
	return out
}

// ReplyInfo is the reusable, cache-stored shape of a full response: instead
// of owning dns.RR slices directly (which would duplicate data already held
// by the RRset cache), it holds references to cached packed rrsets. Callers
// that only need the final wire message should use ToMsg.
type ReplyInfo struct {
	Rcode      int
	Flags      Flags
	Answer     []*PackedRRset
	Authority  []*PackedRRset
	Additional []*PackedRRset
	Security   Security
	Expires    time.Time
}

// Flags carries the header bits a reply must reproduce.
type Flags struct {
	AA bool
	TC bool
	RD bool
	RA bool
	AD bool
	CD bool
}

// TTL returns the remaining lifetime of the reply as a whole: the minimum
// across every section, since the reply can't outlive its shortest-lived
// constituent RRset.
func (r *ReplyInfo) TTL(now time.Time) time.Duration {
	return r.Expires.Sub(now)
}

// Expired reports whether the reply has no time left as of now.
func (r *ReplyInfo) Expired(now time.Time) bool {
	return !now.Before(r.Expires)
}

// ToMsg renders the reply into a wire-ready dns.Msg answering req, with every
// RRset's TTL relativized to now.
func (r *ReplyInfo) ToMsg(req *dns.Msg, now time.Time) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Rcode = r.Rcode
	m.Authoritative = r.Flags.AA
	m.Truncated = r.Flags.TC
	m.RecursionDesired = req.RecursionDesired
	m.RecursionAvailable = r.Flags.RA
	m.AuthenticatedData = r.Flags.AD && !req.CheckingDisabled
	m.CheckingDisabled = req.CheckingDisabled

	for _, rs := range r.Answer {
		m.Answer = append(m.Answer, rs.Renew(now)...)
	}
	for _, rs := range r.Authority {
		m.Ns = append(m.Ns, rs.Renew(now)...)
	}
	for _, rs := range r.Additional {
		m.Extra = append(m.Extra, rs.Renew(now)...)
	}

	return m
}

// minExpiry returns the earliest expiry among sets, or zero time if sets is
// empty.
func minExpiry(now time.Time, sets ...[]*PackedRRset) time.Time {
	var min time.Time
	for _, group := range sets {
		for _, rs := range group {
			if min.IsZero() || rs.Expires.Before(min) {
				min = rs.Expires
			}
		}
	}
	if min.IsZero() {
		return now
	}
	return min
}

// NewReplyInfo assembles a ReplyInfo from packed sections, computing the
// overall expiry as the minimum across all three sections.
func NewReplyInfo(rcode int, flags Flags, sec Security, now time.Time, answer, authority, additional []*PackedRRset) *ReplyInfo {
	return &ReplyInfo{
		Rcode:      rcode,
		Flags:      flags,
		Answer:     answer,
		Authority:  authority,
		Additional: additional,
		Security:   sec,
		Expires:    minExpiry(now, answer, authority, additional),
	}
}

// PrependList is a singly linked accumulator of RRsets to be prepended to a
// response's answer or authority sections while an iterative lookup walks
// down a delegation chain - the direct analogue of Unbound's
// iter_prep_list (an_prepend_list / ns_prepend_list in iter_qstate).
type PrependList struct {
	head, tail *prependNode
}

type prependNode struct {
	rrset *PackedRRset
	next  *prependNode
}

// Append adds rrset to the end of the list.
func (l *PrependList) Append(rrset *PackedRRset) {
	n := &prependNode{rrset: rrset}
	if l.tail == nil {
		l.head, l.tail = n, n
		return
	}
	l.tail.next = n
	l.tail = n
}

// Slice returns the accumulated rrsets in append order.
func (l *PrependList) Slice() []*PackedRRset {
	var out []*PackedRRset
	for n := l.head; n != nil; n = n.next {
		out = append(out, n.rrset)
	}
	return out
}

// Reset empties the list so it can be reused.
func (l *PrependList) Reset() {
	l.head, l.tail = nil, nil
}
