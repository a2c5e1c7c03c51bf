package validator

import (
	"encoding/base64"
	"errors"
	"sort"

	"github.com/miekg/dns"
)

var (
	errNSECTypeExists      = errors.New("validator: NSEC record shows question type exists")
	errNSECMissingCoverage = errors.New("validator: NSEC record missing for expected encloser")
	errNSECBadDelegation   = errors.New("validator: DS or SOA bit set in NSEC type map")
	errNSECNSMissing       = errors.New("validator: NS bit not set in NSEC type map")
	errNSECOptOut          = errors.New("validator: opt-out bit not set for NSEC3 covering next closer")
)

func typesSet(set []uint16, types ...uint16) bool {
	tm := make(map[uint16]struct{}, len(types))
	for _, t := range types {
		tm[t] = struct{}{}
	}
	for _, t := range set {
		if _, ok := tm[t]; ok {
			return true
		}
	}
	return false
}

func findClosestEncloser(name string, nsec []dns.RR) (string, string) {
	labelIndices := dns.Split(name)
	nc := name
	for i := 0; i < len(labelIndices); i++ {
		z := name[labelIndices[i]:]
		_, err := findMatching(z, nsec)
		if err != nil {
			continue
		}
		if i != 0 {
			nc = name[labelIndices[i-1]:]
		}
		return z, nc
	}
	return "", ""
}

func findMatching(name string, nsec []dns.RR) ([]uint16, error) {
	for _, rr := range nsec {
		n := rr.(*dns.NSEC3)
		if n.Match(name) {
			return n.TypeBitMap, nil
		}
	}
	return nil, errNSECMissingCoverage
}

func findCoverer(name string, nsec []dns.RR) ([]uint16, bool, error) {
	for _, rr := range nsec {
		n := rr.(*dns.NSEC3)
		if n.Cover(name) {
			return n.TypeBitMap, (n.Flags & 1) == 1, nil
		}
	}
	return nil, false, errNSECMissingCoverage
}

// verifyNameError proves an NXDOMAIN: the closest encloser exists and the
// wildcard beneath it is covered by an NSEC3 record.
func verifyNameError(qname string, nsec []dns.RR) error {
	ce, _ := findClosestEncloser(qname, nsec)
	if ce == "" {
		return errNSECMissingCoverage
	}
	_, _, err := findCoverer("*."+ce, nsec)
	return err
}

// verifyNODATA proves a NODATA: the qname matches an NSEC3 record whose type
// bitmap omits the qtype, or (for DS queries) the next-closer name is covered.
func verifyNODATA(qname string, qtype uint16, nsec []dns.RR) error {
	types, err := findMatching(qname, nsec)
	if err != nil {
		if qtype != dns.TypeDS {
			return err
		}

		ce, nc := findClosestEncloser(qname, nsec)
		if ce == "" {
			return errNSECMissingCoverage
		}
		_, _, err := findCoverer(nc, nsec)
		return err
	}

	if typesSet(types, qtype, dns.TypeCNAME) {
		return errNSECTypeExists
	}

	return nil
}

// verifyDelegation proves an unsigned delegation: either the delegation name
// matches an NSEC3 with NS set and DS/SOA clear, or the next closer is
// covered by an opt-out span.
func verifyDelegation(delegation string, nsec []dns.RR) error {
	types, err := findMatching(delegation, nsec)
	if err != nil {
		ce, nc := findClosestEncloser(delegation, nsec)
		if ce == "" {
			return errNSECMissingCoverage
		}
		_, optOut, err := findCoverer(nc, nsec)
		if err != nil {
			return err
		}
		if !optOut {
			return errNSECOptOut
		}
		return nil
	}
	if !typesSet(types, dns.TypeNS) {
		return errNSECNSMissing
	}
	if typesSet(types, dns.TypeDS, dns.TypeSOA) {
		return errNSECBadDelegation
	}
	return nil
}

// verifyNSECNameError proves an NXDOMAIN with plain NSEC records: some NSEC
// must cover the qname and another must cover the wildcard at the closest
// encloser candidate.
func verifyNSECNameError(qname string, nsecSet []dns.RR) error {
	var cover *dns.NSEC
	for _, rr := range nsecSet {
		nsec := rr.(*dns.NSEC)
		if coversName(nsec, qname) {
			cover = nsec
			break
		}
	}
	if cover == nil {
		return errNSECMissingCoverage
	}

	// closest encloser: the longest ancestor of qname that is also an
	// ancestor of the covering NSEC's owner or next name
	ce := "."
	for _, off := range dns.Split(qname) {
		if z := qname[off:]; dns.IsSubDomain(z, cover.Header().Name) || dns.IsSubDomain(z, cover.NextDomain) {
			ce = z
			break
		}
	}
	wildcard := "*." + ce
	if ce == "." {
		wildcard = "*."
	}
	for _, rr := range nsecSet {
		if coversName(rr.(*dns.NSEC), wildcard) {
			return nil
		}
	}
	return errNSECMissingCoverage
}

// verifyNSECNoData proves a NODATA with plain NSEC records: an NSEC matching
// the qname must exist and its type bitmap must omit qtype and CNAME.
func verifyNSECNoData(qname string, qtype uint16, nsecSet []dns.RR) error {
	for _, rr := range nsecSet {
		nsec := rr.(*dns.NSEC)
		if dns.CanonicalName(nsec.Header().Name) != dns.CanonicalName(qname) {
			continue
		}
		if typesSet(nsec.TypeBitMap, qtype, dns.TypeCNAME) {
			return errNSECTypeExists
		}
		return nil
	}
	return errNSECMissingCoverage
}

// coversName reports whether nsec's owner..next span strictly contains name
// in canonical DNS order.
func coversName(nsec *dns.NSEC, name string) bool {
	owner := dns.CanonicalName(nsec.Header().Name)
	next := dns.CanonicalName(nsec.NextDomain)
	cn := dns.CanonicalName(name)

	if canonicalLess(owner, next) {
		return canonicalLess(owner, cn) && canonicalLess(cn, next)
	}
	// wrap-around span at the end of the zone
	return canonicalLess(owner, cn) || canonicalLess(cn, next)
}

// canonicalLess implements RFC 4034 section 6.1 canonical name ordering:
// names compare label by label from the root downward, each label as a
// case-folded byte string.
func canonicalLess(a, b string) bool {
	la := dns.SplitDomainName(dns.CanonicalName(a))
	lb := dns.SplitDomainName(dns.CanonicalName(b))

	for i := 1; i <= len(la) && i <= len(lb); i++ {
		x, y := la[len(la)-i], lb[len(lb)-i]
		if x != y {
			return x < y
		}
	}
	return len(la) < len(lb)
}

// IterationRule is one (key-size, max-iterations) pair of the NSEC3
// DoS guard table.
type IterationRule struct {
	KeyBits int
	MaxIter int
}

// DefaultIterationRules mirrors the widely deployed keysize/iterations
// schedule: larger keys earn more expensive NSEC3 hashing before a response
// is downgraded.
func DefaultIterationRules() []IterationRule {
	return []IterationRule{
		{KeyBits: 1024, MaxIter: 150},
		{KeyBits: 2048, MaxIter: 500},
		{KeyBits: 4096, MaxIter: 2500},
	}
}

// maxIterations returns the iteration budget for a key of the given size:
// the rule for the largest key-size threshold not exceeding keyBits.
func maxIterations(rules []IterationRule, keyBits int) int {
	if len(rules) == 0 {
		rules = DefaultIterationRules()
	}
	sorted := make([]IterationRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].KeyBits < sorted[j].KeyBits })

	max := sorted[0].MaxIter
	for _, r := range sorted {
		if keyBits >= r.KeyBits {
			max = r.MaxIter
		}
	}
	return max
}

// nsec3IterationsOK checks every NSEC3 record's iteration count against the
// budget earned by the smallest key that could validate the response. A
// response over budget is treated as insecure rather than bogus, so an
// attacker can't force expensive hashing by publishing absurd counts.
func nsec3IterationsOK(rules []IterationRule, keys map[uint16]*dns.DNSKEY, nsec3Set []dns.RR) bool {
	smallest := 0
	for _, k := range keys {
		bits := keyBits(k)
		if smallest == 0 || bits < smallest {
			smallest = bits
		}
	}
	if smallest == 0 {
		smallest = 1024
	}

	budget := maxIterations(rules, smallest)
	for _, rr := range nsec3Set {
		n, ok := rr.(*dns.NSEC3)
		if !ok {
			continue
		}
		if int(n.Iterations) > budget {
			return false
		}
	}
	return true
}

// keyBits estimates the public key's modulus/curve size in bits from the
// wire-format key material.
func keyBits(k *dns.DNSKEY) int {
	switch k.Algorithm {
	case dns.ECDSAP256SHA256, dns.ED25519:
		return 256
	case dns.ECDSAP384SHA384:
		return 384
	}

	raw, err := base64.StdEncoding.DecodeString(k.PublicKey)
	if err != nil || len(raw) == 0 {
		return 0
	}

	// RFC 3110 RSA format: exponent length (1 or 3 bytes), exponent, modulus.
	explen := int(raw[0])
	keyoff := 1
	if explen == 0 && len(raw) >= 3 {
		explen = int(raw[1])<<8 | int(raw[2])
		keyoff = 3
	}
	modlen := len(raw) - keyoff - explen
	if modlen <= 0 {
		return 0
	}
	return modlen * 8
}
