package validator

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/recursord/internal/dnsmsg"
)

var (
	errNoDNSKEY               = errors.New("validator: no DNSKEY records found")
	errMissingKSK             = errors.New("validator: no KSK DNSKEY found for DS records")
	errFailedToConvertKSK     = errors.New("validator: failed to convert KSK DNSKEY record to DS record")
	errMismatchingDS          = errors.New("validator: KSK DNSKEY record does not match DS record from parent zone")
	errNoSignatures           = errors.New("validator: no RRSIG records for zone that should be signed")
	errMissingDNSKEY          = errors.New("validator: no matching DNSKEY found for RRSIG records")
	errInvalidSignaturePeriod = errors.New("validator: incorrect signature validity period")
	errMissingSigned          = errors.New("validator: signed records are missing")
	errSignerMismatch         = errors.New("validator: RRSIG signer does not match the zone")
	errUnsupportedAlgorithm   = errors.New("validator: unsupported DNSKEY algorithm")
)

// validTime bundles the clock the validator judges signature periods with:
// the wall clock (or the configured override date) widened by the skew
// allowances.
type validTime struct {
	now      time.Time
	skewMin  time.Duration
	skewMax  time.Duration
	override bool
}

func (env *Env) validTime(now time.Time) validTime {
	vt := validTime{now: now, skewMin: env.Config.SigSkewMin, skewMax: env.Config.SigSkewMax}
	if !env.Config.DateOverride.IsZero() {
		vt.now = env.Config.DateOverride
		vt.override = true
	}
	return vt
}

// inPeriod checks inception <= now+skewMin and expiration >= now-skewMax,
// handling the RFC 1982 serial arithmetic of 32-bit signature timestamps.
func (vt validTime) inPeriod(sig *dns.RRSIG) bool {
	inception := serialTime(sig.Inception, vt.now)
	expiration := serialTime(sig.Expiration, vt.now)

	if inception.After(vt.now.Add(vt.skewMin)) {
		return false
	}
	if expiration.Before(vt.now.Add(-vt.skewMax)) {
		return false
	}
	return true
}

// serialTime converts a 32-bit signature timestamp to the wall-clock instant
// nearest ref, so timestamps on either side of a 2^32 wrap compare sanely.
func serialTime(t uint32, ref time.Time) time.Time {
	const span = int64(1) << 32
	base := int64(t)
	refUnix := ref.Unix()

	// shift by whole wraps until within half a span of ref
	for base < refUnix-span/2 {
		base += span
	}
	for base > refUnix+span/2 {
		base -= span
	}
	return time.Unix(base, 0)
}

// algorithmSupported reports whether the crypto backend can verify sig's
// algorithm. verifyOneSig rejects a signature with any other algorithm like
// any failed signature, so a set signed only with unsupported algorithms
// fails verification (bogus); it is not downgraded to insecure.
func algorithmSupported(alg uint8) bool {
	switch alg {
	case dns.RSASHA1, dns.RSASHA1NSEC3SHA1, dns.RSASHA256, dns.RSASHA512,
		dns.ECDSAP256SHA256, dns.ECDSAP384SHA384, dns.ED25519:
		return true
	}
	return false
}

// keyMap collects the DNSKEY records of an answer section by key tag,
// accepting only ZSK (256) and KSK (257) flag values.
func keyMap(rrs []dns.RR) map[uint16]*dns.DNSKEY {
	keys := make(map[uint16]*dns.DNSKEY)
	for _, rr := range rrs {
		if dnskey, ok := rr.(*dns.DNSKEY); ok {
			if dnskey.Flags == 256 || dnskey.Flags == 257 {
				keys[dnskey.KeyTag()] = dnskey
			}
		}
	}
	return keys
}

// extractSet pulls the records of the given type (and owner, when name is
// nonempty) out of a section.
func extractSet(in []dns.RR, name string, t uint16) []dns.RR {
	var out []dns.RR
	for _, r := range in {
		if r.Header().Rrtype != t {
			continue
		}
		if name != "" && !strings.EqualFold(name, r.Header().Name) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// verifyDS checks that at least one DS from the parent matches a KSK in the
// child's key set by key tag, algorithm and digest.
func verifyDS(keys map[uint16]*dns.DNSKEY, parentDSSet []dns.RR) error {
	if len(parentDSSet) == 0 {
		return errMissingKSK
	}
	for i, r := range parentDSSet {
		parentDS, ok := r.(*dns.DS)
		if !ok {
			continue
		}
		ksk, present := keys[parentDS.KeyTag]
		if !present {
			continue
		}
		ds := ksk.ToDS(parentDS.DigestType)
		if ds == nil {
			if i != len(parentDSSet)-1 {
				continue
			}
			return errFailedToConvertKSK
		}
		if !strings.EqualFold(ds.Digest, parentDS.Digest) {
			if i != len(parentDSSet)-1 {
				continue
			}
			return errMismatchingDS
		}
		return nil
	}

	return errMissingKSK
}

// verifySetSig verifies that at least one of sigs validates set against keys,
// with the signer constrained to zone.
func verifySetSig(keys map[uint16]*dns.DNSKEY, set, sigs []dns.RR, zone string, vt validTime) error {
	if len(set) == 0 {
		return errMissingSigned
	}
	if len(sigs) == 0 {
		return errNoSignatures
	}

	covered := set[0].Header().Rrtype
	var lastErr error
	for _, sigRR := range sigs {
		sig, ok := sigRR.(*dns.RRSIG)
		if !ok || sig.TypeCovered != covered {
			continue
		}
		if err := verifyOneSig(keys, sig, set, zone, vt); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if lastErr != nil {
		return lastErr
	}
	return errNoSignatures
}

// verifyPackedSig verifies a cached packed rrset using its carried RRSIGs.
func verifyPackedSig(keys map[uint16]*dns.DNSKEY, set *dnsmsg.PackedRRset, zone string, vt validTime) error {
	return verifySetSig(keys, set.RRs, set.Sig, zone, vt)
}

func verifyOneSig(keys map[uint16]*dns.DNSKEY, sig *dns.RRSIG, set []dns.RR, zone string, vt validTime) error {
	if !strings.EqualFold(dns.CanonicalName(sig.SignerName), dns.CanonicalName(zone)) {
		return errSignerMismatch
	}
	if !algorithmSupported(sig.Algorithm) {
		return errUnsupportedAlgorithm
	}

	k, ok := keys[sig.KeyTag]
	if !ok {
		return errMissingDNSKEY
	}

	switch k.Algorithm {
	case dns.RSASHA1, dns.RSASHA1NSEC3SHA1, dns.RSASHA256, dns.RSASHA512:
		if !checkExponent(k.PublicKey) {
			return errUnsupportedAlgorithm
		}
	}

	if err := sig.Verify(k, set); err != nil {
		return err
	}
	if !vt.inPeriod(sig) {
		return errInvalidSignaturePeriod
	}
	return nil
}

// verifyAuthoritySets verifies every (owner, type) group of an authority
// section against keys, skipping the RRSIGs themselves.
func verifyAuthoritySets(keys map[uint16]*dns.DNSKEY, ns []dns.RR, zone string, vt validTime) error {
	type groupKey struct {
		name string
		t    uint16
	}
	groups := make(map[groupKey][]dns.RR)
	for _, rr := range ns {
		if rr.Header().Rrtype == dns.TypeRRSIG {
			continue
		}
		k := groupKey{dns.CanonicalName(rr.Header().Name), rr.Header().Rrtype}
		groups[k] = append(groups[k], rr)
	}

	for k, set := range groups {
		sigs := extractSet(ns, k.name, dns.TypeRRSIG)
		var covering []dns.RR
		for _, s := range sigs {
			if s.(*dns.RRSIG).TypeCovered == k.t {
				covering = append(covering, s)
			}
		}
		if err := verifySetSig(keys, set, covering, zone, vt); err != nil {
			return err
		}
	}
	return nil
}

// checkExponent rejects RSA public keys whose exponent the crypto package
// can't represent (RFC 3110 allows up to 4096-bit exponents; Go caps at 32
// bits), so verification fails closed instead of panicking.
func checkExponent(key string) bool {
	keybuf, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return true
	}

	if len(keybuf) < 1+1+64 {
		// exponent must be at least 1 byte and modulus at least 64
		return true
	}

	// RFC 2537/3110, section 2. Length is in the 0th byte, unless its zero,
	// then it is in bytes 1 and 2 and its a 16 bit number.
	explen := uint16(keybuf[0])
	keyoff := 1
	if explen == 0 {
		explen = uint16(keybuf[1])<<8 | uint16(keybuf[2])
		keyoff = 3
	}

	if explen > 4 || explen == 0 || keybuf[keyoff] == 0 {
		return false
	}

	return true
}
