package validator

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/recursord/internal/dnsmsg"
	"github.com/semihalev/recursord/middleware/metrics"
)

// State is one of the validator's named states, carried over from
// validator.h unchanged.
type State int

const (
	StateInit State = iota
	StateFindKey
	StateValidate
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFindKey:
		return "FINDKEY"
	case StateValidate:
		return "VALIDATE"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Subtype classifies the message being validated, which decides what kind of
// proof FINISHED must have seen.
type Subtype int

const (
	SubtypePositive Subtype = iota
	SubtypeReferral
	SubtypeCNAME
	SubtypeNXDOMAIN
	SubtypeNODATA
	SubtypeCNAMENoAnswer
	SubtypeAny
)

// Result is what Operate hands back to the worker, matching the pipeline's
// shared outcome set.
type Result int

const (
	ResultWaitSubquery Result = iota
	ResultWaitModule
	ResultError
	ResultFinished
)

// Event is what the worker delivers to Operate.
type Event int

const (
	EventNewQuery Event = iota
	EventSubqueryDone
	EventError
)

var (
	// ErrNoAnchor means no configured trust anchor is an ancestor of the
	// signer; the reply is indeterminate, not bogus.
	ErrNoAnchor = errors.New("validator: no trust anchor covers signer")
	// ErrBogus is the generic validation failure.
	ErrBogus = errors.New("validator: chain of trust verification failed")
)

// Subquery is a DS or DNSKEY fetch the validator needs before it can make
// progress; the worker resolves it through the full pipeline with the CD bit
// set, so the fetched set is not validated there; the validator verifies it
// itself against the chain it is walking.
type Subquery struct {
	Qname  string
	Qtype  uint16
	Qclass uint16
}

// Incoming carries the event payload: the finished reply of a DS/DNSKEY
// subquery, or the error that ended it.
type Incoming struct {
	Qname  string
	Qtype  uint16
	Msg    *dns.Msg
	SubErr error
}

// Config is the subset of the recognized configuration surface the
// validation machine consults.
type Config struct {
	PermissiveMode  bool
	IgnoreCDFlag    bool
	CleanAdditional bool
	HardenStripped  bool

	BogusTTL   time.Duration
	SigSkewMin time.Duration
	SigSkewMax time.Duration

	// DateOverride, when nonzero, replaces the wall clock for signature
	// validity checks (val-override-date).
	DateOverride time.Time

	NSEC3Iterations []IterationRule

	// InsecureZones lists domain-insecure zones: names at or below them
	// skip validation entirely and come back insecure.
	InsecureZones []string
}

// DefaultConfig returns the defaults for the validator's knobs.
func DefaultConfig() Config {
	return Config{
		HardenStripped:  true,
		CleanAdditional: true,
		BogusTTL:        60 * time.Second,
		SigSkewMin:      time.Minute,
		SigSkewMax:      24 * time.Hour,
		NSEC3Iterations: DefaultIterationRules(),
	}
}

// Anchors is the configured trust anchor set: zone apex name to the DS
// and/or DNSKEY records trusted a priori for it. Reads and reloads may race
// (trust-anchor-file watching), so access is guarded.
type Anchors struct {
	mu    sync.RWMutex
	zones map[string][]dns.RR
}

// NewAnchors builds an anchor set from per-zone trusted records.
func NewAnchors() *Anchors {
	return &Anchors{zones: make(map[string][]dns.RR)}
}

// Add registers trusted DS or DNSKEY records for zone.
func (a *Anchors) Add(zone string, rrs ...dns.RR) {
	zone = dns.CanonicalName(zone)
	a.mu.Lock()
	a.zones[zone] = append(a.zones[zone], rrs...)
	a.mu.Unlock()
}

// Replace swaps in the anchor set of other, for file-watch reloads.
func (a *Anchors) Replace(other *Anchors) {
	other.mu.RLock()
	fresh := make(map[string][]dns.RR, len(other.zones))
	for k, v := range other.zones {
		fresh[k] = v
	}
	other.mu.RUnlock()

	a.mu.Lock()
	a.zones = fresh
	a.mu.Unlock()
}

// Closest returns the most specific anchor zone that is an ancestor of (or
// equal to) name, with its trusted records.
func (a *Anchors) Closest(name string) (string, []dns.RR, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cur := dns.CanonicalName(name)
	for {
		if rrs, ok := a.zones[cur]; ok {
			return cur, rrs, true
		}
		if cur == "." {
			return "", nil, false
		}
		cur = parentOf(cur)
	}
}

// Empty reports whether no anchors are configured at all (validation then
// yields indeterminate for everything).
func (a *Anchors) Empty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.zones) == 0
}

// Env is the validator's explicit module environment.
type Env struct {
	Key     *KeyCache
	Anchors *Anchors
	Now     func() time.Time
	Config  Config
}

// VState is the validator's per-query working state, the analogue of
// Unbound's val_qstate.
type VState struct {
	State   State
	Subtype Subtype

	Qinfo dnsmsg.QueryInfo
	Reply *dnsmsg.ReplyInfo

	// SignerName is the zone whose keys must verify the reply.
	SignerName string

	// keyZone/keys track the FINDKEY walk: the deepest zone whose DNSKEY
	// set has been chained to the trust anchor so far. walk is the current
	// position of the DS descent, which can run ahead of keyZone across
	// empty non-terminals (names with no zone cut of their own, still
	// signed by keyZone's keys).
	keyZone string
	keys    map[uint16]*dns.DNSKEY
	walk    string

	// dsSet holds the verified DS records for the zone one step below
	// keyZone, pending its DNSKEY fetch.
	dsSet []dns.RR

	// pendingZone is the zone the outstanding DS/DNSKEY subquery is for.
	pendingZone  string
	pendingQtype uint16

	// EmptyDSName records the most recent empty non-terminal seen during
	// the DS walk; the walk resumed one label deeper from it instead of
	// concluding insecure.
	EmptyDSName string

	Err error
}

// NewVState returns a validator state for a finished reply to q.
func NewVState(q dnsmsg.QueryInfo, reply *dnsmsg.ReplyInfo) *VState {
	return &VState{State: StateInit, Qinfo: q, Reply: reply}
}

// Operate advances vs in response to ev, looping through synchronous states
// until it suspends on a subquery, errors, or finishes. Like the iterator it
// performs no I/O itself.
func Operate(env *Env, vs *VState, ev Event, in Incoming) (Result, []Subquery) {
	if ev == EventError {
		vs.Err = in.SubErr
		vs.State = StateFinished
	}

	for {
		switch vs.State {
		case StateInit:
			if done := stepInit(env, vs); done {
				return finish(env, vs), nil
			}

		case StateFindKey:
			if ev == EventSubqueryDone {
				stepKeyResponse(env, vs, in)
				ev = EventNewQuery // consumed
				continue
			}
			if sq, ok := stepFindKey(env, vs); ok {
				return ResultWaitSubquery, []Subquery{sq}
			}

		case StateValidate:
			stepValidate(env, vs)

		case StateFinished:
			return finish(env, vs), nil
		}
	}
}

// stepInit classifies the reply and decides whether validation applies at
// all. Returns true when the machine is already finished.
func stepInit(env *Env, vs *VState) bool {
	vs.Subtype = classify(vs.Qinfo, vs.Reply)

	if vs.Qinfo.CD && !env.Config.IgnoreCDFlag {
		vs.State = StateFinished
		return true
	}

	if zoneInsecure(env.Config.InsecureZones, vs.Qinfo.Qname) {
		vs.Reply.Security = dnsmsg.SecurityInsecure
		vs.State = StateFinished
		return true
	}

	vs.SignerName = signerName(vs.Qinfo, vs.Reply)

	probe := vs.SignerName
	if probe == "" {
		probe = vs.Qinfo.Qname
	}
	anchorZone, _, ok := env.Anchors.Closest(probe)
	if !ok {
		vs.Reply.Security = dnsmsg.SecurityIndeterminate
		vs.State = StateFinished
		return true
	}

	if vs.SignerName == "" {
		// unsigned reply under a trust anchor: FINDKEY decides whether a
		// provable insecure delegation explains the missing signatures or
		// they were stripped.
		vs.SignerName = dns.CanonicalName(vs.Qinfo.Qname)
	}

	vs.keyZone = anchorZone
	vs.State = StateFindKey
	return false
}

// stepFindKey advances the trust chain one zone at a time from the anchor
// towards the signer, returning the next DS or DNSKEY subquery to dispatch.
func stepFindKey(env *Env, vs *VState) (Subquery, bool) {
	now := env.Now()

	for {
		if vs.keys == nil {
			// the current keyZone's own DNSKEY set isn't verified yet
			if entry, ok := env.Key.Get(vs.keyZone, now); ok {
				if done := applyKeyEntry(vs, entry); done {
					return Subquery{}, false
				}
				continue
			}
			vs.pendingZone, vs.pendingQtype = vs.keyZone, dns.TypeDNSKEY
			return Subquery{Qname: vs.keyZone, Qtype: dns.TypeDNSKEY, Qclass: dns.ClassINET}, true
		}

		if vs.walk == "" {
			vs.walk = vs.keyZone
		}

		if strings.EqualFold(vs.walk, dns.CanonicalName(vs.SignerName)) {
			vs.State = StateValidate
			return Subquery{}, false
		}

		next := nextLabelDown(vs.walk, vs.SignerName)
		if next == "" {
			vs.State = StateValidate
			return Subquery{}, false
		}

		if entry, ok := env.Key.Get(next, now); ok {
			if done := applyKeyEntry(vs, entry); done {
				return Subquery{}, false
			}
			continue
		}

		if vs.dsSet != nil && strings.EqualFold(vs.pendingZone, next) {
			// DS verified; fetch the child's keys
			vs.pendingZone, vs.pendingQtype = next, dns.TypeDNSKEY
			return Subquery{Qname: next, Qtype: dns.TypeDNSKEY, Qclass: dns.ClassINET}, true
		}

		vs.pendingZone, vs.pendingQtype = next, dns.TypeDS
		return Subquery{Qname: next, Qtype: dns.TypeDS, Qclass: dns.ClassINET}, true
	}
}

// applyKeyEntry folds a cached key entry into the walk. Returns true when
// the entry terminates validation (insecure/bogus/null).
func applyKeyEntry(vs *VState, entry *KeyEntry) bool {
	switch entry.Status {
	case KeyValidated:
		vs.keyZone = entry.Zone
		vs.keys = entry.Keys
		vs.walk = entry.Zone
		vs.dsSet = nil
		return false
	case KeyInsecure:
		vs.Reply.Security = dnsmsg.SecurityInsecure
		vs.State = StateFinished
		return true
	default: // KeyNull, KeyBogus
		vs.Reply.Security = dnsmsg.SecurityBogus
		vs.Err = ErrBogus
		vs.State = StateFinished
		return true
	}
}

// stepKeyResponse handles a completed DS or DNSKEY subquery.
func stepKeyResponse(env *Env, vs *VState, in Incoming) {
	now := env.Now()

	if in.SubErr != nil || in.Msg == nil {
		env.Key.SetNull(vs.pendingZone, now)
		vs.Reply.Security = dnsmsg.SecurityBogus
		vs.Err = ErrBogus
		vs.State = StateFinished
		return
	}

	switch in.Qtype {
	case dns.TypeDS:
		vs.handleDSResponse(env, in.Msg, now)
	case dns.TypeDNSKEY:
		vs.handleDNSKEYResponse(env, in.Msg, now)
	}
}

func (vs *VState) handleDSResponse(env *Env, msg *dns.Msg, now time.Time) {
	zone := vs.pendingZone
	vt := env.validTime(now)

	dsSet := extractSet(msg.Answer, zone, dns.TypeDS)
	if len(dsSet) > 0 {
		sigs := extractSet(msg.Answer, zone, dns.TypeRRSIG)
		if err := verifySetSig(vs.keys, dsSet, sigs, vs.keyZone, vt); err != nil {
			vs.bogusKey(env, zone, now)
			return
		}
		vs.dsSet = dsSet
		return
	}

	// negative DS answer: distinguish proved-insecure from stripped. The
	// proof records must themselves verify under the parent's keys before
	// they may prove anything.
	nsec3Set := extractSet(msg.Ns, "", dns.TypeNSEC3)
	nsecSet := extractSet(msg.Ns, "", dns.TypeNSEC)

	if len(nsec3Set) > 0 || len(nsecSet) > 0 {
		if err := verifyAuthoritySets(vs.keys, msg.Ns, vs.keyZone, vt); err != nil {
			vs.bogusKey(env, zone, now)
			return
		}
	}

	if len(nsec3Set) > 0 {
		if !nsec3IterationsOK(env.Config.NSEC3Iterations, vs.keys, nsec3Set) {
			vs.Reply.Security = dnsmsg.SecurityInsecure
			vs.State = StateFinished
			return
		}
		if types, merr := findMatching(zone, nsec3Set); merr == nil &&
			!typesSet(types, dns.TypeNS, dns.TypeDS, dns.TypeSOA) &&
			!strings.EqualFold(zone, vs.SignerName) {
			// empty non-terminal on the DS path: no zone cut at this name,
			// the real cut is deeper; resume the walk one label down under
			// the same keys instead of concluding insecure
			vs.EmptyDSName = zone
			vs.walk = zone
			return
		}
		if err := verifyNODATA(zone, dns.TypeDS, nsec3Set); err == nil {
			env.Key.SetInsecure(zone, now.Add(negativeTTL(msg)))
			vs.Reply.Security = dnsmsg.SecurityInsecure
			vs.State = StateFinished
			return
		}
		if err := verifyDelegation(zone, nsec3Set); err == nil {
			env.Key.SetInsecure(zone, now.Add(negativeTTL(msg)))
			vs.Reply.Security = dnsmsg.SecurityInsecure
			vs.State = StateFinished
			return
		}
		vs.bogusKey(env, zone, now)
		return
	}

	if len(nsecSet) > 0 {
		if err := verifyNSECNoData(zone, dns.TypeDS, nsecSet); err == nil {
			env.Key.SetInsecure(zone, now.Add(negativeTTL(msg)))
			vs.Reply.Security = dnsmsg.SecurityInsecure
			vs.State = StateFinished
			return
		}
		vs.bogusKey(env, zone, now)
		return
	}

	if env.Config.HardenStripped {
		vs.bogusKey(env, zone, now)
		return
	}
	vs.Reply.Security = dnsmsg.SecurityIndeterminate
	vs.State = StateFinished
}

func (vs *VState) handleDNSKEYResponse(env *Env, msg *dns.Msg, now time.Time) {
	zone := vs.pendingZone
	vt := env.validTime(now)

	keys := keyMap(msg.Answer)
	if len(keys) == 0 {
		vs.bogusKey(env, zone, now)
		return
	}

	var trusted []dns.RR
	if strings.EqualFold(zone, vs.keyZone) && vs.keys == nil {
		// priming the anchor zone itself: check against the configured
		// anchor records rather than a parent DS set
		_, anchorRRs, ok := env.Anchors.Closest(zone)
		if !ok {
			vs.Reply.Security = dnsmsg.SecurityIndeterminate
			vs.State = StateFinished
			return
		}
		trusted = anchorDSSet(anchorRRs)
	} else {
		trusted = vs.dsSet
	}

	if err := verifyDS(keys, trusted); err != nil {
		vs.bogusKey(env, zone, now)
		return
	}

	keySet := extractSet(msg.Answer, zone, dns.TypeDNSKEY)
	sigs := extractSet(msg.Answer, zone, dns.TypeRRSIG)
	if err := verifySetSig(keys, keySet, sigs, zone, vt); err != nil {
		vs.bogusKey(env, zone, now)
		return
	}

	expires := now.Add(setTTL(keySet))
	env.Key.SetValidated(zone, keys, expires)
	vs.keyZone = zone
	vs.keys = keys
	vs.walk = zone
	vs.dsSet = nil
}

func (vs *VState) bogusKey(env *Env, zone string, now time.Time) {
	env.Key.SetBogus(zone, now, env.Config.BogusTTL)
	vs.Reply.Security = dnsmsg.SecurityBogus
	vs.Err = ErrBogus
	vs.State = StateFinished
}

// stepValidate verifies every RRSIG on every RRset of the chased reply using
// the signer zone's validated keys, then checks the negative proof if the
// subtype needs one.
func stepValidate(env *Env, vs *VState) {
	vt := env.validTime(env.Now())

	switch vs.Subtype {
	case SubtypeNXDOMAIN, SubtypeNODATA, SubtypeCNAMENoAnswer:
		if !vs.validateNegative(env, vt) {
			return
		}
	}

	sections := [][]*dnsmsg.PackedRRset{vs.Reply.Answer, vs.Reply.Authority}
	for _, section := range sections {
		for _, set := range section {
			if len(set.RRs) == 0 {
				continue
			}
			if len(set.Sig) == 0 {
				if env.Config.HardenStripped {
					vs.Reply.Security = dnsmsg.SecurityBogus
					vs.Err = ErrBogus
					vs.State = StateFinished
					return
				}
				set.Security = dnsmsg.SecurityIndeterminate
				continue
			}
			if err := verifyPackedSig(vs.keys, set, vs.keyZone, vt); err != nil {
				vs.Reply.Security = dnsmsg.SecurityBogus
				vs.Err = ErrBogus
				vs.State = StateFinished
				return
			}
			set.Security = dnsmsg.SecuritySecure
			set.Trust = dnsmsg.TrustValidated
		}
	}

	if env.Config.CleanAdditional {
		vs.Reply.Additional = cleanAdditional(vs.Reply.Additional)
	}

	vs.Reply.Security = dnsmsg.SecuritySecure
	vs.Reply.Flags.AD = true
	vs.State = StateFinished
}

// validateNegative checks the NSEC/NSEC3 closure proof for a negative reply.
// Returns false when the machine has already moved to FINISHED.
func (vs *VState) validateNegative(env *Env, vt validTime) bool {
	var nsec3Set, nsecSet []dns.RR
	for _, set := range vs.Reply.Authority {
		switch {
		case len(set.RRs) > 0 && set.RRs[0].Header().Rrtype == dns.TypeNSEC3:
			nsec3Set = append(nsec3Set, set.RRs...)
		case len(set.RRs) > 0 && set.RRs[0].Header().Rrtype == dns.TypeNSEC:
			nsecSet = append(nsecSet, set.RRs...)
		}
	}

	if len(nsec3Set) == 0 && len(nsecSet) == 0 {
		// negative answers from a signed zone must carry a closure proof
		vs.Reply.Security = dnsmsg.SecurityBogus
		vs.Err = ErrBogus
		vs.State = StateFinished
		return false
	}

	if len(nsec3Set) > 0 && !nsec3IterationsOK(env.Config.NSEC3Iterations, vs.keys, nsec3Set) {
		vs.Reply.Security = dnsmsg.SecurityInsecure
		vs.State = StateFinished
		return false
	}

	qname := dns.CanonicalName(vs.Qinfo.Qname)
	var err error
	switch vs.Subtype {
	case SubtypeNXDOMAIN:
		if len(nsec3Set) > 0 {
			err = verifyNameError(qname, nsec3Set)
		} else {
			err = verifyNSECNameError(qname, nsecSet)
		}
	default:
		if len(nsec3Set) > 0 {
			err = verifyNODATA(qname, vs.Qinfo.Qtype, nsec3Set)
		} else {
			err = verifyNSECNoData(qname, vs.Qinfo.Qtype, nsecSet)
		}
	}
	if err != nil {
		vs.Reply.Security = dnsmsg.SecurityBogus
		vs.Err = ErrBogus
		vs.State = StateFinished
		return false
	}
	return true
}

// finish maps the terminal VState to the pipeline result, applying the
// permissive-mode downgrade for the client without upgrading the cache.
func finish(env *Env, vs *VState) Result {
	if vs.Reply != nil {
		metrics.ValidationResults.WithLabelValues(vs.Reply.Security.String()).Inc()
	}

	if vs.Err != nil {
		if env.Config.PermissiveMode && errors.Is(vs.Err, ErrBogus) {
			vs.Reply.Security = dnsmsg.SecurityIndeterminate
			vs.Reply.Flags.AD = false
			vs.Err = nil
			return ResultFinished
		}
		return ResultError
	}
	return ResultFinished
}

// classify maps a reply's shape onto the validation subtypes from the
// specification.
func classify(q dnsmsg.QueryInfo, reply *dnsmsg.ReplyInfo) Subtype {
	if q.Qtype == dns.TypeANY {
		return SubtypeAny
	}
	if reply.Rcode == dns.RcodeNameError {
		return SubtypeNXDOMAIN
	}

	var sawCNAME, sawFinal bool
	for _, set := range reply.Answer {
		if len(set.RRs) == 0 {
			continue
		}
		switch set.RRs[0].Header().Rrtype {
		case dns.TypeCNAME:
			sawCNAME = true
		case q.Qtype:
			sawFinal = true
		}
	}

	switch {
	case sawCNAME && sawFinal:
		return SubtypeCNAME
	case sawCNAME:
		return SubtypeCNAMENoAnswer
	case sawFinal:
		return SubtypePositive
	case len(reply.Answer) == 0 && hasNS(reply.Authority) && !hasSOA(reply.Authority):
		return SubtypeReferral
	default:
		return SubtypeNODATA
	}
}

func hasNS(sets []*dnsmsg.PackedRRset) bool {
	for _, s := range sets {
		if len(s.RRs) > 0 && s.RRs[0].Header().Rrtype == dns.TypeNS {
			return true
		}
	}
	return false
}

func hasSOA(sets []*dnsmsg.PackedRRset) bool {
	for _, s := range sets {
		if len(s.RRs) > 0 && s.RRs[0].Header().Rrtype == dns.TypeSOA {
			return true
		}
	}
	return false
}

// signerName extracts the RRSIG signer of the RRset being validated: the
// answer's signature if present, else the authority's.
func signerName(q dnsmsg.QueryInfo, reply *dnsmsg.ReplyInfo) string {
	for _, set := range reply.Answer {
		for _, sig := range set.Sig {
			if rrsig, ok := sig.(*dns.RRSIG); ok {
				return dns.CanonicalName(rrsig.SignerName)
			}
		}
	}
	for _, set := range reply.Authority {
		for _, sig := range set.Sig {
			if rrsig, ok := sig.(*dns.RRSIG); ok {
				return dns.CanonicalName(rrsig.SignerName)
			}
		}
	}
	return ""
}

// cleanAdditional strips unvalidated records from the additional section so
// a client never sees data that didn't go through the chain of trust.
func cleanAdditional(sets []*dnsmsg.PackedRRset) []*dnsmsg.PackedRRset {
	var out []*dnsmsg.PackedRRset
	for _, s := range sets {
		if s.Security == dnsmsg.SecuritySecure {
			out = append(out, s)
		}
	}
	return out
}

func zoneInsecure(zones []string, qname string) bool {
	name := dns.CanonicalName(qname)
	for _, z := range zones {
		if dns.IsSubDomain(dns.CanonicalName(z), name) {
			return true
		}
	}
	return false
}

// nextLabelDown returns the name one label below zone on the path towards
// target, or "" if target is not below zone.
func nextLabelDown(zone, target string) string {
	zone = dns.CanonicalName(zone)
	target = dns.CanonicalName(target)
	if !dns.IsSubDomain(zone, target) || strings.EqualFold(zone, target) {
		return ""
	}

	targetLabels := dns.SplitDomainName(target)
	zoneCount := dns.CountLabel(zone)
	// take the last zoneCount+1 labels of target
	idx := len(targetLabels) - zoneCount - 1
	return dns.Fqdn(strings.Join(targetLabels[idx:], "."))
}

func parentOf(name string) string {
	if name == "." || name == "" {
		return "."
	}
	labels := dns.SplitDomainName(name)
	if len(labels) <= 1 {
		return "."
	}
	return dns.Fqdn(strings.Join(labels[1:], "."))
}

// setTTL returns the minimum TTL of a set as a duration, for key entry
// expiry.
func setTTL(rrs []dns.RR) time.Duration {
	var min uint32 = ^uint32(0)
	for _, rr := range rrs {
		if rr.Header().Ttl < min {
			min = rr.Header().Ttl
		}
	}
	if len(rrs) == 0 || min == ^uint32(0) {
		min = 0
	}
	return time.Duration(min) * time.Second
}

// negativeTTL returns how long a proved-insecure marker may live: the SOA
// minimum from the authority section, bounded to a day.
func negativeTTL(msg *dns.Msg) time.Duration {
	for _, rr := range msg.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			ttl := soa.Minttl
			if hdr := soa.Header().Ttl; hdr < ttl {
				ttl = hdr
			}
			if ttl > 86400 {
				ttl = 86400
			}
			return time.Duration(ttl) * time.Second
		}
	}
	return time.Hour
}

func anchorDSSet(anchorRRs []dns.RR) []dns.RR {
	var out []dns.RR
	for _, rr := range anchorRRs {
		switch t := rr.(type) {
		case *dns.DS:
			out = append(out, t)
		case *dns.DNSKEY:
			if ds := t.ToDS(dns.SHA256); ds != nil {
				out = append(out, ds)
			}
		}
	}
	return out
}
