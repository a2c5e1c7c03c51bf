// Package iterator implements the resolver core's iterative resolution
// state machine: starting from a cached or primed delegation point, it
// walks down the DNS tree towards the chased qname, following referrals
// and CNAMEs, until it has a final answer (or gives up). State names are
// carried unchanged from the original Unbound iterator/iterator.h
// (INIT_REQUEST_STATE, INIT_REQUEST_2_STATE, INIT_REQUEST_3_STATE,
// QUERYTARGETS_STATE, QUERY_RESP_STATE, PRIME_RESP_STATE, FINISHED_STATE).
// The referral/CNAME/DS-chasing decision tree is grounded on
// middleware/resolver/resolver.go's Resolve/answer/authority/searchCache,
// reworked from that function's implicit recursion into the explicit,
// event-driven state machine the specification requires: Operate is called
// once per event and returns before any suspending I/O happens, instead of
// blocking inline the way Resolve does.
package iterator

import (
	"errors"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/recursord/internal/delegation"
	"github.com/semihalev/recursord/internal/dnsmsg"
	"github.com/semihalev/recursord/internal/infra"
	"github.com/semihalev/recursord/internal/msgcache"
	"github.com/semihalev/recursord/internal/rrcache"
)

// State is one of the iterator's named states, carried over from
// iterator.h unchanged.
type State int

const (
	StateInit State = iota
	StateInit2
	StateInit3
	StateQueryTargets
	StateQueryResp
	StatePrimeResp
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateInit2:
		return "INIT2"
	case StateInit3:
		return "INIT3"
	case StateQueryTargets:
		return "QUERYTARGETS"
	case StateQueryResp:
		return "QUERY_RESP"
	case StatePrimeResp:
		return "PRIME_RESP"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Result is what Operate hands back to the worker: one of the five
// pipeline-wide outcomes from the specification's §2 data flow.
type Result int

const (
	ResultWaitReply Result = iota
	ResultWaitSubquery
	ResultWaitModule
	ResultError
	ResultFinished
)

// Event is what the worker delivers to Operate to resume a suspended query.
type Event int

const (
	EventNewQuery Event = iota
	EventQueryResponse
	EventSubqueryDone
	EventTimeout
	EventError
)

var (
	// ErrMaxRestarts is returned when query_restart_count exceeds its budget.
	ErrMaxRestarts = errors.New("iterator: restart count exceeded")
	// ErrMaxReferrals is returned when referral_count exceeds its budget.
	ErrMaxReferrals = errors.New("iterator: referral count exceeded")
	// ErrNoTargets is returned when a delegation point is exhausted with no
	// usable target address left to try.
	ErrNoTargets = errors.New("iterator: no usable targets remain")
	// ErrPrimeFailed is returned when root or stub priming could not be
	// completed.
	ErrPrimeFailed = errors.New("iterator: priming failed")
)

// SubqueryKind distinguishes the two things an iterator may need to park a
// query on: fetching a missing NS target address, or priming a zone's
// nameserver set from scratch.
type SubqueryKind int

const (
	SubqueryTargetAddr SubqueryKind = iota
	SubqueryPrimeRoot
	SubqueryPrimeStub
)

// Subquery is one dependent lookup the iterator needs before it can make
// progress. The worker is responsible for de-duplicating and dispatching
// these (lqueue-style, per specification §4.8) and delivering the result
// back via EventSubqueryDone.
type Subquery struct {
	Kind   SubqueryKind
	Qname  string
	Qtype  uint16
	Qclass uint16
}

// Outbound is one query the iterator wants sent to an upstream server.
type Outbound struct {
	Target string // "ip:port"
	Proto  string // "udp" or "tcp"
	Query  *dns.Msg
}

// Incoming carries the event-specific payload delivered alongside an Event.
type Incoming struct {
	// Reply is the response to the last Outbound, for EventQueryResponse
	// and EventTimeout (nil on timeout).
	Reply *dns.Msg

	// SubqueryName/SubqueryKind identify which outstanding Subquery this
	// EventSubqueryDone answers (a worker may fan one answer out to many
	// waiting queries, so the iterator must match it against what it's
	// actually waiting for).
	SubqueryName string
	SubqueryKind SubqueryKind

	// Addrs are the resolved A/AAAA records for a SubqueryTargetAddr.
	Addrs []dns.RR
	// NS/Glue are the nameserver set and any accompanying address records
	// for a SubqueryPrimeRoot/SubqueryPrimeStub.
	NS, Glue []dns.RR
	// SubErr is set if the dependent subquery itself failed.
	SubErr error
}

// Config carries the iterator's tunable knobs, the subset of the
// specification's external configuration surface (§6) the state machine
// itself consults.
type Config struct {
	// TargetFetchPolicy bounds, per recursion depth, how many missing NS
	// target addresses may be fetched in one QUERYTARGETS pass before
	// falling back to whatever's already resolvable. Indexing clamps to
	// the last entry once depth exceeds the slice.
	TargetFetchPolicy []int

	MaxRestarts  int
	MaxReferrals int
	MaxRetries   int

	HardenGlue         bool
	HardenReferralPath bool
	PreferIPv6         bool

	CacheMinTTL uint32
	CacheMaxTTL uint32
}

// DefaultConfig returns the specification's suggested defaults.
func DefaultConfig() Config {
	return Config{
		TargetFetchPolicy:  []int{3, 2, 1, 1, 0},
		MaxRestarts:        8,
		MaxReferrals:       30,
		MaxRetries:         4,
		HardenGlue:         true,
		HardenReferralPath: true,
		CacheMinTTL:        0,
		CacheMaxTTL:        86400,
	}
}

func (c Config) fetchPolicy(depth int) int {
	if len(c.TargetFetchPolicy) == 0 {
		return 0
	}
	if depth >= len(c.TargetFetchPolicy) {
		depth = len(c.TargetFetchPolicy) - 1
	}
	return c.TargetFetchPolicy[depth]
}

// Env is the explicit, process-wide environment passed to every call
// instead of reached through ambient globals (ModuleEnv, per the
// specification's design notes §9).
type Env struct {
	Msg   *msgcache.Cache
	RR    *rrcache.Cache
	Infra *infra.Cache
	Now   func() time.Time

	Config Config

	// RootHints are the seed "ip:port" addresses for the root zone, used
	// only the very first time the process primes ".".
	RootHints []string
	// StubZones maps a zone name to the forwarder addresses of a
	// configured stub zone.
	StubZones map[string][]string
	// ForwardZones maps a zone name to the forwarder addresses of a
	// configured forward zone, overriding iterative resolution under it.
	ForwardZones map[string][]string
}

// QState is the iterator's per-query working state - the Go analogue of
// Unbound's iter_qstate, threaded through the pipeline's module stack for
// the lifetime of one client query (or sub-query).
type QState struct {
	State State

	Qinfo dnsmsg.QueryInfo // the original client question
	Chase dnsmsg.QueryInfo // the name/type currently being chased

	DP *delegation.Point

	AnPrepend dnsmsg.PrependList
	NsPrepend dnsmsg.PrependList

	RestartCount  int
	ReferralCount int
	Depth         int

	retriesLeft    int
	pendingTargets map[string]bool
	primeKind      SubqueryKind

	// UseTCP forces the next outbound attempt over TCP after a truncated
	// UDP reply.
	UseTCP bool

	// RefetchGlue is set when a referral arrived without glue for any of
	// its NS names; if the child's targets can't be resolved at all, the
	// query falls back to the saved parent delegation point instead of
	// dead-ending on a server set it has no addresses for
	// (original_source/trunk/iterator/iterator.h).
	RefetchGlue bool
	parentDP    *delegation.Point

	Response *dnsmsg.ReplyInfo
	Rcode    int
	Err      error
}

// NewQState returns a freshly initialized QState for q.
func NewQState(q dnsmsg.QueryInfo) *QState {
	return &QState{
		State:          StateInit,
		Qinfo:          q,
		Chase:          q,
		pendingTargets: make(map[string]bool),
		retriesLeft:    -1, // filled in from Env.Config on first QUERYTARGETS entry
	}
}

// Operate advances qs in response to ev, looping through synchronous
// states until it reaches a suspension point (wait_reply / wait_subquery),
// an error, or FINISHED. It never performs I/O itself: outbound and
// subqueries describe work for the worker to dispatch.
func Operate(env *Env, qs *QState, ev Event, in Incoming) (Result, *Outbound, []Subquery) {
	if ev == EventError {
		qs.Err = in.SubErr
		qs.State = StateFinished
	}

	for {
		switch qs.State {
		case StateInit:
			if done, result, ob, sq := stepInit(env, qs); done {
				return result, ob, sq
			}

		case StateInit2:
			stepInit2(env, qs)

		case StateInit3:
			stepInit3(env, qs)

		case StateQueryTargets:
			if ev == EventSubqueryDone && in.SubqueryKind == SubqueryTargetAddr {
				applyTargetAddrs(qs, in)
				ev = EventNewQuery // consumed; fall through to normal target selection
			}
			if done, result, ob, sq := stepQueryTargets(env, qs); done {
				return result, ob, sq
			}

		case StatePrimeResp:
			if done, result, ob, sq := stepPrimeResp(env, qs, in); done {
				return result, ob, sq
			}

		case StateQueryResp:
			stepQueryResp(env, qs, in.Reply)

		case StateFinished:
			return finish(env, qs)
		}
	}
}

// stepInit consults the message cache, then locates (or arranges priming
// of) a starting delegation point.
func stepInit(env *Env, qs *QState) (done bool, result Result, ob *Outbound, sq []Subquery) {
	now := env.Now()

	key := msgcache.Key(qs.Chase.Qname, qs.Chase.Qtype, qs.Chase.Qclass, qs.Chase.CD)
	if entry, ok := env.Msg.Get(key, now); ok {
		if prefix := qs.AnPrepend.Slice(); len(prefix) > 0 {
			// a CNAME chain was chased before this cache hit: splice the
			// accumulated sets in front of the cached tail
			qs.Response = dnsmsg.NewReplyInfo(
				entry.Reply.Rcode,
				entry.Reply.Flags,
				entry.Reply.Security,
				now,
				append(prefix, entry.Reply.Answer...),
				append(entry.Reply.Authority, qs.NsPrepend.Slice()...),
				nil,
			)
		} else {
			qs.Response = entry.Reply
		}
		qs.State = StateFinished
		return false, 0, nil, nil
	}

	dp, complete := closestDelegation(env, qs.Chase.Qname, qs.Chase.Qclass, qs.Chase.CD, now)
	if dp == nil {
		qs.primeKind = SubqueryPrimeRoot
		qs.State = StatePrimeResp
		return true, ResultWaitSubquery, nil, []Subquery{{Kind: SubqueryPrimeRoot, Qname: ".", Qtype: dns.TypeNS, Qclass: qs.Chase.Qclass}}
	}

	qs.DP = dp
	qs.pendingTargets = complete
	qs.State = StateInit2
	return false, 0, nil, nil
}

// stepInit2 arranges stub-zone priming when the chased name falls under a
// configured stub zone not already reflected in the current delegation
// point.
func stepInit2(env *Env, qs *QState) {
	if addrs, ok := matchZone(env.StubZones, qs.Chase.Qname); ok && qs.DP.Zone != longestMatch(env.StubZones, qs.Chase.Qname) {
		dp := delegation.NewPoint(longestMatch(env.StubZones, qs.Chase.Qname), nil)
		for i, a := range addrs {
			dp.AddTarget(a, versionOf(a, i))
		}
		qs.DP = dp
	}
	qs.State = StateInit3
}

// stepInit3 overrides the delegation point with a configured forward
// zone's server list, if the chased name falls under one.
func stepInit3(env *Env, qs *QState) {
	if addrs, ok := matchZone(env.ForwardZones, qs.Chase.Qname); ok {
		zone := longestMatch(env.ForwardZones, qs.Chase.Qname)
		dp := delegation.NewPoint(zone, nil)
		for i, a := range addrs {
			dp.AddTarget(a, versionOf(a, i))
		}
		qs.DP = dp
	}
	qs.State = StateQueryTargets
}

// stepQueryTargets selects a usable target and emits an outbound query, or
// dispatches target-address subqueries, or gives up with SERVFAIL.
func stepQueryTargets(env *Env, qs *QState) (done bool, result Result, ob *Outbound, sq []Subquery) {
	if qs.retriesLeft < 0 {
		qs.retriesLeft = env.Config.MaxRetries
	}
	now := env.Now()

	if t, ok := qs.DP.Select(now, env.Infra, qs.DP.Zone, env.Config.PreferIPv6); ok {
		qs.DP.MarkInFlight(t.Address)

		m := new(dns.Msg)
		m.SetQuestion(qs.Chase.Qname, qs.Chase.Qtype)
		m.Question[0].Qclass = qs.Chase.Qclass
		m.RecursionDesired = false
		m.CheckingDisabled = qs.Chase.CD
		m.SetEdns0(4096, true)

		proto := "udp"
		if qs.UseTCP {
			proto = "tcp"
		}

		qs.retriesLeft--
		qs.State = StateQueryResp
		return true, ResultWaitReply, &Outbound{Target: t.Address, Proto: proto, Query: m}, nil
	}

	if len(qs.pendingTargets) > 0 {
		budget := env.Config.fetchPolicy(qs.Depth)
		if budget < 0 {
			budget = len(qs.pendingTargets)
		}
		var subs []Subquery
		for name := range qs.pendingTargets {
			if budget == 0 {
				break
			}
			subs = append(subs, Subquery{Kind: SubqueryTargetAddr, Qname: name, Qtype: dns.TypeA, Qclass: qs.Chase.Qclass})
			delete(qs.pendingTargets, name)
			budget--
		}
		if len(subs) > 0 {
			return true, ResultWaitSubquery, nil, subs
		}
	}

	if qs.retriesLeft > 0 && !qs.DP.AllBad(now) {
		// targets exist but are all transiently in-flight/blacklisted;
		// wait for the module to be re-entered rather than busy-spin.
		return true, ResultWaitModule, nil, nil
	}

	if qs.RefetchGlue && qs.parentDP != nil {
		// the glueless child zone produced no usable address: retreat to
		// the parent's servers and ask them again rather than dead-end
		qs.DP = qs.parentDP
		qs.parentDP = nil
		qs.RefetchGlue = false
		qs.DP.ResetProbes()
		qs.retriesLeft = env.Config.MaxRetries
		return false, 0, nil, nil
	}

	qs.Err = ErrNoTargets
	qs.Rcode = dns.RcodeServerFailure
	qs.State = StateFinished
	return false, 0, nil, nil
}

// stepQueryResp classifies an upstream reply: positive answer (possibly via
// CNAME), referral, negative, or throwaway. The in-flight target is judged
// only after classification, since a syntactically fine reply can still be a
// throwaway (a referral that makes no forward progress).
func stepQueryResp(env *Env, qs *QState, reply *dns.Msg) {
	now := env.Now()
	cur := currentInFlight(qs)

	if reply == nil {
		// timeout: mark bad, try another target.
		markBad(env, qs, cur, now)
		qs.State = StateQueryTargets
		return
	}

	if reply.Truncated {
		// escalate to TCP against the same target
		qs.UseTCP = true
		qs.DP.MarkUnused(cur)
		qs.State = StateQueryTargets
		return
	}

	if isThrowaway(qs, reply) {
		markBad(env, qs, cur, now)
		qs.State = StateQueryTargets
		return
	}

	if len(reply.Answer) > 0 {
		markGood(env, qs, cur)
		handlePositive(env, qs, reply, now)
		return
	}

	if nsrr, nss := extractNS(reply.Ns); nsrr != nil {
		handleReferral(env, qs, reply, cur, nsrr, nss, now)
		return
	}
	markGood(env, qs, cur)

	// NXDOMAIN / NODATA: finalize with whatever authority section came back.
	for _, set := range groupByOwnerType(reply.Ns) {
		packed := dnsmsg.NewPackedRRset(set, now, dnsmsg.TrustAuthority, dnsmsg.SecurityUnchecked)
		packed.Sig = sigsFor(reply.Ns, set[0].Header().Name, set[0].Header().Rrtype)
		clampExpiry(packed, env.Config, now)
		qs.NsPrepend.Append(packed)
	}
	qs.Rcode = reply.Rcode
	qs.State = StateFinished
}

// clampExpiry applies the configured cache-min-ttl/cache-max-ttl bounds to a
// freshly packed rrset before it enters the cache.
func clampExpiry(p *dnsmsg.PackedRRset, cfg Config, now time.Time) {
	if cfg.CacheMaxTTL > 0 {
		if max := now.Add(time.Duration(cfg.CacheMaxTTL) * time.Second); p.Expires.After(max) {
			p.Expires = max
		}
	}
	if cfg.CacheMinTTL > 0 {
		if min := now.Add(time.Duration(cfg.CacheMinTTL) * time.Second); p.Expires.Before(min) {
			p.Expires = min
		}
	}
}

// sigsFor collects the RRSIGs in section covering the (owner, type) set.
func sigsFor(section []dns.RR, name string, covered uint16) []dns.RR {
	var out []dns.RR
	for _, rr := range section {
		sig, ok := rr.(*dns.RRSIG)
		if !ok || sig.TypeCovered != covered {
			continue
		}
		if !strings.EqualFold(sig.Header().Name, name) {
			continue
		}
		out = append(out, sig)
	}
	return out
}

func handlePositive(env *Env, qs *QState, reply *dns.Msg, now time.Time) {
	for _, set := range groupByOwnerType(reply.Answer) {
		trust := dnsmsg.TrustAnswerNonAA
		if reply.Authoritative {
			trust = dnsmsg.TrustAnswerAA
		}
		packed := dnsmsg.NewPackedRRset(set, now, trust, dnsmsg.SecurityUnchecked)
		packed.Sig = sigsFor(reply.Answer, set[0].Header().Name, set[0].Header().Rrtype)
		clampExpiry(packed, env.Config, now)
		key := rrcache.Key(set[0].Header().Name, set[0].Header().Rrtype, set[0].Header().Class, qs.Chase.CD)
		entry := env.RR.Update(key, packed, now)
		qs.AnPrepend.Append(entry.RRset)
	}

	// follow the CNAME chain as far as this reply carries it; only restart
	// the query when the chain leaves the message without reaching an
	// answer of the chased type.
	advanced := false
	if qs.Chase.Qtype != dns.TypeCNAME {
		for !hasRRset(reply.Answer, qs.Chase.Qname, qs.Chase.Qtype) {
			cname := findCNAME(reply.Answer, qs.Chase.Qname)
			if cname == nil {
				break
			}
			qs.RestartCount++
			if qs.RestartCount > env.Config.MaxRestarts {
				qs.Err = ErrMaxRestarts
				qs.Rcode = dns.RcodeServerFailure
				qs.State = StateFinished
				return
			}
			qs.Chase.Qname = cname.Target
			advanced = true
		}
	}

	if advanced && !hasRRset(reply.Answer, qs.Chase.Qname, qs.Chase.Qtype) {
		qs.State = StateInit
		return
	}

	qs.Rcode = dns.RcodeSuccess
	qs.State = StateFinished
}

func hasRRset(rrs []dns.RR, name string, rrtype uint16) bool {
	for _, rr := range rrs {
		if rr.Header().Rrtype == rrtype && strings.EqualFold(rr.Header().Name, name) {
			return true
		}
	}
	return false
}

func findCNAME(rrs []dns.RR, name string) *dns.CNAME {
	for _, rr := range rrs {
		if cname, ok := rr.(*dns.CNAME); ok && strings.EqualFold(cname.Header().Name, name) {
			return cname
		}
	}
	return nil
}

func handleReferral(env *Env, qs *QState, reply *dns.Msg, cur string, nsrr *dns.NS, nss map[string]struct{}, now time.Time) {
	newZone := strings.ToLower(nsrr.Header().Name)

	if !dns.IsSubDomain(qs.DP.Zone, newZone) || strings.EqualFold(newZone, qs.DP.Zone) {
		// not strictly below the current delegation: loop prevention
		// treats this as a throwaway.
		markBad(env, qs, cur, now)
		qs.State = StateQueryTargets
		return
	}
	markGood(env, qs, cur)

	qs.ReferralCount++
	if qs.ReferralCount > env.Config.MaxReferrals {
		qs.Err = ErrMaxReferrals
		qs.Rcode = dns.RcodeServerFailure
		qs.State = StateFinished
		return
	}

	nsKey := rrcache.Key(newZone, dns.TypeNS, qs.Chase.Qclass, qs.Chase.CD)
	nsSet := extractRRset(reply.Ns, dns.TypeNS)
	nsPacked := env.RR.Update(nsKey, dnsmsg.NewPackedRRset(nsSet, now, dnsmsg.TrustAuthority, dnsmsg.SecurityUnchecked), now)
	_ = nsPacked

	dp := delegation.NewPoint(newZone, nil)
	pending := make(map[string]bool, len(nss))
	for name := range nss {
		pending[name] = true
	}

	for _, rr := range glueRecords(reply.Extra, nss) {
		switch a := rr.(type) {
		case *dns.A:
			dp.AddTarget(hostPort(a.A.String()), delegation.IPv4)
			delete(pending, strings.ToLower(a.Header().Name))
		case *dns.AAAA:
			dp.AddTarget(hostPort(a.AAAA.String()), delegation.IPv6)
			delete(pending, strings.ToLower(a.Header().Name))
		}
	}

	if len(dp.Targets()) == 0 && len(pending) > 0 {
		// glueless referral: remember where it came from so the query can
		// retreat to the parent if none of the NS names resolve
		qs.RefetchGlue = true
		qs.parentDP = qs.DP
	}

	qs.DP = dp
	qs.pendingTargets = pending
	qs.Depth++
	qs.retriesLeft = env.Config.MaxRetries // fresh budget for the new zone cut
	qs.State = StateQueryTargets
}

func stepPrimeResp(env *Env, qs *QState, in Incoming) (done bool, result Result, ob *Outbound, sq []Subquery) {
	if in.SubErr != nil {
		qs.Err = ErrPrimeFailed
		qs.Rcode = dns.RcodeServerFailure
		qs.State = StateFinished
		return false, 0, nil, nil
	}

	now := env.Now()
	if len(in.NS) > 0 {
		nsKey := rrcache.Key(in.SubqueryName, dns.TypeNS, qs.Chase.Qclass, qs.Chase.CD)
		env.RR.Update(nsKey, dnsmsg.NewPackedRRset(in.NS, now, dnsmsg.TrustAuthority, dnsmsg.SecurityUnchecked), now)
	}
	for _, rr := range in.Glue {
		var key uint64
		switch rr.Header().Rrtype {
		case dns.TypeA:
			key = rrcache.Key(rr.Header().Name, dns.TypeA, rr.Header().Class, qs.Chase.CD)
		case dns.TypeAAAA:
			key = rrcache.Key(rr.Header().Name, dns.TypeAAAA, rr.Header().Class, qs.Chase.CD)
		default:
			continue
		}
		env.RR.Update(key, dnsmsg.NewPackedRRset([]dns.RR{rr}, now, dnsmsg.TrustAdditionalAA, dnsmsg.SecurityUnchecked), now)
	}

	qs.State = StateInit
	return false, 0, nil, nil
}

// finish assembles the response from the prepend lists if a cached reply
// didn't already supply one: the CNAME chain collected along the way, then
// whatever authority records the terminal answer carried.
func finish(env *Env, qs *QState) (Result, *Outbound, []Subquery) {
	if qs.Err != nil {
		return ResultError, nil, nil
	}

	if qs.Response == nil {
		qs.Response = dnsmsg.NewReplyInfo(
			qs.Rcode,
			dnsmsg.Flags{RA: true},
			dnsmsg.SecurityUnchecked,
			env.Now(),
			qs.AnPrepend.Slice(),
			qs.NsPrepend.Slice(),
			nil,
		)
	}
	return ResultFinished, nil, nil
}

func applyTargetAddrs(qs *QState, in Incoming) {
	delete(qs.pendingTargets, in.SubqueryName)
	for _, rr := range in.Addrs {
		switch a := rr.(type) {
		case *dns.A:
			qs.DP.AddTarget(hostPort(a.A.String()), delegation.IPv4)
		case *dns.AAAA:
			qs.DP.AddTarget(hostPort(a.AAAA.String()), delegation.IPv6)
		}
	}
}

// currentInFlight returns the address of the target the last outbound went
// to, or "" if none is outstanding.
func currentInFlight(qs *QState) string {
	for _, t := range qs.DP.Targets() {
		if t.State() == delegation.InFlight {
			return t.Address
		}
	}
	return ""
}

func markBad(env *Env, qs *QState, address string, now time.Time) {
	if address == "" {
		return
	}
	qs.DP.MarkBad(address, now)
	env.Infra.GetOrCreate(infra.Key(qs.DP.Zone, address)).RecordFailure(now)
}

func markGood(env *Env, qs *QState, address string) {
	if address == "" {
		return
	}
	qs.DP.MarkGood(address)
	env.Infra.GetOrCreate(infra.Key(qs.DP.Zone, address)).RecordSuccess()
}

// isThrowaway reports whether reply is unusable and should count as a
// target failure rather than an answer: format errors, or a rcode other
// than NOERROR/NXDOMAIN with no answer or authority data to act on. It does
// not detect lame servers; the only lameness caught is a referral that does
// not descend below the current zone, which handleReferral rejects.
func isThrowaway(qs *QState, reply *dns.Msg) bool {
	if reply.Rcode == dns.RcodeFormatError {
		return true
	}
	if reply.Rcode != dns.RcodeSuccess && reply.Rcode != dns.RcodeNameError && len(reply.Answer) == 0 && len(reply.Ns) == 0 {
		return true
	}
	return false
}

func extractNS(rrs []dns.RR) (*dns.NS, map[string]struct{}) {
	var nsrr *dns.NS
	nss := make(map[string]struct{})
	for _, rr := range rrs {
		if ns, ok := rr.(*dns.NS); ok {
			nsrr = ns
			nss[strings.ToLower(ns.Ns)] = struct{}{}
		}
	}
	if len(nss) == 0 {
		return nil, nil
	}
	return nsrr, nss
}

func extractRRset(rrs []dns.RR, types ...uint16) []dns.RR {
	if len(types) == 0 {
		out := make([]dns.RR, len(rrs))
		copy(out, rrs)
		return out
	}
	want := make(map[uint16]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	var out []dns.RR
	for _, rr := range rrs {
		if _, ok := want[rr.Header().Rrtype]; ok {
			out = append(out, rr)
		}
	}
	return out
}

func glueRecords(extra []dns.RR, names map[string]struct{}) []dns.RR {
	var out []dns.RR
	for _, rr := range extra {
		name := strings.ToLower(rr.Header().Name)
		if _, ok := names[name]; !ok {
			continue
		}
		switch rr.Header().Rrtype {
		case dns.TypeA, dns.TypeAAAA:
			out = append(out, rr)
		}
	}
	return out
}

func groupByOwnerType(rrs []dns.RR) [][]dns.RR {
	type k struct {
		name string
		t    uint16
	}
	groups := make(map[k][]dns.RR)
	var order []k
	for _, rr := range rrs {
		if rr.Header().Rrtype == dns.TypeRRSIG {
			continue
		}
		key := k{strings.ToLower(rr.Header().Name), rr.Header().Rrtype}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rr)
	}
	out := make([][]dns.RR, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

// closestDelegation walks up qname's labels looking for a cached NS RRset
// to use as the starting delegation point, mirroring resolver.go's
// searchCache loop. It returns the matched delegation point and the set of
// NS names still missing a resolved address (for the caller to fetch), or
// (nil, nil) if not even the root zone has a cached NS yet.
func closestDelegation(env *Env, qname string, qclass uint16, cd bool, now time.Time) (*delegation.Point, map[string]bool) {
	name := qname
	for {
		key := rrcache.Key(name, dns.TypeNS, qclass, cd)
		if entry, ok := env.RR.Get(key, now); ok {
			dp := delegation.NewPoint(name, nil)
			pending := make(map[string]bool)
			for _, rr := range entry.RRset.RRs {
				ns, ok := rr.(*dns.NS)
				if !ok {
					continue
				}
				nsname := strings.ToLower(ns.Ns)
				if addrs := lookupGlue(env, nsname, qclass, cd, now); len(addrs) > 0 {
					for _, a := range addrs {
						dp.AddTarget(a.address, a.version)
					}
				} else {
					pending[nsname] = true
				}
			}
			if len(dp.Targets()) == 0 && len(pending) == 0 {
				if name == "." {
					return seedRoot(env), nil
				}
				name = parentOf(name)
				continue
			}
			return dp, pending
		}
		if name == "." {
			return nil, nil
		}
		name = parentOf(name)
	}
}

type glueAddr struct {
	address string
	version delegation.Version
}

func lookupGlue(env *Env, nsname string, qclass uint16, cd bool, now time.Time) []glueAddr {
	var out []glueAddr
	if e, ok := env.RR.Get(rrcache.Key(nsname, dns.TypeA, qclass, cd), now); ok {
		for _, rr := range e.RRset.RRs {
			if a, ok := rr.(*dns.A); ok {
				out = append(out, glueAddr{hostPort(a.A.String()), delegation.IPv4})
			}
		}
	}
	if e, ok := env.RR.Get(rrcache.Key(nsname, dns.TypeAAAA, qclass, cd), now); ok {
		for _, rr := range e.RRset.RRs {
			if a, ok := rr.(*dns.AAAA); ok {
				out = append(out, glueAddr{hostPort(a.AAAA.String()), delegation.IPv6})
			}
		}
	}
	return out
}

func seedRoot(env *Env) *delegation.Point {
	if len(env.RootHints) == 0 {
		return nil
	}
	dp := delegation.NewPoint(".", nil)
	for i, addr := range env.RootHints {
		dp.AddTarget(addr, versionOf(addr, i))
	}
	return dp
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

func hostPort(ip string) string {
	if strings.Contains(ip, ":") {
		return "[" + ip + "]:53"
	}
	return ip + ":53"
}

func versionOf(addr string, fallbackIndex int) delegation.Version {
	if strings.HasPrefix(addr, "[") || strings.Count(addr, ":") > 1 {
		return delegation.IPv6
	}
	return delegation.IPv4
}

func matchZone(zones map[string][]string, qname string) ([]string, bool) {
	if zones == nil {
		return nil, false
	}
	name := qname
	for {
		if addrs, ok := zones[name]; ok {
			return addrs, true
		}
		if name == "." {
			return nil, false
		}
		name = parentOf(name)
	}
}

func longestMatch(zones map[string][]string, qname string) string {
	name := qname
	for {
		if _, ok := zones[name]; ok {
			return name
		}
		if name == "." {
			return "."
		}
		name = parentOf(name)
	}
}
