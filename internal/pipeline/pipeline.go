// Package pipeline composes the resolver core's modules into the per-query
// pipeline the worker drives: a client question enters the iterator, the
// iterator's finished reply passes to the validator, and the validated reply
// is written back through the message cache. Sub-queries (NS target
// addresses, priming, DS/DNSKEY fetches) are first-class pipeline instances
// resolved through the same entry point, de-duplicated by query fingerprint
// the way lqueue does for the teacher's cache middleware. The module-stack
// shape follows middleware/chain.go's cursor-driven handler list; the
// suspension-point contract maps each wait_* return onto a blocking await
// inside one goroutine per query, with sub-queries as child calls, which is
// the structured-concurrency rendering the design notes allow as long as
// de-duplication stays globally observable.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/recursord/internal/anchor"
	"github.com/semihalev/recursord/internal/dnsmsg"
	"github.com/semihalev/recursord/internal/infra"
	"github.com/semihalev/recursord/internal/iterator"
	"github.com/semihalev/recursord/internal/msgcache"
	"github.com/semihalev/recursord/internal/rrcache"
	"github.com/semihalev/recursord/internal/validator"
	"github.com/semihalev/recursord/lqueue"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrBudgetExceeded is returned when a query recurses deeper than the
	// sub-query limit, or when the iterator or validator suspends with
	// nothing left to wait on. Restart and referral overflows surface as
	// iterator.ErrMaxRestarts and iterator.ErrMaxReferrals.
	ErrBudgetExceeded = errors.New("pipeline: query budget exceeded")
	// ErrPolicyDenied is returned when a target matches a do-not-query rule.
	ErrPolicyDenied = errors.New("pipeline: target denied by policy")
	// ErrAllocFailed is returned when a critical-path cache insert failed.
	ErrAllocFailed = errors.New("pipeline: allocation failed")
	// ErrSaturated is returned when the worker is over its outstanding-query
	// limit and jostles the new arrival instead of accepting it.
	ErrSaturated = errors.New("pipeline: worker saturated")
)

// maxSubqueryDepth bounds how deep target-address and key-fetch sub-queries
// may nest below the client query.
const maxSubqueryDepth = 8

// Timeout bounds for one outbound exchange, derived from the target's
// infra-cache RTT.
const (
	minExchangeTimeout = 376 * time.Millisecond
	maxExchangeTimeout = 120 * time.Second
)

// Exchanger sends one query to one upstream target and returns the reply.
// The network implementation lives in client.go; tests substitute a script.
type Exchanger interface {
	Exchange(ctx context.Context, m *dns.Msg, target, proto string, timeout time.Duration) (*dns.Msg, time.Duration, error)
}

// Env is the process-wide module environment threaded explicitly through
// every pipeline entry point.
type Env struct {
	Msg   *msgcache.Cache
	RR    *rrcache.Cache
	Infra *infra.Cache
	Key   *validator.KeyCache

	Anchors *validator.Anchors

	// Anchor, when set, is the RFC 5011 rollover store refreshed from every
	// root DNSKEY fetch and persisted back to disk on state changes.
	Anchor *anchor.Store

	IterConfig iterator.Config
	ValConfig  validator.Config

	RootHints    []string
	StubZones    map[string][]string
	ForwardZones map[string][]string

	// DoNotQuery lists address prefixes never queried upstream
	// (do-not-query-address, do-not-query-localhost).
	DoNotQuery []string

	// MaxOutstanding is the jostle threshold: client queries beyond it are
	// refused rather than queued without bound.
	MaxOutstanding int64

	// PrefetchThreshold is the percentage of original TTL below which a
	// cache hit triggers a background refresh (0 disables).
	PrefetchThreshold int

	// PrefetchKey refreshes a signer zone's DNSKEY material in the
	// background when its cached key entry nears expiry, so validation
	// never stalls on a synchronous key fetch (prefetch-key).
	PrefetchKey bool

	Exchanger Exchanger
	Now       func() time.Time
}

// Worker owns the shared de-duplication state and drives queries through
// the module pipeline. Many goroutines may call Resolve concurrently; the
// caches and the lookup queue are the only shared mutable state.
type Worker struct {
	env *Env

	lq          *lqueue.LQueue
	inflight    singleflight.Group
	outstanding atomic.Int64
}

// NewWorker returns a worker over env.
func NewWorker(env *Env) *Worker {
	if env.Now == nil {
		env.Now = time.Now
	}
	return &Worker{env: env, lq: lqueue.New()}
}

// Resolve answers one question through the full module pipeline, serving
// from and populating the shared caches.
func (w *Worker) Resolve(ctx context.Context, q dnsmsg.QueryInfo) (*dnsmsg.ReplyInfo, error) {
	if w.env.MaxOutstanding > 0 && w.outstanding.Load() >= w.env.MaxOutstanding {
		return nil, ErrSaturated
	}
	w.outstanding.Add(1)
	defer w.outstanding.Add(-1)

	return w.resolve(ctx, q, 0)
}

// resolve is the de-duplicated inner entry point shared by client queries
// and sub-queries.
func (w *Worker) resolve(ctx context.Context, q dnsmsg.QueryInfo, depth int) (*dnsmsg.ReplyInfo, error) {
	if depth > maxSubqueryDepth {
		return nil, ErrBudgetExceeded
	}

	key := msgcache.Key(q.Qname, q.Qtype, q.Qclass, q.CD)

	if entry, ok := w.env.Msg.Get(key, w.env.Now()); ok {
		w.maybePrefetch(q, entry)
		return entry.Reply, nil
	}

	// at most one resolution per fingerprint at a time: later arrivals wait
	// for the first and then read its cached result.
	if ch := w.lq.Get(key); ch != nil {
		w.lq.Wait(key)
		if entry, ok := w.env.Msg.Get(key, w.env.Now()); ok {
			return entry.Reply, nil
		}
		// the first resolver failed; fall through and try ourselves
	}

	w.lq.Add(key)
	defer w.lq.Done(key)

	reply, err := w.runPipeline(ctx, q, depth)
	if err != nil {
		return nil, err
	}

	w.store(key, q, reply)
	return reply, nil
}

// runPipeline drives the iterator and then the validator for one question.
func (w *Worker) runPipeline(ctx context.Context, q dnsmsg.QueryInfo, depth int) (*dnsmsg.ReplyInfo, error) {
	reply, err := w.runIterator(ctx, q, depth)
	if err != nil {
		return nil, err
	}

	if err := w.runValidator(ctx, q, reply, depth); err != nil {
		return nil, err
	}
	return reply, nil
}

func (w *Worker) iterEnv() *iterator.Env {
	return &iterator.Env{
		Msg:          w.env.Msg,
		RR:           w.env.RR,
		Infra:        w.env.Infra,
		Now:          w.env.Now,
		Config:       w.env.IterConfig,
		RootHints:    w.env.RootHints,
		StubZones:    w.env.StubZones,
		ForwardZones: w.env.ForwardZones,
	}
}

// runIterator loops the iterator state machine to a terminal state,
// performing the outbound exchanges and sub-queries it suspends on.
func (w *Worker) runIterator(ctx context.Context, q dnsmsg.QueryInfo, depth int) (*dnsmsg.ReplyInfo, error) {
	env := w.iterEnv()
	qs := iterator.NewQState(q)
	qs.Depth = depth

	ev := iterator.EventNewQuery
	var in iterator.Incoming

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, outbound, subs := iterator.Operate(env, qs, ev, in)
		in = iterator.Incoming{}

		switch result {
		case iterator.ResultWaitReply:
			reply, err := w.exchange(ctx, outbound, qs.DP.Zone)
			if errors.Is(err, ErrPolicyDenied) {
				return nil, err
			}
			if err != nil {
				ev = iterator.EventTimeout
				in.Reply = nil
				continue
			}
			ev = iterator.EventQueryResponse
			in.Reply = reply

		case iterator.ResultWaitSubquery:
			ev, in = w.runSubqueries(ctx, subs, depth)

		case iterator.ResultWaitModule:
			// nothing to wait on in the blocking rendering: every target is
			// either probed or exhausted by the time Operate returns
			return nil, ErrBudgetExceeded

		case iterator.ResultError:
			return nil, qs.Err

		case iterator.ResultFinished:
			return qs.Response, nil
		}
	}
}

// runSubqueries resolves the iterator's dependent lookups and folds the
// results into the next event. Target-address fetches recurse through the
// pipeline; priming goes straight to the configured seed addresses. The
// iterator consumes one event per call, so all dispatched address fetches
// are merged into a single delivery.
func (w *Worker) runSubqueries(ctx context.Context, subs []iterator.Subquery, depth int) (iterator.Event, iterator.Incoming) {
	if len(subs) == 0 {
		return iterator.EventError, iterator.Incoming{SubErr: ErrBudgetExceeded}
	}

	if subs[0].Kind == iterator.SubqueryPrimeRoot || subs[0].Kind == iterator.SubqueryPrimeStub {
		ns, glue, err := w.prime(ctx, subs[0])
		return iterator.EventSubqueryDone, iterator.Incoming{
			SubqueryName: subs[0].Qname,
			SubqueryKind: subs[0].Kind,
			NS:           ns,
			Glue:         glue,
			SubErr:       err,
		}
	}

	var addrs []dns.RR
	for _, sub := range subs {
		addrs = append(addrs, w.fetchTargetAddrs(ctx, sub, depth)...)
	}
	return iterator.EventSubqueryDone, iterator.Incoming{
		SubqueryName: subs[0].Qname,
		SubqueryKind: iterator.SubqueryTargetAddr,
		Addrs:        addrs,
	}
}

// fetchTargetAddrs resolves the missing A and AAAA records of one NS name,
// both families in parallel since neither depends on the other.
func (w *Worker) fetchTargetAddrs(ctx context.Context, sub iterator.Subquery, depth int) []dns.RR {
	var (
		mu    sync.Mutex
		addrs []dns.RR
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		g.Go(func() error {
			reply, err := w.resolve(gctx, dnsmsg.QueryInfo{
				Qname:  sub.Qname,
				Qtype:  qtype,
				Qclass: sub.Qclass,
			}, depth+1)
			if err != nil {
				// one missing family is not fatal; the other may resolve
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, set := range reply.Answer {
				for _, rr := range set.RRs {
					switch rr.Header().Rrtype {
					case dns.TypeA, dns.TypeAAAA:
						addrs = append(addrs, rr)
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return addrs
}

// prime fetches the NS set of the root (or a stub apex) directly from its
// seed addresses, because priming by definition can't recurse.
func (w *Worker) prime(ctx context.Context, sub iterator.Subquery) (ns, glue []dns.RR, err error) {
	seeds := w.env.RootHints
	if sub.Kind == iterator.SubqueryPrimeStub {
		seeds = w.env.StubZones[sub.Qname]
	}
	if len(seeds) == 0 {
		return nil, nil, iterator.ErrPrimeFailed
	}

	m := new(dns.Msg)
	m.SetQuestion(sub.Qname, dns.TypeNS)
	m.Question[0].Qclass = sub.Qclass
	m.RecursionDesired = false
	m.SetEdns0(4096, true)

	for _, seed := range seeds {
		reply, rtt, xerr := w.env.Exchanger.Exchange(ctx, m, seed, "udp", minExchangeTimeout*4)
		if xerr != nil || reply == nil {
			err = xerr
			continue
		}
		w.recordRTT(sub.Qname, seed, rtt)

		for _, rr := range append(reply.Answer, reply.Ns...) {
			if rr.Header().Rrtype == dns.TypeNS {
				ns = append(ns, rr)
			}
		}
		for _, rr := range reply.Extra {
			switch rr.Header().Rrtype {
			case dns.TypeA, dns.TypeAAAA:
				glue = append(glue, rr)
			}
		}
		if len(ns) > 0 {
			return ns, glue, nil
		}
	}

	if err == nil {
		err = iterator.ErrPrimeFailed
	}
	return nil, nil, err
}

// runValidator drives the validator over the iterator's finished reply,
// resolving the DS/DNSKEY sub-queries it suspends on.
func (w *Worker) runValidator(ctx context.Context, q dnsmsg.QueryInfo, reply *dnsmsg.ReplyInfo, depth int) error {
	if w.env.Anchors == nil || w.env.Key == nil {
		return nil
	}

	venv := &validator.Env{
		Key:     w.env.Key,
		Anchors: w.env.Anchors,
		Now:     w.env.Now,
		Config:  w.env.ValConfig,
	}

	vs := validator.NewVState(q, reply)
	ev := validator.EventNewQuery
	var in validator.Incoming

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, subs := validator.Operate(venv, vs, ev, in)
		in = validator.Incoming{}

		switch result {
		case validator.ResultWaitSubquery:
			sub := subs[0]
			msg, err := w.resolveKeyFetch(ctx, sub, depth)
			ev = validator.EventSubqueryDone
			in = validator.Incoming{Qname: sub.Qname, Qtype: sub.Qtype, Msg: msg, SubErr: err}

		case validator.ResultWaitModule:
			return ErrBudgetExceeded

		case validator.ResultError:
			return vs.Err

		case validator.ResultFinished:
			w.maybePrefetchKey(vs)
			return nil
		}
	}
}

// keyPrefetchWindow is how close to expiry a validated key entry may get
// before a background DNSKEY refresh is dispatched.
const keyPrefetchWindow = 2 * time.Minute

func (w *Worker) maybePrefetchKey(vs *validator.VState) {
	if !w.env.PrefetchKey || vs.SignerName == "" {
		return
	}

	now := w.env.Now()
	entry, ok := w.env.Key.Get(vs.SignerName, now)
	if !ok || entry.Status != validator.KeyValidated {
		return
	}
	if entry.Expires.Sub(now) > keyPrefetchWindow {
		return
	}

	zone := vs.SignerName
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		w.env.Msg.Remove(msgcache.Key(zone, dns.TypeDNSKEY, dns.ClassINET, true))
		if _, err := w.resolveKeyFetch(ctx, validator.Subquery{Qname: zone, Qtype: dns.TypeDNSKEY, Qclass: dns.ClassINET}, 0); err != nil {
			zlog.Debug("Key prefetch failed", "zone", zone, "error", err.Error())
		}
	}()
}

// resolveKeyFetch runs a DS or DNSKEY sub-query through the pipeline and
// renders the reply as a wire message for the validator's chain walk. The
// fetch itself runs with CD semantics (it IS the validation) so the
// validator isn't re-entered recursively for its own key material.
func (w *Worker) resolveKeyFetch(ctx context.Context, sub validator.Subquery, depth int) (*dns.Msg, error) {
	q := dnsmsg.QueryInfo{Qname: sub.Qname, Qtype: sub.Qtype, Qclass: sub.Qclass, CD: true}

	reply, err := w.resolve(ctx, q, depth+1)
	if err != nil {
		return nil, err
	}

	req := new(dns.Msg)
	req.SetQuestion(sub.Qname, sub.Qtype)
	req.Question[0].Qclass = sub.Qclass
	msg := reply.ToMsg(req, w.env.Now())

	if sub.Qname == "." && sub.Qtype == dns.TypeDNSKEY {
		w.refreshRootAnchor(msg)
	}
	return msg, nil
}

// refreshRootAnchor feeds a freshly fetched root DNSKEY set through the
// RFC 5011 rollover state machine: verify it against the currently trusted
// KSKs, apply the hold-down transitions, and persist any state change back
// to the auto-trust-anchor file.
func (w *Worker) refreshRootAnchor(msg *dns.Msg) {
	if w.env.Anchor == nil {
		return
	}

	if err := anchor.VerifyFetched(w.env.Anchor.Valid(), msg.Answer); err != nil {
		zlog.Warn("Root trust anchor refresh rejected", "error", err.Error())
		return
	}

	events := w.env.Anchor.Refresh(msg.Answer, w.env.Now())
	for _, ev := range events {
		zlog.Info("Root trust anchor state change", "keytag", ev.KeyTag, "from", ev.From.String(), "to", ev.To.String())
	}
	if len(events) > 0 {
		if err := w.env.Anchor.Save(); err != nil {
			zlog.Warn("Root trust anchor state not saved", "error", err.Error())
		}
	}
}

// exchange sends one outbound query, enforcing the do-not-query policy, the
// per-(question,target) single-flight guarantee, and the RTT-derived
// timeout, and folds the observed RTT or failure into the infra cache.
func (w *Worker) exchange(ctx context.Context, ob *iterator.Outbound, zone string) (*dns.Msg, error) {
	if w.denied(ob.Target) {
		return nil, ErrPolicyDenied
	}

	q := ob.Query.Question[0]
	flightKey := strings.ToLower(q.Name) + "|" + dns.TypeToString[q.Qtype] + "|" + ob.Target

	infraKey := infra.Key(zone, ob.Target)
	entry := w.env.Infra.GetOrCreate(infraKey)
	timeout := exchangeTimeout(entry)

	v, err, _ := w.inflight.Do(flightKey, func() (any, error) {
		reply, rtt, err := w.env.Exchanger.Exchange(ctx, ob.Query, ob.Target, ob.Proto, timeout)
		if err != nil {
			return nil, err
		}
		w.recordRTT(zone, ob.Target, rtt)
		if reply != nil && reply.IsEdns0() != nil {
			entry.SetEDNS(infra.EDNSSupported)
		}
		return reply, nil
	})
	if err != nil {
		zlog.Debug("Outbound exchange failed", "target", ob.Target, "query", q.Name, "error", err.Error())
		return nil, err
	}
	return v.(*dns.Msg), nil
}

func (w *Worker) recordRTT(zone, target string, rtt time.Duration) {
	w.env.Infra.GetOrCreate(infra.Key(zone, target)).UpdateRTT(rtt)
}

// exchangeTimeout derives the outbound timeout from the target's measured
// RTT, bounded by the seed value below and the hard cap above.
func exchangeTimeout(entry *infra.Entry) time.Duration {
	rtt := entry.RTT()
	if rtt == 0 {
		return minExchangeTimeout
	}
	t := rtt * 3
	if t < minExchangeTimeout {
		t = minExchangeTimeout
	}
	if t > maxExchangeTimeout {
		t = maxExchangeTimeout
	}
	return t
}

// denied applies do-not-query-address prefixes.
func (w *Worker) denied(target string) bool {
	for _, prefix := range w.env.DoNotQuery {
		if strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}

// store writes a finished reply through to the message cache, capturing the
// (key, version) back-reference of every constituent rrset so the entry
// invalidates itself when any of them is superseded.
func (w *Worker) store(key uint64, q dnsmsg.QueryInfo, reply *dnsmsg.ReplyInfo) {
	if reply == nil {
		return
	}
	now := w.env.Now()
	if reply.Expired(now) {
		return
	}

	var refs []msgcache.Ref
	for _, section := range [][]*dnsmsg.PackedRRset{reply.Answer, reply.Authority, reply.Additional} {
		for _, set := range section {
			if len(set.RRs) == 0 {
				continue
			}
			hdr := set.RRs[0].Header()
			rkey := rrcache.Key(hdr.Name, hdr.Rrtype, hdr.Class, q.CD)
			refs = append(refs, msgcache.Ref{Key: rkey, Version: w.env.RR.CurrentVersion(rkey)})
		}
	}

	entry := msgcache.NewEntry(reply, refs, reply.TTL(now), 0)
	w.env.Msg.Set(key, entry)
}

// Purge drops the cached reply and rrsets for a question in both CD states,
// serving the CHAOS-channel purge control the API exposes.
func (w *Worker) Purge(qname string, qtype uint16) {
	qname = dns.CanonicalName(qname)
	for _, cd := range []bool{false, true} {
		w.env.Msg.Remove(msgcache.Key(qname, qtype, dns.ClassINET, cd))
		w.env.RR.Remove(rrcache.Key(qname, qtype, dns.ClassINET, cd))
	}
}

// maybePrefetch refreshes a hot entry nearing expiry in the background, so
// the TTL cliff never lands on a client query.
func (w *Worker) maybePrefetch(q dnsmsg.QueryInfo, entry *msgcache.Entry) {
	if w.env.PrefetchThreshold <= 0 {
		return
	}
	if !entry.ShouldPrefetch(w.env.Now(), w.env.PrefetchThreshold) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		key := msgcache.Key(q.Qname, q.Qtype, q.Qclass, q.CD)
		w.env.Msg.Remove(key)
		if _, err := w.resolve(ctx, q, 0); err != nil {
			zlog.Debug("Prefetch failed", "query", q.Qname, "error", err.Error())
		}
	}()
}
