package pipeline

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/recursord/internal/anchor"
	"github.com/semihalev/recursord/internal/dnsmsg"
	"github.com/semihalev/recursord/internal/infra"
	"github.com/semihalev/recursord/internal/iterator"
	"github.com/semihalev/recursord/internal/msgcache"
	"github.com/semihalev/recursord/internal/rrcache"
	"github.com/semihalev/recursord/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptExchanger answers outbound queries from a canned script keyed by
// (qname, qtype, target), recording every call.
type scriptExchanger struct {
	mu        sync.Mutex
	responses map[string]*dns.Msg
	calls     []string
}

func newScript() *scriptExchanger {
	return &scriptExchanger{responses: make(map[string]*dns.Msg)}
}

func scriptKey(qname string, qtype uint16, target string) string {
	return fmt.Sprintf("%s/%s@%s", qname, dns.TypeToString[qtype], target)
}

func (s *scriptExchanger) on(qname string, qtype uint16, target string, resp *dns.Msg) {
	s.responses[scriptKey(qname, qtype, target)] = resp
}

func (s *scriptExchanger) Exchange(_ context.Context, m *dns.Msg, target, proto string, _ time.Duration) (*dns.Msg, time.Duration, error) {
	q := m.Question[0]
	k := scriptKey(q.Name, q.Qtype, target)

	s.mu.Lock()
	s.calls = append(s.calls, k)
	resp, ok := s.responses[k]
	s.mu.Unlock()

	if !ok {
		return nil, 0, errors.New("unscripted query " + k)
	}

	out := resp.Copy()
	out.Id = m.Id
	return out, 10 * time.Millisecond, nil
}

func (s *scriptExchanger) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func testWorker(t *testing.T, script *scriptExchanger) *Worker {
	t.Helper()

	rr := rrcache.New(1<<20, 4)
	env := &Env{
		Msg:        msgcache.New(rr, 1<<20, 4),
		RR:         rr,
		Infra:      infra.New(4096, 4),
		IterConfig: iterator.DefaultConfig(),
		RootHints:  []string{"198.41.0.4:53"},
		Exchanger:  script,
		Now:        time.Now,
	}
	return NewWorker(env)
}

// primeScript registers the root priming response.
func primeScript(t *testing.T, script *scriptExchanger) {
	t.Helper()

	prime := new(dns.Msg)
	prime.SetQuestion(".", dns.TypeNS)
	prime.Answer = []dns.RR{mustRR(t, ". 518400 IN NS a.root-servers.net.")}
	prime.Extra = []dns.RR{mustRR(t, "a.root-servers.net. 518400 IN A 198.41.0.4")}
	script.on(".", dns.TypeNS, "198.41.0.4:53", prime)
}

func TestResolveFullReferralWalk(t *testing.T) {
	script := newScript()
	primeScript(t, script)

	// root refers to com.
	refCom := new(dns.Msg)
	refCom.SetQuestion("example.com.", dns.TypeA)
	refCom.Ns = []dns.RR{mustRR(t, "com. 172800 IN NS a.gtld-servers.net.")}
	refCom.Extra = []dns.RR{mustRR(t, "a.gtld-servers.net. 172800 IN A 192.5.6.30")}
	script.on("example.com.", dns.TypeA, "198.41.0.4:53", refCom)

	// com. refers to example.com.
	refExample := new(dns.Msg)
	refExample.SetQuestion("example.com.", dns.TypeA)
	refExample.Ns = []dns.RR{mustRR(t, "example.com. 86400 IN NS ns1.example.com.")}
	refExample.Extra = []dns.RR{mustRR(t, "ns1.example.com. 86400 IN A 93.184.216.1")}
	script.on("example.com.", dns.TypeA, "192.5.6.30:53", refExample)

	// example.com. answers authoritatively
	ans := new(dns.Msg)
	ans.SetQuestion("example.com.", dns.TypeA)
	ans.Authoritative = true
	ans.Answer = []dns.RR{mustRR(t, "example.com. 300 IN A 93.184.216.34")}
	script.on("example.com.", dns.TypeA, "93.184.216.1:53", ans)

	w := testWorker(t, script)
	q := dnsmsg.QueryInfo{Qname: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	reply, err := w.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Len(t, reply.Answer, 1)
	assert.Equal(t, dns.TypeA, reply.Answer[0].RRs[0].Header().Rrtype)

	// prime + root + com + example
	assert.Equal(t, 4, script.callCount())

	// an immediate repeat is served entirely from the message cache
	reply2, err := w.Resolve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, reply, reply2)
	assert.Equal(t, 4, script.callCount())
}

func TestResolveFollowsCNAME(t *testing.T) {
	script := newScript()
	primeScript(t, script)

	cname := new(dns.Msg)
	cname.SetQuestion("cname.example.", dns.TypeA)
	cname.Authoritative = true
	cname.Answer = []dns.RR{mustRR(t, "cname.example. 300 IN CNAME target.example.")}
	script.on("cname.example.", dns.TypeA, "198.41.0.4:53", cname)

	target := new(dns.Msg)
	target.SetQuestion("target.example.", dns.TypeA)
	target.Authoritative = true
	target.Answer = []dns.RR{mustRR(t, "target.example. 300 IN A 192.0.2.7")}
	script.on("target.example.", dns.TypeA, "198.41.0.4:53", target)

	w := testWorker(t, script)
	q := dnsmsg.QueryInfo{Qname: "cname.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	reply, err := w.Resolve(context.Background(), q)
	require.NoError(t, err)

	// the final answer carries both the CNAME and the target's A set
	require.Len(t, reply.Answer, 2)
	assert.Equal(t, dns.TypeCNAME, reply.Answer[0].RRs[0].Header().Rrtype)
	assert.Equal(t, dns.TypeA, reply.Answer[1].RRs[0].Header().Rrtype)
}

func TestResolveNXDOMAIN(t *testing.T) {
	script := newScript()
	primeScript(t, script)

	nx := new(dns.Msg)
	nx.SetQuestion("nope.example.", dns.TypeA)
	nx.Rcode = dns.RcodeNameError
	nx.Authoritative = true
	nx.Ns = []dns.RR{mustRR(t, "example. 900 IN SOA ns1.example. admin.example. 1 7200 900 1209600 900")}
	script.on("nope.example.", dns.TypeA, "198.41.0.4:53", nx)

	w := testWorker(t, script)
	q := dnsmsg.QueryInfo{Qname: "nope.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	reply, err := w.Resolve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, reply.Rcode)
	require.Len(t, reply.Authority, 1)
	assert.Equal(t, dns.TypeSOA, reply.Authority[0].RRs[0].Header().Rrtype)
}

func TestResolveExhaustedTargetsServfail(t *testing.T) {
	script := newScript()
	primeScript(t, script)
	// no response scripted for the query itself: every attempt errors

	w := testWorker(t, script)
	q := dnsmsg.QueryInfo{Qname: "dead.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	_, err := w.Resolve(context.Background(), q)
	assert.Error(t, err)
}

func TestResolvePolicyDenied(t *testing.T) {
	script := newScript()
	primeScript(t, script)

	w := testWorker(t, script)
	w.env.DoNotQuery = []string{"198.41."}

	q := dnsmsg.QueryInfo{Qname: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	_, err := w.Resolve(context.Background(), q)
	assert.Error(t, err)
}

func TestPrimeFailure(t *testing.T) {
	script := newScript() // nothing scripted: prime fails

	w := testWorker(t, script)
	q := dnsmsg.QueryInfo{Qname: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	_, err := w.Resolve(context.Background(), q)
	require.Error(t, err)
	assert.ErrorIs(t, err, iterator.ErrPrimeFailed)
}

func TestConcurrentResolvesDeduplicate(t *testing.T) {
	script := newScript()
	primeScript(t, script)

	ans := new(dns.Msg)
	ans.SetQuestion("host.example.", dns.TypeA)
	ans.Authoritative = true
	ans.Answer = []dns.RR{mustRR(t, "host.example. 300 IN A 192.0.2.9")}
	script.on("host.example.", dns.TypeA, "198.41.0.4:53", ans)

	w := testWorker(t, script)
	q := dnsmsg.QueryInfo{Qname: "host.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	// warm the root delegation so concurrent runs share it
	_, err := w.Resolve(context.Background(), q)
	require.NoError(t, err)
	before := script.callCount()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, rerr := w.Resolve(context.Background(), q)
			assert.NoError(t, rerr)
		}()
	}
	wg.Wait()

	// every concurrent repeat hit the message cache
	assert.Equal(t, before, script.callCount())
}

func TestKeyPrefetchNearExpiry(t *testing.T) {
	script := newScript()
	primeScript(t, script)

	dnskey := new(dns.Msg)
	dnskey.SetQuestion("example.com.", dns.TypeDNSKEY)
	dnskey.Authoritative = true
	dnskey.Answer = []dns.RR{mustRR(t, "example.com. 3600 IN DNSKEY 256 3 13 aGVsbG8=")}
	script.on("example.com.", dns.TypeDNSKEY, "198.41.0.4:53", dnskey)

	w := testWorker(t, script)
	w.env.Key = validator.NewKeyCache(1<<20, 4)
	w.env.PrefetchKey = true

	// a validated key entry about to expire triggers a background refresh
	w.env.Key.SetValidated("example.com.", nil, time.Now().Add(30*time.Second))

	vs := validator.NewVState(
		dnsmsg.QueryInfo{Qname: "www.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		dnsmsg.NewReplyInfo(dns.RcodeSuccess, dnsmsg.Flags{}, dnsmsg.SecuritySecure, time.Now(), nil, nil, nil),
	)
	vs.SignerName = "example.com."

	before := script.callCount()
	w.maybePrefetchKey(vs)

	// the background refresh primes the root and fetches the DNSKEY
	assert.Eventually(t, func() bool {
		return script.callCount() >= before+2
	}, 2*time.Second, 10*time.Millisecond, "a DNSKEY refresh should have been dispatched")

	// an entry with plenty of TTL left does not re-fire
	w.env.Key.SetValidated("example.com.", nil, time.Now().Add(time.Hour))
	settled := script.callCount()
	w.maybePrefetchKey(vs)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, script.callCount())
}

func TestRootAnchorRefresh(t *testing.T) {
	trusted := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: ".", Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 172800},
		Flags:     257,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}
	priv, err := trusted.Generate(256)
	require.NoError(t, err)

	incoming := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: ".", Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 172800},
		Flags:     257,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}
	_, err = incoming.Generate(256)
	require.NoError(t, err)

	now := time.Now()
	sig := &dns.RRSIG{
		Hdr:         dns.RR_Header{Name: ".", Rrtype: dns.TypeRRSIG, Class: dns.ClassINET, Ttl: 172800},
		TypeCovered: dns.TypeDNSKEY,
		Algorithm:   dns.ECDSAP256SHA256,
		Labels:      0,
		OrigTtl:     172800,
		Expiration:  uint32(now.Add(24 * time.Hour).Unix()),
		Inception:   uint32(now.Add(-time.Hour).Unix()),
		KeyTag:      trusted.KeyTag(),
		SignerName:  ".",
	}
	keyset := []dns.RR{trusted, incoming}
	require.NoError(t, sig.Sign(priv.(crypto.Signer), keyset))

	statePath := filepath.Join(t.TempDir(), "root.key")
	store := anchor.NewFromRootKeys(statePath, []dns.RR{trusted})

	msg := new(dns.Msg)
	msg.SetQuestion(".", dns.TypeDNSKEY)
	msg.Answer = append(keyset, sig)

	w := testWorker(t, newScript())
	w.env.Anchor = store
	w.refreshRootAnchor(msg)

	// the new KSK entered its add hold-down and the state file was written
	snap := store.Snapshot()
	entry := snap[incoming.KeyTag()]
	require.NotNil(t, entry)
	assert.Equal(t, anchor.StateAddPend, entry.State)

	_, err = os.Stat(statePath)
	assert.NoError(t, err)
}

func TestRootAnchorRefreshRejectsUnsigned(t *testing.T) {
	trusted := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: ".", Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 172800},
		Flags:     257,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}
	_, err := trusted.Generate(256)
	require.NoError(t, err)

	rogue := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: ".", Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 172800},
		Flags:     257,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}
	_, err = rogue.Generate(256)
	require.NoError(t, err)

	statePath := filepath.Join(t.TempDir(), "root.key")
	store := anchor.NewFromRootKeys(statePath, []dns.RR{trusted})

	// no RRSIG at all: the fetched set must not influence the store
	msg := new(dns.Msg)
	msg.SetQuestion(".", dns.TypeDNSKEY)
	msg.Answer = []dns.RR{rogue}

	w := testWorker(t, newScript())
	w.env.Anchor = store
	w.refreshRootAnchor(msg)

	snap := store.Snapshot()
	assert.Nil(t, snap[rogue.KeyTag()])
}

func TestExchangeTimeoutDerivation(t *testing.T) {
	e := infra.NewEntry()
	assert.Equal(t, minExchangeTimeout, exchangeTimeout(e))

	e.UpdateRTT(200 * time.Millisecond)
	assert.Equal(t, 600*time.Millisecond, exchangeTimeout(e))

	e2 := infra.NewEntry()
	e2.UpdateRTT(80 * time.Second)
	assert.Equal(t, maxExchangeTimeout, exchangeTimeout(e2))
}
