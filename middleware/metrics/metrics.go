package metrics

import (
	"context"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/recursord/config"
	"github.com/semihalev/recursord/middleware"
)

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// CacheEvents counts slab cache hits, misses and evictions, labelled by cache name
// (msgcache, rrcache, infra). internal/slab increments this directly.
var CacheEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dns_cache_events_total",
		Help: "Cache hits, misses and evictions by cache and event",
	},
	[]string{"cache", "event"},
)

// ValidationResults counts DNSSEC validation outcomes. internal/validator increments
// this directly.
var ValidationResults = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dns_validation_results_total",
		Help: "DNSSEC validation outcomes by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(CacheEvents, ValidationResults)
}

// Metrics type
type Metrics struct {
	queries *prometheus.CounterVec
}

// New return new metrics
func New(cfg *config.Config) *Metrics {
	m := &Metrics{
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_queries_total",
				Help: "How many DNS queries processed",
			},
			[]string{"qtype", "rcode"},
		),
	}
	prometheus.MustRegister(m.queries)

	return m
}

// Name return middleware name
func (m *Metrics) Name() string { return name }

// ServeDNS implements the Handle interface.
func (m *Metrics) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	ch.Next(ctx)

	if !ch.Writer.Written() {
		return
	}

	m.queries.With(
		prometheus.Labels{
			"qtype": dns.TypeToString[ch.Request.Question[0].Qtype],
			"rcode": dns.RcodeToString[ch.Writer.Rcode()],
		}).Inc()
}

const name = "metrics"
