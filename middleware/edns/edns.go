package edns

import (
	"context"

	"github.com/miekg/dns"
	"github.com/semihalev/recursord/config"
	"github.com/semihalev/recursord/middleware"
	"github.com/semihalev/recursord/util"
)

// EDNS type
type EDNS struct {
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New return edns
func New(cfg *config.Config) *EDNS {
	return &EDNS{}
}

// Name return middleware name
func (e *EDNS) Name() string { return name }

// DNSResponseWriter wraps the chain's response writer to enforce EDNS0 framing
// on the way out.
type DNSResponseWriter struct {
	middleware.ResponseWriter
	opt    *dns.OPT
	size   int
	do     bool
	noedns bool
	noad   bool
}

// ServeDNS implements the Handle interface.
func (e *EDNS) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	noedns := req.IsEdns0() == nil

	opt, size, _, _, do := util.SetEdns0(req)
	if opt.Version() != 0 {
		opt.SetVersion(0)
		opt.SetExtendedRcode(dns.RcodeBadVers)

		_ = w.WriteMsg(util.SetRcode(req, dns.RcodeBadVers, do))

		ch.Cancel()
		return
	}

	if w.Proto() == "tcp" {
		size = dns.MaxMsgSize
	}

	ch.Writer = &DNSResponseWriter{ResponseWriter: w, opt: opt, size: size, do: do, noedns: noedns, noad: !req.AuthenticatedData}

	ch.Next(ctx)

	ch.Writer = w
}

// WriteMsg implements the middleware.ResponseWriter interface.
func (w *DNSResponseWriter) WriteMsg(m *dns.Msg) error {
	if !w.do {
		m = util.ClearDNSSEC(m)
	}
	m = util.ClearOPT(m)

	if !w.noedns {
		w.opt.SetDo(w.do)
		m.Extra = append(m.Extra, w.opt)
	}

	if w.noad {
		m.AuthenticatedData = false
	}

	if w.Proto() == "udp" && m.Len() > w.size {
		m.Truncated = true
		m.Answer = []dns.RR{}
		m.Ns = []dns.RR{}
		m.AuthenticatedData = false
	}

	return w.ResponseWriter.WriteMsg(m)
}

const name = "edns"
