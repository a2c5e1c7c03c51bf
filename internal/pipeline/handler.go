package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/recursord/internal/dnsmsg"
	"github.com/semihalev/recursord/internal/validator"
	"github.com/semihalev/recursord/middleware"
	"github.com/semihalev/recursord/util"
	"github.com/semihalev/zlog/v2"
)

// queryDeadline bounds one client query end to end, covering every referral,
// retry and sub-query beneath it.
const queryDeadline = 30 * time.Second

// Handler bridges the module pipeline into the middleware chain as its
// terminal element, the way the teacher's resolver handler terminates its
// chain.
type Handler struct {
	worker *Worker
}

// NewHandler returns the chain-terminal resolver handler over worker.
func NewHandler(worker *Worker) *Handler {
	return &Handler{worker: worker}
}

// Name return middleware name
func (h *Handler) Name() string { return name }

// ServeDNS implements the middleware Handler interface.
func (h *Handler) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	if len(req.Question) == 0 {
		ch.CancelWithRcode(dns.RcodeFormatError, false)
		return
	}

	q := req.Question[0]
	do := false
	if opt := req.IsEdns0(); opt != nil {
		do = opt.Do()
	}

	if q.Qtype == dns.TypeANY {
		_ = w.WriteMsg(util.SetRcode(req, dns.RcodeNotImplemented, do))
		ch.Cancel()
		return
	}

	// cache purge over the CHAOS control channel
	if q.Qclass == dns.ClassCHAOS && q.Qtype == dns.TypeNULL {
		if qname, qtype, ok := util.ParsePurgeQuestion(req); ok {
			h.worker.Purge(qname, qtype)

			resp := util.SetRcode(req, dns.RcodeSuccess, do)
			txt, _ := dns.NewRR(q.Name + ` 20 IN TXT "cache purged"`)
			resp.Extra = append(resp.Extra, txt)

			_ = w.WriteMsg(resp)
			ch.Cancel()
			return
		}
	}

	if q.Name != "." && !req.RecursionDesired {
		_ = w.WriteMsg(util.SetRcode(req, dns.RcodeServerFailure, do))
		ch.Cancel()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, queryDeadline)
	defer cancel()

	qinfo := dnsmsg.NewQueryInfo(req)
	reply, err := h.worker.Resolve(ctx, qinfo)
	if err != nil {
		zlog.Info("Resolve query failed", "query", q.Name, "qtype", dns.TypeToString[q.Qtype], "error", err.Error())
		edeCode, edeText := edeFor(err)
		_ = w.WriteMsg(util.SetRcodeWithEDE(req, rcodeFor(err), do, edeCode, edeText))
		ch.Cancel()
		return
	}

	msg := reply.ToMsg(req, h.worker.env.Now())
	msg.RecursionAvailable = true
	if !do {
		msg = util.ClearDNSSEC(msg)
	}

	_ = w.WriteMsg(msg)
	ch.Cancel()
}

// rcodeFor converts a terminal pipeline error into the client-facing RCODE
// per the error-kind table: policy denials REFUSE, everything else fails
// over to SERVFAIL.
func rcodeFor(err error) int {
	switch {
	case errors.Is(err, ErrPolicyDenied):
		return dns.RcodeRefused
	default:
		return dns.RcodeServerFailure
	}
}

// edeFor picks the Extended DNS Error carried alongside a SERVFAIL.
func edeFor(err error) (uint16, string) {
	switch {
	case errors.Is(err, validator.ErrBogus):
		return dns.ExtendedErrorCodeDNSSECBogus, "validation failed"
	case errors.Is(err, ErrBudgetExceeded):
		return dns.ExtendedErrorCodeOther, "query budget exceeded"
	default:
		return util.ErrorToEDE(err)
	}
}

const name = "resolver"
