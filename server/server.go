package server

import (
	"context"
	"sync"

	"github.com/miekg/dns"

	"github.com/semihalev/recursord/config"
	"github.com/semihalev/recursord/middleware"
	"github.com/semihalev/zlog/v2"
)

// Server type
type Server struct {
	addr           string
	tlsAddr        string
	tlsCertificate string
	tlsPrivateKey  string

	chainPool sync.Pool
}

// New return new server
func New(cfg *config.Config) *Server {
	if cfg.Bind == "" {
		cfg.Bind = ":53"
	}

	server := &Server{
		addr:           cfg.Bind,
		tlsAddr:        cfg.BindTLS,
		tlsCertificate: cfg.TLSCertificate,
		tlsPrivateKey:  cfg.TLSPrivateKey,
	}

	server.chainPool.New = func() interface{} {
		return middleware.NewChain(middleware.Handlers())
	}

	return server
}

// ServeDNS implements the Handle interface.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	ch := s.chainPool.Get().(*middleware.Chain)

	ch.Reset(w, r)

	ch.Next(context.Background())

	s.chainPool.Put(ch)
}

// Run listen the services
func (s *Server) Run() {
	go s.ListenAndServeDNS("udp")
	go s.ListenAndServeDNS("tcp")
	go s.ListenAndServeDNSTLS()
}

// ListenAndServeDNS starts a server on address and network specified, invoking
// the handler for incoming queries.
func (s *Server) ListenAndServeDNS(network string) {
	zlog.Info("DNS server listening...", "net", network, "addr", s.addr)

	server := &dns.Server{
		Addr:          s.addr,
		Net:           network,
		Handler:       s,
		MaxTCPQueries: 2048,
		ReusePort:     true,
	}

	if err := server.ListenAndServe(); err != nil {
		zlog.Error("DNS listener failed", "net", network, "addr", s.addr, "error", err.Error())
	}
}

// ListenAndServeDNSTLS serves DNS over TLS with hot certificate reloading.
func (s *Server) ListenAndServeDNSTLS() {
	if s.tlsAddr == "" {
		return
	}

	cm, err := NewCertManager(s.tlsCertificate, s.tlsPrivateKey)
	if err != nil {
		zlog.Error("TLS certificate load failed", "addr", s.tlsAddr, "error", err.Error())
		return
	}
	defer cm.Stop()

	zlog.Info("DNS server listening...", "net", "tcp-tls", "addr", s.tlsAddr)

	server := &dns.Server{
		Addr:          s.tlsAddr,
		Net:           "tcp-tls",
		Handler:       s,
		TLSConfig:     cm.GetTLSConfig(),
		MaxTCPQueries: 2048,
	}

	if err := server.ListenAndServe(); err != nil {
		zlog.Error("DNS listener failed", "net", "tcp-tls", "addr", s.tlsAddr, "error", err.Error())
	}
}
