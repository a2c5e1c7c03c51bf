package pipeline

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
)

// NetExchanger is the production Exchanger: one dns.Client per protocol,
// with the timeout supplied per call since it varies by target RTT.
type NetExchanger struct {
	// LocalAddrs optionally pins outbound sockets to specific source
	// addresses (outgoing-interface); empty means the kernel chooses.
	LocalAddrs []string

	// UDPSize is the EDNS0 buffer advertised upstream.
	UDPSize uint16
}

// NewNetExchanger returns an exchanger advertising udpSize upstream.
func NewNetExchanger(udpSize uint16) *NetExchanger {
	if udpSize == 0 {
		udpSize = 1232
	}
	return &NetExchanger{UDPSize: udpSize}
}

// Exchange implements Exchanger over real sockets.
func (e *NetExchanger) Exchange(ctx context.Context, m *dns.Msg, target, proto string, timeout time.Duration) (*dns.Msg, time.Duration, error) {
	c := &dns.Client{
		Net:     proto,
		UDPSize: e.UDPSize,
		Dialer: &net.Dialer{
			Timeout: timeout,
		},
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	if len(e.LocalAddrs) > 0 {
		ip := net.ParseIP(e.LocalAddrs[int(m.Id)%len(e.LocalAddrs)])
		if proto == "tcp" {
			c.Dialer.LocalAddr = &net.TCPAddr{IP: ip}
		} else {
			c.Dialer.LocalAddr = &net.UDPAddr{IP: ip}
		}
	}

	reply, rtt, err := c.ExchangeContext(ctx, m, target)
	if err != nil {
		return nil, rtt, err
	}
	if reply.Id != m.Id {
		return nil, rtt, dns.ErrId
	}
	return reply, rtt, nil
}
