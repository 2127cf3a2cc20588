// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves hostnames into IP addresses and service names into
// ports during candidate gathering.
//
// Implementations must return addresses in the order candidates should
// be attempted; [InterleaveAddrs] provides the Happy Eyeballs v2
// ordering (IPv6 first, then families interleaved).
type Resolver interface {
	// ResolveHost resolves a hostname into IP addresses.
	ResolveHost(ctx context.Context, hostname string) ([]netip.Addr, error)

	// ResolveService resolves a service name into a port.
	ResolveService(ctx context.Context, service string) (uint16, error)
}

// InterleaveAddrs orders addresses per Happy Eyeballs v2: the first
// address is IPv6 when any is available, and the two families alternate
// afterwards so that a broken path for one family delays establishment
// by at most one stagger interval.
func InterleaveAddrs(addrs []netip.Addr) []netip.Addr {
	var v6, v4 []netip.Addr
	for _, addr := range addrs {
		if addr.Is4() || addr.Is4In6() {
			v4 = append(v4, addr)
			continue
		}
		v6 = append(v6, addr)
	}
	out := make([]netip.Addr, 0, len(addrs))
	for len(v6) > 0 || len(v4) > 0 {
		if len(v6) > 0 {
			out = append(out, v6[0])
			v6 = v6[1:]
		}
		if len(v4) > 0 {
			out = append(out, v4[0])
			v4 = v4[1:]
		}
	}
	return out
}

// NewStdlibResolver returns a [Resolver] backed by [*net.Resolver].
//
// The system resolver honors /etc/hosts, nsswitch policy, and the
// platform service database, which a pure DNS client cannot, so it is
// the [NewConfig] default. Use [NewDNSResolver] to resolve through a
// specific DNS server instead.
func NewStdlibResolver() *StdlibResolver {
	return &StdlibResolver{Resolver: &net.Resolver{}}
}

// StdlibResolver implements [Resolver] using [*net.Resolver].
type StdlibResolver struct {
	// Resolver is the underlying [*net.Resolver].
	Resolver *net.Resolver
}

var _ Resolver = &StdlibResolver{}

// ResolveHost implements [Resolver].
func (r *StdlibResolver) ResolveHost(ctx context.Context, hostname string) ([]netip.Addr, error) {
	addrs, err := r.Resolver.LookupNetIP(ctx, "ip", hostname)
	if err != nil {
		return nil, err
	}
	return InterleaveAddrs(addrs), nil
}

// ResolveService implements [Resolver].
func (r *StdlibResolver) ResolveService(ctx context.Context, service string) (uint16, error) {
	port, err := net.LookupPort("tcp", service)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}

// DNSExchanger abstracts [*dns.Client] exchanges so that tests can fake
// DNS servers without sockets.
type DNSExchanger interface {
	ExchangeContext(ctx context.Context, msg *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// NewDNSResolver returns a [*DNSResolver] resolving through the given
// DNS server address (e.g., "8.8.8.8:53").
func NewDNSResolver(server string) *DNSResolver {
	return &DNSResolver{
		Client: &dns.Client{},
		Server: server,
	}
}

// DNSResolver implements [Resolver] with a DNS client querying a
// configured server directly.
//
// A and AAAA queries run for every ResolveHost call and the answers are
// interleaved with [InterleaveAddrs]. Service names resolve through the
// local service database, not DNS SRV.
//
// All fields are safe to modify after construction but before first use.
type DNSResolver struct {
	// Client is the [DNSExchanger] used for queries.
	//
	// Set by [NewDNSResolver] to [*dns.Client].
	Client DNSExchanger

	// Server is the "host:port" address of the DNS server.
	//
	// Set by [NewDNSResolver] to the user-provided value.
	Server string
}

var _ Resolver = &DNSResolver{}

// ResolveHost implements [Resolver].
func (r *DNSResolver) ResolveHost(ctx context.Context, hostname string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeAAAA, dns.TypeA} {
		query := new(dns.Msg)
		query.SetQuestion(dns.Fqdn(hostname), qtype)
		query.RecursionDesired = true
		resp, _, err := r.Client.ExchangeContext(ctx, query, r.Server)
		if err != nil {
			return nil, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("dns query failed: %s", dns.RcodeToString[resp.Rcode])
		}
		addrs = append(addrs, dnsAnswerAddrs(resp)...)
	}
	if len(addrs) < 1 {
		return nil, fmt.Errorf("no addresses for %s", hostname)
	}
	return InterleaveAddrs(addrs), nil
}

// ResolveService implements [Resolver].
func (r *DNSResolver) ResolveService(ctx context.Context, service string) (uint16, error) {
	port, err := net.LookupPort("tcp", service)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}

// dnsAnswerAddrs extracts addresses from A and AAAA answer records.
func dnsAnswerAddrs(resp *dns.Msg) (out []netip.Addr) {
	for _, rr := range resp.Answer {
		switch record := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(record.A.To4()); ok {
				out = append(out, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(record.AAAA); ok {
				out = append(out, addr)
			}
		}
	}
	return
}
