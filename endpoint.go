// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"fmt"
	"net/netip"
)

// EndpointKind tags the identifier carried by an [Endpoint].
type EndpointKind int

const (
	// EndpointKindNone is the zero value and identifies an endpoint
	// without an identifier (e.g., an ephemeral local endpoint).
	EndpointKindNone = EndpointKind(iota)

	// EndpointKindHost identifies an endpoint by hostname.
	EndpointKindHost

	// EndpointKindIP identifies an endpoint by IP address.
	EndpointKindIP

	// EndpointKindMulticastGroup identifies an endpoint by multicast
	// group address.
	EndpointKindMulticastGroup
)

// String implements [fmt.Stringer].
func (k EndpointKind) String() string {
	switch k {
	case EndpointKindHost:
		return "host"
	case EndpointKindIP:
		return "ip"
	case EndpointKindMulticastGroup:
		return "multicastGroup"
	default:
		return "none"
	}
}

// Endpoint identifies a local or remote endpoint.
//
// An endpoint carries exactly one identifier kind (hostname, IP address,
// or multicast group) plus optional qualifiers (port, service name,
// interface, hop limit). Multiple equivalent addresses require multiple
// endpoints: the candidate tree builder expands each endpoint separately.
//
// Endpoints are immutable values. The With* constructors return copies,
// so a partially-built endpoint may be reused as a template.
//
// The zero value identifies nothing and is valid only as a local
// endpoint, where it means "any address, ephemeral port".
type Endpoint struct {
	// kind tags which identifier is set.
	kind EndpointKind

	// hostname is set when kind is [EndpointKindHost].
	hostname string

	// addr is set when kind is [EndpointKindIP] or [EndpointKindMulticastGroup].
	addr netip.Addr

	// port is the transport port, zero meaning unset or ephemeral.
	port uint16

	// service is the service name to resolve into a port when port is zero.
	service string

	// iface is the name of the local interface to bind or join on.
	iface string

	// hopLimit is the IP hop limit (TTL), zero meaning the system default.
	hopLimit uint8
}

// NewEndpoint returns an empty [Endpoint].
func NewEndpoint() Endpoint {
	return Endpoint{}
}

// WithHostname returns a copy identifying the endpoint by hostname.
func (e Endpoint) WithHostname(hostname string) Endpoint {
	e.kind = EndpointKindHost
	e.hostname = hostname
	e.addr = netip.Addr{}
	return e
}

// WithIPAddress returns a copy identifying the endpoint by IP address.
func (e Endpoint) WithIPAddress(addr netip.Addr) Endpoint {
	e.kind = EndpointKindIP
	e.addr = addr
	e.hostname = ""
	return e
}

// WithMulticastGroup returns a copy identifying the endpoint by
// multicast group address.
func (e Endpoint) WithMulticastGroup(group netip.Addr) Endpoint {
	e.kind = EndpointKindMulticastGroup
	e.addr = group
	e.hostname = ""
	return e
}

// WithPort returns a copy with the given port.
func (e Endpoint) WithPort(port uint16) Endpoint {
	e.port = port
	return e
}

// WithService returns a copy with the given service name. The service
// name resolves into a port during candidate gathering when no explicit
// port is set.
func (e Endpoint) WithService(service string) Endpoint {
	e.service = service
	return e
}

// WithInterface returns a copy bound to the given local interface name.
func (e Endpoint) WithInterface(iface string) Endpoint {
	e.iface = iface
	return e
}

// WithHopLimit returns a copy with the given IP hop limit.
func (e Endpoint) WithHopLimit(limit uint8) Endpoint {
	e.hopLimit = limit
	return e
}

// Kind returns the identifier kind.
func (e Endpoint) Kind() EndpointKind {
	return e.kind
}

// Hostname returns the hostname and whether one is set.
func (e Endpoint) Hostname() (string, bool) {
	return e.hostname, e.kind == EndpointKindHost
}

// IPAddress returns the IP address and whether one is set.
func (e Endpoint) IPAddress() (netip.Addr, bool) {
	return e.addr, e.kind == EndpointKindIP || e.kind == EndpointKindMulticastGroup
}

// Port returns the port, zero meaning unset or ephemeral.
func (e Endpoint) Port() uint16 {
	return e.port
}

// Service returns the service name, empty meaning unset.
func (e Endpoint) Service() string {
	return e.service
}

// Interface returns the interface name, empty meaning unset.
func (e Endpoint) Interface() string {
	return e.iface
}

// HopLimit returns the hop limit, zero meaning the system default.
func (e Endpoint) HopLimit() uint8 {
	return e.hopLimit
}

// IsMulticast returns whether this endpoint names a multicast group.
func (e Endpoint) IsMulticast() bool {
	return e.kind == EndpointKindMulticastGroup
}

// String implements [fmt.Stringer].
func (e Endpoint) String() string {
	switch e.kind {
	case EndpointKindHost:
		return fmt.Sprintf("%s:%d", e.hostname, e.port)
	case EndpointKindIP, EndpointKindMulticastGroup:
		return netip.AddrPortFrom(e.addr, e.port).String()
	default:
		return fmt.Sprintf(":%d", e.port)
	}
}

// endpointFromAddrPort builds an IP endpoint from a resolved address.
func endpointFromAddrPort(ap netip.AddrPort) Endpoint {
	return NewEndpoint().WithIPAddress(ap.Addr()).WithPort(ap.Port())
}
