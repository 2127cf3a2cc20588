// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"net"

	"golang.org/x/net/ipv4"
)

// MulticastSend opens a send-only connection towards the multicast
// group named by the remote endpoint.
//
// The connection uses the UDP stack regardless of selection
// preferences: multicast has no reliable or connection-oriented
// rendition. Receives on the returned connection never yield data.
func (p *Preconnection) MulticastSend(ctx context.Context) (*Connection, error) {
	group, err := p.multicastGroup(p.remotes)
	if err != nil {
		return nil, err
	}
	conn, err := p.cfg.Dialer.DialContext(ctx, "udp", group.String())
	if err != nil {
		return nil, &EstablishmentError{Reason: "multicast dial failed", Attempts: []error{err}}
	}
	if limit := group.HopLimit(); limit > 0 {
		setHopLimit(conn, int(limit))
	}
	observed, _ := NewObserveConnFunc(p.cfg, p.logger).Call(ctx, conn)
	return newConnection(connConfig{
		cfg:       p.cfg,
		framers:   p.framers.clone(),
		logger:    p.spanLogger(),
		props:     p.ConnectionProperties,
		ready:     true,
		selection: p.SelectionProperties,
		stack:     StackUDP,
		transport: observed,
	}), nil
}

// MulticastReceive joins the multicast group named by the local
// endpoint and returns a receive-only connection yielding one message
// per datagram.
func (p *Preconnection) MulticastReceive(ctx context.Context) (*Connection, error) {
	group, err := p.multicastGroup(p.locals)
	if err != nil {
		return nil, err
	}
	var iface *net.Interface
	if name := group.Interface(); name != "" {
		iface, err = net.InterfaceByName(name)
		if err != nil {
			return nil, &EstablishmentError{Reason: "unknown interface", Attempts: []error{err}}
		}
	}
	addr, _ := group.IPAddress()
	udpConn, err := net.ListenMulticastUDP("udp", iface, &net.UDPAddr{
		IP:   addr.AsSlice(),
		Port: int(group.Port()),
	})
	if err != nil {
		return nil, &EstablishmentError{Reason: "multicast join failed", Attempts: []error{err}}
	}
	observed, _ := NewObserveConnFunc(p.cfg, p.logger).Call(ctx, udpConn)
	return newConnection(connConfig{
		cfg:       p.cfg,
		framers:   p.framers.clone(),
		logger:    p.spanLogger(),
		props:     p.ConnectionProperties,
		ready:     false,
		selection: p.SelectionProperties,
		stack:     StackUDP,
		transport: observed,
	}), nil
}

// multicastGroup extracts the single multicast group endpoint.
func (p *Preconnection) multicastGroup(endpoints []Endpoint) (Endpoint, error) {
	for _, endpoint := range endpoints {
		if endpoint.IsMulticast() {
			return endpoint, nil
		}
	}
	return NewEndpoint(), &EstablishmentError{Reason: "no multicast group endpoint"}
}

// setHopLimit applies the endpoint's hop limit to a UDP socket.
func setHopLimit(conn net.Conn, limit int) {
	if udp, ok := conn.(*net.UDPConn); ok {
		ipv4.NewConn(udp).SetTTL(limit)
	}
}
