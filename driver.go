// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// TransportDriver establishes and accepts transport connections for the
// protocol stacks it supports.
//
// The core ships with [NewNetDriver] (TCP, TCP+TLS, UDP on the net
// package) and [NewQUICDriver]. Extension stacks (SCTP, L2CAP, ...)
// plug in by implementing this interface and registering the driver on
// the [Preconnection].
type TransportDriver interface {
	// Name returns the driver name used in logs.
	Name() string

	// Supports reports whether the driver can establish the stack.
	Supports(stack *ProtocolStack) bool

	// Connect establishes the candidate's stack towards its resolved
	// remote address. The returned connection honors the context until
	// Connect returns; afterwards its lifetime is the caller's.
	Connect(ctx context.Context, candidate *Candidate) (net.Conn, error)

	// Listen binds the local endpoint for accepting the given stack.
	Listen(ctx context.Context, local Endpoint, stack *ProtocolStack, sec *SecurityParameters) (TransportListener, error)
}

// TransportListener accepts transport connections on behalf of a
// [Listener].
type TransportListener interface {
	// Accept blocks until a transport connection arrives, the context
	// is done, or the listener fails fatally. For stacks carrying a
	// security protocol the handshake completes before Accept returns.
	Accept(ctx context.Context) (net.Conn, error)

	// Addr returns the bound local address.
	Addr() net.Addr

	// Close releases the listening socket. Idempotent.
	Close() error
}

// ALPNConn is implemented by transport connections that negotiated an
// application protocol.
type ALPNConn interface {
	NegotiatedALPN() string
}

// StreamOpenerConn is implemented by transport connections whose stack
// can carry several streams on one association; Clone uses it instead
// of re-racing.
type StreamOpenerConn interface {
	OpenStream(ctx context.Context) (net.Conn, error)
}

// closeWriter is the half-close capability probed through wrapper
// chains by connCloseWrite.
type closeWriter interface {
	CloseWrite() error
}

// connUnwrapper lets capability probes traverse conn wrappers.
type connUnwrapper interface {
	Unwrap() net.Conn
}

// connCloseWrite closes the write side of the connection when the
// underlying socket supports half-close, unwrapping observers and
// watchers along the way.
func connCloseWrite(conn net.Conn) error {
	for conn != nil {
		if cw, ok := conn.(closeWriter); ok {
			return cw.CloseWrite()
		}
		unwrapper, ok := conn.(connUnwrapper)
		if !ok {
			return nil
		}
		conn = unwrapper.Unwrap()
	}
	return nil
}

// keepAliver is the keep-alive capability probed by connSetKeepAlive.
type keepAliver interface {
	SetKeepAlive(bool) error
	SetKeepAlivePeriod(time.Duration) error
}

// connSetKeepAlive enables transport keep-alives with the given period
// when the underlying socket supports them.
func connSetKeepAlive(conn net.Conn, period time.Duration) {
	for conn != nil {
		if ka, ok := conn.(keepAliver); ok {
			ka.SetKeepAlive(true)
			ka.SetKeepAlivePeriod(period)
			return
		}
		unwrapper, ok := conn.(connUnwrapper)
		if !ok {
			return
		}
		conn = unwrapper.Unwrap()
	}
}

// lingerSetter is the abortive-close capability probed by
// connAbortive.
type lingerSetter interface {
	SetLinger(int) error
}

// connAbortive arranges for the next Close to reset the connection
// instead of closing it gracefully, so that an abort is visible to the
// peer as a failure rather than an end-of-stream.
func connAbortive(conn net.Conn) {
	for conn != nil {
		if ls, ok := conn.(lingerSetter); ok {
			ls.SetLinger(0)
			return
		}
		unwrapper, ok := conn.(connUnwrapper)
		if !ok {
			return
		}
		conn = unwrapper.Unwrap()
	}
}

// connNegotiatedALPN probes the wrapper chain for a negotiated ALPN.
func connNegotiatedALPN(conn net.Conn) string {
	for conn != nil {
		if ac, ok := conn.(ALPNConn); ok {
			return ac.NegotiatedALPN()
		}
		unwrapper, ok := conn.(connUnwrapper)
		if !ok {
			return ""
		}
		conn = unwrapper.Unwrap()
	}
	return ""
}

// NewNetDriver returns the [TransportDriver] for TCP, TCP+TLS, and UDP
// built on the net package.
//
// The cfg argument contains the common configuration for transport
// operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewNetDriver(cfg *Config, logger SLogger) *NetDriver {
	return &NetDriver{
		Config: cfg,
		Logger: logger,
	}
}

// NetDriver implements [TransportDriver] on the net package.
//
// Each Connect assembles the candidate attempt as a [Func] pipeline:
// dial, observe I/O, optionally handshake TLS and verify trust, and
// finally watch the attempt context so that racing cancellation closes
// a half-open socket promptly. The racing engine detaches the watcher
// from the winning connection.
type NetDriver struct {
	// Config contains the common configuration.
	Config *Config

	// Logger is the [SLogger] to use.
	Logger SLogger
}

var _ TransportDriver = &NetDriver{}

// Name implements [TransportDriver].
func (d *NetDriver) Name() string {
	return "net"
}

// Supports implements [TransportDriver].
func (d *NetDriver) Supports(stack *ProtocolStack) bool {
	switch stack {
	case StackTCP, StackTCPTLS, StackUDP:
		return true
	default:
		return false
	}
}

// Connect implements [TransportDriver].
func (d *NetDriver) Connect(ctx context.Context, candidate *Candidate) (net.Conn, error) {
	dialer, err := d.dialerFor(candidate.Local)
	if err != nil {
		return nil, err
	}
	cfg := *d.Config
	cfg.Dialer = dialer

	connect := NewConnectFunc(&cfg, candidate.Stack.Network, d.Logger)
	observe := NewObserveConnFunc(&cfg, d.Logger)
	watch := NewCancelWatchFunc()

	if !candidate.Stack.Secure {
		pipeline := Compose3[netip.AddrPort, net.Conn, net.Conn, net.Conn](connect, observe, watch)
		return pipeline.Call(ctx, candidate.RemoteAddr)
	}

	sec := candidate.Security
	if sec == nil {
		sec = NewSecurityParameters()
	}
	handshake := NewTLSHandshakeFunc(&cfg, sec.clientConfig(candidate.ServerName), d.Logger)
	verify := FuncAdapter[TLSConn, net.Conn](func(ctx context.Context, tconn TLSConn) (net.Conn, error) {
		if err := sec.verifyTrust(ctx, tconn.ConnectionState()); err != nil {
			tconn.Close()
			return nil, err
		}
		return &tlsTransportConn{tconn}, nil
	})
	pipeline := Compose5[netip.AddrPort, net.Conn, net.Conn, TLSConn, net.Conn, net.Conn](
		connect, observe, handshake, verify, watch)
	return pipeline.Call(ctx, candidate.RemoteAddr)
}

// Listen implements [TransportDriver].
func (d *NetDriver) Listen(ctx context.Context, local Endpoint, stack *ProtocolStack, sec *SecurityParameters) (TransportListener, error) {
	address := listenAddress(local)
	switch stack {
	case StackTCP, StackTCPTLS:
		inner, err := d.Config.ListenConfig.Listen(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		listener := &netListener{driver: d, listener: inner}
		if stack == StackTCPTLS {
			if sec == nil {
				sec = NewSecurityParameters()
			}
			listener.tlsConfig = sec.serverConfig()
		}
		return listener, nil
	case StackUDP:
		pconn, err := d.Config.ListenConfig.ListenPacket(ctx, "udp", address)
		if err != nil {
			return nil, err
		}
		return newUDPListener(d, pconn), nil
	default:
		return nil, &NotSupportedError{Reason: fmt.Sprintf("listening for stack %s", stack.Name)}
	}
}

// dialerFor returns the dialer for a candidate, binding the local
// endpoint when one is requested.
func (d *NetDriver) dialerFor(local Endpoint) (Dialer, error) {
	addr, hasAddr := local.IPAddress()
	if !hasAddr && local.Port() == 0 {
		return d.Config.Dialer, nil
	}
	// Binding a specific local address requires a concrete
	// [*net.Dialer]; an injected abstract dialer cannot express it.
	base, ok := d.Config.Dialer.(*net.Dialer)
	if !ok {
		return nil, &NotSupportedError{Reason: "binding a local endpoint on a custom dialer"}
	}
	bound := *base
	if !hasAddr {
		addr = netip.IPv6Unspecified()
	}
	bound.LocalAddr = &net.TCPAddr{IP: addr.AsSlice(), Port: int(local.Port())}
	return &bound, nil
}

// listenAddress renders the bind address of a local endpoint.
func listenAddress(local Endpoint) string {
	if addr, ok := local.IPAddress(); ok {
		return netip.AddrPortFrom(addr, local.Port()).String()
	}
	return fmt.Sprintf(":%d", local.Port())
}

// tlsTransportConn exposes the negotiated ALPN of a completed TLS
// handshake to the connection's read-only properties.
type tlsTransportConn struct {
	TLSConn
}

var _ ALPNConn = &tlsTransportConn{}

// NegotiatedALPN implements [ALPNConn].
func (c *tlsTransportConn) NegotiatedALPN() string {
	return c.ConnectionState().NegotiatedProtocol
}

// netListener implements [TransportListener] for TCP and TCP+TLS.
type netListener struct {
	// driver is the owning driver.
	driver *NetDriver

	// listener is the bound TCP listener.
	listener net.Listener

	// tlsConfig, when non-nil, makes Accept handshake TLS.
	tlsConfig *tls.Config
}

var _ TransportListener = &netListener{}

// Accept implements [TransportListener].
func (l *netListener) Accept(ctx context.Context) (net.Conn, error) {
	// Closing the listener when the context is done unblocks the
	// blocking Accept call below.
	stop := context.AfterFunc(ctx, func() {
		l.listener.Close()
	})
	defer stop()

	conn, err := l.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	observed, _ := NewObserveConnFunc(l.driver.Config, l.driver.Logger).Call(ctx, conn)
	if l.tlsConfig == nil {
		return observed, nil
	}

	tconn := tls.Server(observed, l.tlsConfig)
	if err := tconn.HandshakeContext(ctx); err != nil {
		tconn.Close()
		return nil, err
	}
	return &tlsTransportConn{tconn}, nil
}

// Addr implements [TransportListener].
func (l *netListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close implements [TransportListener].
func (l *netListener) Close() error {
	return l.listener.Close()
}
