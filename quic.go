// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// defaultQUICALPN is offered when the security parameters carry no ALPN
// list, since QUIC requires application-protocol negotiation.
const defaultQUICALPN = "taps"

// NewQUICDriver returns the [TransportDriver] for the QUIC stack built
// on quic-go.
//
// The cfg argument contains the common configuration for transport
// operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewQUICDriver(cfg *Config, logger SLogger) *QUICDriver {
	return &QUICDriver{
		Clock:         cfg.Clock,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
	}
}

// QUICDriver implements [TransportDriver] for [StackQUIC].
//
// Each established connection maps to one bidirectional QUIC stream.
// Because QUIC multiplexes streams natively, connections returned by
// this driver implement [StreamOpenerConn] and Clone opens a new
// stream on the same association instead of re-racing.
//
// All fields are safe to modify after construction but before first use.
type QUICDriver struct {
	// Clock is the [Clock] used for span timestamps.
	//
	// Set by [NewQUICDriver] from [Config.Clock].
	Clock Clock

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewQUICDriver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewQUICDriver] to the user-provided logger.
	Logger SLogger

	// QUICConfig optionally tunes quic-go.
	QUICConfig *quic.Config
}

var _ TransportDriver = &QUICDriver{}

// Name implements [TransportDriver].
func (d *QUICDriver) Name() string {
	return "quic"
}

// Supports implements [TransportDriver].
func (d *QUICDriver) Supports(stack *ProtocolStack) bool {
	return stack == StackQUIC
}

// Connect implements [TransportDriver].
func (d *QUICDriver) Connect(ctx context.Context, candidate *Candidate) (net.Conn, error) {
	sec := candidate.Security
	if sec == nil {
		sec = NewSecurityParameters()
	}
	tlsConfig := sec.clientConfig(candidate.ServerName)
	if len(tlsConfig.NextProtos) < 1 {
		tlsConfig.NextProtos = []string{defaultQUICALPN}
	}

	t0 := d.Clock.Now()
	deadline, _ := ctx.Deadline()
	address := candidate.RemoteAddr.String()
	d.logConnectStart(address, t0, deadline)
	conn, err := d.dial(ctx, address, tlsConfig, candidate)
	if err != nil {
		d.logConnectDone(address, t0, deadline, err)
		return nil, err
	}
	if err := sec.verifyTrust(ctx, conn.ConnectionState().TLS); err != nil {
		conn.CloseWithError(0, "trust verification failed")
		d.logConnectDone(address, t0, deadline, err)
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		d.logConnectDone(address, t0, deadline, err)
		return nil, err
	}
	d.logConnectDone(address, t0, deadline, nil)
	return &quicStreamConn{conn: conn, stream: stream, ownsConn: true}, nil
}

// dial opens the QUIC association, using the early-data handshake only
// when the stack supports 0-RTT and the TLS config carries a client
// session cache; [SecurityParameters] never sets one.
func (d *QUICDriver) dial(ctx context.Context, address string, tlsConfig *tls.Config, candidate *Candidate) (*quic.Conn, error) {
	if candidate.Stack.ZeroRTT && tlsConfig.ClientSessionCache != nil {
		return quic.DialAddrEarly(ctx, address, tlsConfig, d.QUICConfig)
	}
	return quic.DialAddr(ctx, address, tlsConfig, d.QUICConfig)
}

// Listen implements [TransportDriver].
func (d *QUICDriver) Listen(ctx context.Context, local Endpoint, stack *ProtocolStack, sec *SecurityParameters) (TransportListener, error) {
	if sec == nil {
		sec = NewSecurityParameters()
	}
	tlsConfig := sec.serverConfig()
	if len(tlsConfig.NextProtos) < 1 {
		tlsConfig.NextProtos = []string{defaultQUICALPN}
	}
	listener, err := quic.ListenAddr(listenAddress(local), tlsConfig, d.QUICConfig)
	if err != nil {
		return nil, err
	}
	return &quicListener{listener: listener}, nil
}

func (d *QUICDriver) logConnectStart(address string, t0 time.Time, deadline time.Time) {
	d.Logger.Info(
		"quicConnectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", "quic"),
		slog.String("remoteAddr", address),
		slog.Time("t", t0),
	)
}

func (d *QUICDriver) logConnectDone(address string, t0 time.Time, deadline time.Time, err error) {
	d.Logger.Info(
		"quicConnectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", d.ErrClassifier.Classify(err)),
		slog.String("protocol", "quic"),
		slog.String("remoteAddr", address),
		slog.Time("t0", t0),
		slog.Time("t", d.Clock.Now()),
	)
}

// quicStreamConn adapts one bidirectional QUIC stream to [net.Conn].
type quicStreamConn struct {
	// conn is the QUIC association carrying the stream.
	conn *quic.Conn

	// stream is the adapted stream.
	stream *quic.Stream

	// ownsConn marks the first stream, whose Close tears down the
	// whole association.
	ownsConn bool
}

var (
	_ net.Conn         = &quicStreamConn{}
	_ ALPNConn         = &quicStreamConn{}
	_ StreamOpenerConn = &quicStreamConn{}
	_ closeWriter      = &quicStreamConn{}
)

// Read implements [net.Conn].
func (c *quicStreamConn) Read(buf []byte) (int, error) {
	return c.stream.Read(buf)
}

// Write implements [net.Conn].
func (c *quicStreamConn) Write(data []byte) (int, error) {
	return c.stream.Write(data)
}

// Close implements [net.Conn].
func (c *quicStreamConn) Close() error {
	c.stream.CancelRead(0)
	err := c.stream.Close()
	if c.ownsConn {
		err = c.conn.CloseWithError(0, "")
	}
	return err
}

// CloseWrite implements [closeWriter]. Closing a QUIC stream closes
// only its send direction, which is exactly half-close.
func (c *quicStreamConn) CloseWrite() error {
	return c.stream.Close()
}

// LocalAddr implements [net.Conn].
func (c *quicStreamConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr implements [net.Conn].
func (c *quicStreamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline implements [net.Conn].
func (c *quicStreamConn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (c *quicStreamConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (c *quicStreamConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

// NegotiatedALPN implements [ALPNConn].
func (c *quicStreamConn) NegotiatedALPN() string {
	return c.conn.ConnectionState().TLS.NegotiatedProtocol
}

// OpenStream implements [StreamOpenerConn].
func (c *quicStreamConn) OpenStream(ctx context.Context) (net.Conn, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStreamConn{conn: c.conn, stream: stream}, nil
}

// quicListener implements [TransportListener] for QUIC.
//
// Each accepted association surfaces its first bidirectional stream as
// the accepted connection; further streams opened by the peer are
// refused (see acceptMoreStreams).
type quicListener struct {
	// listener is the underlying QUIC listener.
	listener *quic.Listener
}

var _ TransportListener = &quicListener{}

// Accept implements [TransportListener].
func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	go l.acceptMoreStreams(ctx, conn)
	return &quicStreamConn{conn: conn, stream: stream, ownsConn: true}, nil
}

// acceptMoreStreams drains additional streams the peer opens on an
// accepted association (the peer cloning). Only the first stream is
// surfaced; additional streams are reset so the peer observes the
// refusal promptly.
func (l *quicListener) acceptMoreStreams(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		stream.CancelRead(quicStreamRefused)
		stream.CancelWrite(quicStreamRefused)
	}
}

// quicStreamRefused is the application error code for streams the
// listener does not surface.
const quicStreamRefused = quic.StreamErrorCode(0x10)

// Addr implements [TransportListener].
func (l *quicListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close implements [TransportListener].
func (l *quicListener) Close() error {
	return l.listener.Close()
}
