// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"net"
	"sync"
	"time"
)

// udpReadBufferSize bounds a single received datagram.
const udpReadBufferSize = 65536

// udpConnQueueLimit bounds per-remote datagrams buffered before the
// demultiplexer starts dropping, mirroring socket receive buffers.
const udpConnQueueLimit = 128

// newUDPListener returns a [TransportListener] demultiplexing a packet
// socket into per-remote connections: the first datagram from an
// unknown remote address surfaces a new connection from Accept, and
// later datagrams from the same remote are delivered to that
// connection's read queue.
func newUDPListener(driver *NetDriver, pconn net.PacketConn) *udpListener {
	l := &udpListener{
		accepted: make(chan *udpServerConn, 16),
		conns:    make(map[string]*udpServerConn),
		done:     make(chan struct{}),
		driver:   driver,
		pconn:    pconn,
	}
	go l.readLoop()
	return l
}

// udpListener implements [TransportListener] for UDP.
type udpListener struct {
	// accepted queues connections not yet taken by Accept.
	accepted chan *udpServerConn

	// closeOnce ensures Close has "once" semantics.
	closeOnce sync.Once

	// conns demultiplexes remote address strings to connections.
	conns map[string]*udpServerConn

	// done is closed when the read loop exits.
	done chan struct{}

	// driver is the owning driver.
	driver *NetDriver

	// err is the fatal read loop error, set before closing done.
	err error

	// mu serializes access to conns.
	mu sync.Mutex

	// pconn is the underlying packet socket.
	pconn net.PacketConn
}

var _ TransportListener = &udpListener{}

// readLoop pumps datagrams from the socket into per-remote queues.
func (l *udpListener) readLoop() {
	defer close(l.done)
	buffer := make([]byte, udpReadBufferSize)
	for {
		count, remote, err := l.pconn.ReadFrom(buffer)
		if err != nil {
			l.err = err
			return
		}
		payload := make([]byte, count)
		copy(payload, buffer[:count])
		l.dispatch(remote, payload)
	}
}

// dispatch routes one datagram to its connection, creating the
// connection on first contact.
func (l *udpListener) dispatch(remote net.Addr, payload []byte) {
	l.mu.Lock()
	conn, found := l.conns[remote.String()]
	if !found {
		conn = newUDPServerConn(l, remote)
		l.conns[remote.String()] = conn
	}
	l.mu.Unlock()

	// Drop on overflow: UDP gives no delivery guarantee, so shedding
	// load here matches what the kernel socket buffer would do.
	select {
	case conn.incoming <- payload:
	default:
	}

	if !found {
		select {
		case l.accepted <- conn:
		default:
			l.forget(remote.String())
		}
	}
}

// forget removes a remote from the demultiplexer.
func (l *udpListener) forget(key string) {
	l.mu.Lock()
	delete(l.conns, key)
	l.mu.Unlock()
}

// Accept implements [TransportListener].
func (l *udpListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.accepted:
		observed, _ := NewObserveConnFunc(l.driver.Config, l.driver.Logger).Call(ctx, conn)
		return observed, nil
	case <-l.done:
		if l.err != nil {
			return nil, l.err
		}
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr implements [TransportListener].
func (l *udpListener) Addr() net.Addr {
	return l.pconn.LocalAddr()
}

// Close implements [TransportListener].
func (l *udpListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.pconn.Close()
	})
	return err
}

// newUDPServerConn returns a demultiplexed per-remote connection.
func newUDPServerConn(listener *udpListener, remote net.Addr) *udpServerConn {
	return &udpServerConn{
		incoming: make(chan []byte, udpConnQueueLimit),
		listener: listener,
		remote:   remote,
	}
}

// udpServerConn is one demultiplexed remote on a [udpListener].
//
// Each Read returns exactly one datagram, preserving message
// boundaries the way a connected UDP socket would.
type udpServerConn struct {
	// closeOnce ensures Close has "once" semantics.
	closeOnce sync.Once

	// closed is closed by Close.
	closed chan struct{}

	// incoming queues datagrams routed to this remote.
	incoming chan []byte

	// listener is the demultiplexer that owns this connection.
	listener *udpListener

	// mu serializes deadline updates.
	mu sync.Mutex

	// readDeadline is the configured read deadline, possibly zero.
	readDeadline time.Time

	// remote is the peer address.
	remote net.Addr
}

var _ net.Conn = &udpServerConn{}

// Read implements [net.Conn].
func (c *udpServerConn) Read(buf []byte) (int, error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = make(chan struct{})
	}
	deadline := c.readDeadline
	closed := c.closed
	c.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case payload := <-c.incoming:
		return copy(buf, payload), nil
	case <-c.listener.done:
		return 0, net.ErrClosed
	case <-closed:
		return 0, net.ErrClosed
	case <-expired:
		return 0, timeoutError{}
	}
}

// Write implements [net.Conn].
func (c *udpServerConn) Write(data []byte) (int, error) {
	return c.listener.pconn.WriteTo(data, c.remote)
}

// Close implements [net.Conn].
func (c *udpServerConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.closed == nil {
			c.closed = make(chan struct{})
		}
		close(c.closed)
		c.mu.Unlock()
		c.listener.forget(c.remote.String())
	})
	return nil
}

// LocalAddr implements [net.Conn].
func (c *udpServerConn) LocalAddr() net.Addr {
	return c.listener.pconn.LocalAddr()
}

// RemoteAddr implements [net.Conn].
func (c *udpServerConn) RemoteAddr() net.Addr {
	return c.remote
}

// SetDeadline implements [net.Conn].
func (c *udpServerConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (c *udpServerConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (c *udpServerConn) SetWriteDeadline(t time.Time) error {
	// Writes go straight to the unblocking packet socket.
	return nil
}

// timeoutError is the deadline-exceeded error for demultiplexed reads.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
