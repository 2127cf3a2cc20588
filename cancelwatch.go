// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"net"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc() *CancelWatchFunc {
	return &CancelWatchFunc{}
}

// CancelWatchFunc arranges for the connection to be closed when the
// context is done (cancelled or deadline exceeded). The racing engine
// relies on this to abort losing candidates promptly: cancelling an
// attempt's context closes its half-open socket, which fails any
// in-progress handshake immediately.
//
// The returned connection wraps the input connection. Closing the
// returned connection unregisters the context watcher and closes the
// underlying connection. This ensures no goroutine leaks even if the
// context is never cancelled.
//
// The watcher is safe to use with any [net.Conn] implementation because
// Go's standard library uses the [net.ErrClosed] pattern: closing an
// already-closed connection returns [net.ErrClosed], and I/O operations
// on a closed connection fail gracefully. The [ObserveConnFunc] wrapper
// follows this same pattern.
type CancelWatchFunc struct{}

var _ Func[net.Conn, net.Conn] = &CancelWatchFunc{}

// Call registers a context watcher using [context.AfterFunc] that closes
// the connection when the context is done. The returned [net.Conn] wraps
// the input: closing it unregisters the watcher and closes the underlying
// connection.
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}, nil
}

// cancelWatchedConn wraps a [net.Conn] with a context cancellation watcher.
type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

// Close unregisters the context watcher and closes the underlying connection.
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// Unwrap returns the wrapped connection, so that capability probing
// (e.g. for [closeWriter]) can reach the underlying socket.
func (c *cancelWatchedConn) Unwrap() net.Conn {
	return c.Conn
}

// DetachCancelWatch unregisters the watcher and returns the wrapped
// connection without closing it. The racing engine detaches the winner
// before cancelling the race context, so that losing candidates close
// while the winner survives.
func (c *cancelWatchedConn) DetachCancelWatch() net.Conn {
	c.stop()
	return c.Conn
}

// cancelDetacher is implemented by connections whose context watcher
// can be detached once the attempt won its race.
type cancelDetacher interface {
	DetachCancelWatch() net.Conn
}

// detachCancelWatch detaches the context watcher when there is one.
func detachCancelWatch(conn net.Conn) net.Conn {
	if detacher, ok := conn.(cancelDetacher); ok {
		return detacher.DetachCancelWatch()
	}
	return conn
}
