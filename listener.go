// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Listener accepts transport connections and surfaces them as
// established [*Connection] values.
//
// Accepted connections arrive on the [Listener.NewConnections] stream
// already Established: for stacks carrying a security protocol, the
// handshake completed at accept time. The new-connection limit bounds
// how many accepted connections may sit unconsumed; when the limit is
// reached the accept loop pauses without reading new sockets from the
// OS backlog, and a limit of zero stops accepting entirely.
type Listener struct {
	// acceptedCount counts connections accepted so far.
	acceptedCount atomic.Int64

	// cfg is the common configuration.
	cfg *Config

	// events carries listener-scoped events.
	events *EventStream

	// framers is the framer template cloned into every accepted
	// connection.
	framers *framerStack

	// inner is the bound transport listener.
	inner TransportListener

	// limit is the new-connection limit.
	limit int

	// logger is the [SLogger] for listener span events.
	logger SLogger

	// mu serializes queue and limit updates.
	mu sync.Mutex

	// newConns delivers accepted connections to the consumer.
	newConns chan *Connection

	// props are the connection properties for accepted connections.
	props ConnectionProperties

	// queue holds accepted but unconsumed connections.
	queue []*Connection

	// selection is the selection-properties snapshot.
	selection SelectionProperties

	// stack is the accepted protocol stack.
	stack *ProtocolStack

	// stopOnce ensures Stop has "once" semantics.
	stopOnce sync.Once

	// stopped is closed when the listener stops.
	stopped chan struct{}

	// wake is closed and replaced when capacity or queue state
	// changes.
	wake chan struct{}
}

// newListener wraps a bound transport listener and starts its loops.
func newListener(cfg *Config, logger SLogger, inner TransportListener,
	framers *framerStack, stack *ProtocolStack,
	selection SelectionProperties, props ConnectionProperties) *Listener {
	l := &Listener{
		cfg:       cfg,
		events:    newEventStream(),
		framers:   framers,
		inner:     inner,
		limit:     DefaultNewConnectionLimit,
		logger:    logger,
		newConns:  make(chan *Connection),
		props:     props,
		selection: selection,
		stack:     stack,
		stopped:   make(chan struct{}),
		wake:      make(chan struct{}),
	}
	go l.acceptLoop()
	go l.dispatchLoop()
	return l
}

// NewConnections returns the stream of accepted connections. The
// channel closes after [Listener.Stop]; connections still queued at
// that point go only to a consumer already waiting on the channel,
// and the rest are aborted.
func (l *Listener) NewConnections() <-chan *Connection {
	return l.newConns
}

// Events returns the listener's event surface.
func (l *Listener) Events() *EventStream {
	return l.events
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// AcceptedConnectionCount returns how many connections this listener
// accepted so far.
func (l *Listener) AcceptedConnectionCount() int64 {
	return l.acceptedCount.Load()
}

// Properties returns the connection properties applied to accepted
// connections.
func (l *Listener) Properties() ConnectionProperties {
	return l.props
}

// SetNewConnectionLimit changes the new-connection limit. Zero stops
// accepting until a higher limit is set.
func (l *Listener) SetNewConnectionLimit(limit int) {
	l.mu.Lock()
	l.limit = limit
	l.signalLocked()
	l.mu.Unlock()
}

// Stop closes the listening socket and ends the new-connections
// stream. In-flight accepted connections continue normally.
// Idempotent.
func (l *Listener) Stop() {
	l.stop(nil)
}

// stop terminates the listener, recording the fatal error if any.
func (l *Listener) stop(err error) {
	l.stopOnce.Do(func() {
		l.logStop(err)
		l.events.emit(EventStopped{Err: err})
		close(l.stopped)
		l.inner.Close()
		l.mu.Lock()
		l.signalLocked()
		l.mu.Unlock()
	})
}

// signalLocked wakes the loops after a state change; callers hold mu.
func (l *Listener) signalLocked() {
	close(l.wake)
	l.wake = make(chan struct{})
}

// acceptLoop accepts transport connections while capacity allows.
func (l *Listener) acceptLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.stopped
		cancel()
	}()

	for {
		if !l.waitCapacity() {
			return
		}
		conn, err := l.inner.Accept(ctx)
		if err != nil {
			if l.acceptFailed(ctx, err) {
				continue
			}
			return
		}
		l.acceptedCount.Add(1)
		accepted := newConnection(connConfig{
			cfg:       l.cfg,
			framers:   l.framers.clone(),
			logger:    l.logger,
			props:     l.props,
			ready:     false,
			selection: l.selection,
			stack:     l.stack,
			transport: conn,
		})
		l.logAccept(conn)
		l.mu.Lock()
		l.queue = append(l.queue, accepted)
		l.signalLocked()
		l.mu.Unlock()
	}
}

// acceptFailed classifies an accept error; returns whether the loop
// should continue.
func (l *Listener) acceptFailed(ctx context.Context, err error) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		// The socket died underneath us: fatal.
		l.stop(err)
		return false
	}
	// Per-accept failures (e.g. a failed TLS handshake) do not stop
	// the loop.
	l.events.emit(EventEstablishmentError{Err: &EstablishmentError{
		Reason:   "accept failed",
		Attempts: []error{err},
	}})
	return true
}

// waitCapacity blocks until the unconsumed-connection count is below
// the limit; returns false when the listener stopped.
func (l *Listener) waitCapacity() bool {
	for {
		select {
		case <-l.stopped:
			return false
		default:
		}
		l.mu.Lock()
		ready := l.limit > 0 && len(l.queue) < l.limit
		wake := l.wake
		l.mu.Unlock()
		if ready {
			return true
		}
		select {
		case <-wake:
		case <-l.stopped:
			return false
		}
	}
}

// dispatchLoop hands queued connections to the consumer, then closes
// the stream once the listener stopped and the queue drained.
func (l *Listener) dispatchLoop() {
	for {
		l.mu.Lock()
		var head *Connection
		if len(l.queue) > 0 {
			head = l.queue[0]
		}
		wake := l.wake
		l.mu.Unlock()

		if head == nil {
			select {
			case <-wake:
				continue
			case <-l.stopped:
				// Flush connections accepted before the stop.
				l.flushQueue()
				close(l.newConns)
				return
			}
		}

		select {
		case l.newConns <- head:
			l.events.emit(EventConnectionReceived{Connection: head})
			l.mu.Lock()
			l.queue = l.queue[1:]
			l.signalLocked()
			l.mu.Unlock()
		case <-l.stopped:
			l.flushQueue()
			close(l.newConns)
			return
		}
	}
}

// flushQueue performs a best-effort delivery of queued connections to
// a consumer that is still reading, without blocking shutdown.
func (l *Listener) flushQueue() {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, conn := range queue {
		select {
		case l.newConns <- conn:
			l.events.emit(EventConnectionReceived{Connection: conn})
		default:
			conn.Abort()
		}
	}
}

func (l *Listener) logAccept(conn net.Conn) {
	l.logger.Info(
		"acceptDone",
		slog.String("localAddr", l.inner.Addr().String()),
		slog.String("protocol", l.stack.Name),
		slog.String("remoteAddr", conn.RemoteAddr().String()),
		slog.Time("t", l.cfg.Clock.Now()),
	)
}

func (l *Listener) logStop(err error) {
	l.logger.Info(
		"listenerStopped",
		slog.Any("err", err),
		slog.String("errClass", l.cfg.ErrClassifier.Classify(err)),
		slog.String("localAddr", l.inner.Addr().String()),
		slog.String("protocol", l.stack.Name),
		slog.Time("t", l.cfg.Clock.Now()),
	)
}
