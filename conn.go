// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of a [Connection].
type ConnectionState int

const (
	// Establishing is the initial state.
	Establishing = ConnectionState(iota)

	// Established means data may flow.
	Established

	// Closing means graceful close is draining.
	Closing

	// Closed is terminal.
	Closed
)

// String implements [fmt.Stringer].
func (s ConnectionState) String() string {
	switch s {
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "establishing"
	}
}

// connReadBufferSize is the transport read buffer of the reader loop.
const connReadBufferSize = 32 << 10

// cloneFunc re-establishes a connection for Clone when the winning
// stack cannot multistream. Installed by the Preconnection.
type cloneFunc func(ctx context.Context, framer Framer) (*Connection, error)

// Connection is an established transport connection with message
// framing, ordered events, and a state machine.
//
// A connection owns its transport handle, framer stack, and queues
// exclusively. A single writer loop drains the send queue through the
// outbound framer chain, and a single reader loop pumps transport bytes
// through the inbound chain into the receive queue; the receive queue's
// bound pauses the transport read side when full. Public operations are
// safe for concurrent use and cancellable at every suspension point.
type Connection struct {
	// alpn is the negotiated application protocol, possibly empty.
	alpn string

	// clock is the [Clock] used for timestamps and timeouts.
	clock Clock

	// cloneFn re-races establishment for Clone, nil on accepted
	// connections.
	cloneFn cloneFunc

	// closeOnce ensures the graceful-close machinery runs once.
	closeOnce sync.Once

	// closedCh is closed when the state becomes Closed.
	closedCh chan struct{}

	// errClassifier classifies errors for structured logging.
	errClassifier ErrClassifier

	// events is the ordered event surface.
	events *EventStream

	// finalSent records that a final message was accepted for sending.
	finalSent bool

	// framers is the frozen framer stack.
	framers *framerStack

	// group is the connection group, nil until the connection joins
	// one.
	group *ConnectionGroup

	// id is the connection identity.
	id uuid.UUID

	// incoming is the lazily-started message sequence.
	incoming chan *Message

	// incomingOnce starts the incoming sequence at most once.
	incomingOnce sync.Once

	// local is the resolved local endpoint.
	local Endpoint

	// logger is the [SLogger] for connection span events.
	logger SLogger

	// mu serializes state transitions and flag updates.
	mu sync.Mutex

	// partial holds the remainder of a message truncated by a
	// Receive length bound.
	partial *Message

	// partialOut accumulates SendPartial fragments until the final
	// one arrives.
	partialOut *Message

	// sendCloseOnce ensures the send direction closes once, whether
	// by Close or by the peer's end-of-stream.
	sendCloseOnce sync.Once

	// props are the connection properties in force.
	props ConnectionProperties

	// readerDone is closed when the reader loop exits.
	readerDone chan struct{}

	// recvCh is the bounded receive queue.
	recvCh chan *Message

	// remote is the resolved remote endpoint.
	remote Endpoint

	// selection is a snapshot of the selection properties in force.
	selection SelectionProperties

	// sendCh is the bounded send queue.
	sendCh chan *sendRequest

	// sendClosed signals the writer loop to drain and half-close.
	sendClosed chan struct{}

	// stack is the established protocol stack.
	stack *ProtocolStack

	// state is the lifecycle state.
	state ConnectionState

	// transport is the owned transport handle.
	transport net.Conn

	// writerDone is closed when the writer loop exits.
	writerDone chan struct{}
}

// sendRequest is one queued outbound message.
type sendRequest struct {
	// enqueued is when Send accepted the message.
	enqueued time.Time

	// msg is the message to frame and write.
	msg *Message
}

// connConfig bundles what newConnection needs from its creator.
type connConfig struct {
	// cfg is the common configuration.
	cfg *Config

	// cloneFn re-races establishment for Clone, possibly nil.
	cloneFn cloneFunc

	// framers is the framer stack, frozen by newConnection.
	framers *framerStack

	// logger is the base logger; newConnection attaches connID.
	logger SLogger

	// props are the connection properties.
	props ConnectionProperties

	// ready makes the connection emit Ready (client and rendezvous
	// connections only).
	ready bool

	// selection is the selection-properties snapshot.
	selection SelectionProperties

	// stack is the established stack.
	stack *ProtocolStack

	// transport is the established transport handle.
	transport net.Conn
}

// newConnection wraps an established transport into a [*Connection]
// and starts its loops.
func newConnection(cc connConfig) *Connection {
	id := newConnectionID()
	logger := cc.logger
	if slogger, ok := logger.(*slog.Logger); ok {
		logger = slogger.With(slog.String("connID", id.String()))
	}
	conn := &Connection{
		alpn:          connNegotiatedALPN(cc.transport),
		clock:         cc.cfg.Clock,
		cloneFn:       cc.cloneFn,
		closedCh:      make(chan struct{}),
		errClassifier: cc.cfg.ErrClassifier,
		events:        newEventStream(),
		framers:       cc.framers,
		id:            id,
		local:         endpointFromNetAddr(cc.transport.LocalAddr()),
		logger:        logger,
		props:         cc.props,
		readerDone:    make(chan struct{}),
		recvCh:        make(chan *Message, orDefault(cc.props.RecvQueueLimit, DefaultRecvQueueLimit)),
		remote:        endpointFromNetAddr(cc.transport.RemoteAddr()),
		selection:     cc.selection,
		sendCh:        make(chan *sendRequest, orDefault(cc.props.SendQueueLimit, DefaultSendQueueLimit)),
		sendClosed:    make(chan struct{}),
		stack:         cc.stack,
		state:         Established,
		transport:     cc.transport,
		writerDone:    make(chan struct{}),
	}
	conn.framers.freeze()
	conn.framers.reset()
	if cc.props.KeepAliveTimeout > 0 {
		connSetKeepAlive(cc.transport, cc.props.KeepAliveTimeout)
	}
	if cc.ready {
		conn.events.emit(EventReady{})
	}
	go conn.writerLoop()
	go conn.readerLoop()
	return conn
}

// orDefault substitutes a default for a zero limit.
func orDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

// endpointFromNetAddr snapshots a transport address as an endpoint.
func endpointFromNetAddr(addr net.Addr) Endpoint {
	if addr == nil {
		return NewEndpoint()
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return endpointFromAddrPort(ap)
	}
	return NewEndpoint()
}

// ID returns the connection identity.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// State returns the lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the ordered event surface.
func (c *Connection) Events() *EventStream {
	return c.events
}

// LocalEndpoint returns the resolved local endpoint.
func (c *Connection) LocalEndpoint() Endpoint {
	return c.local
}

// RemoteEndpoint returns the resolved remote endpoint.
func (c *Connection) RemoteEndpoint() Endpoint {
	return c.remote
}

// NegotiatedALPN returns the negotiated application protocol, empty
// when the stack carries none.
func (c *Connection) NegotiatedALPN() string {
	return c.alpn
}

// Stack returns the established protocol stack.
func (c *Connection) Stack() *ProtocolStack {
	return c.stack
}

// Properties returns the connection properties in force.
func (c *Connection) Properties() ConnectionProperties {
	return c.props
}

// SelectionProperties returns the snapshot taken at establishment.
func (c *Connection) SelectionProperties() SelectionProperties {
	return c.selection
}

// Group returns the connection group, nil before the first Clone.
func (c *Connection) Group() *ConnectionGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

// AddFramer rejects framer additions: the framer stack froze when the
// connection established. Configure framers on the [Preconnection].
func (c *Connection) AddFramer(framer Framer) error {
	return c.framers.add(framer)
}

// Send enqueues a message for transmission.
//
// Valid only in Established. The call suspends when the send queue is
// full and resolves with [ErrCancelled] when the context is done while
// suspended. The outcome of the transmission itself surfaces as one of
// [EventSent], [EventExpired], or [EventSendError] on the event stream.
//
// A message whose context sets Final closes the sending direction: no
// send may follow it.
func (c *Connection) Send(ctx context.Context, msg *Message) error {
	mctx := msg.context()
	c.mu.Lock()
	if c.state != Established {
		c.mu.Unlock()
		return c.sendStateError()
	}
	if c.finalSent {
		c.mu.Unlock()
		return errors.New("send after final message")
	}
	if mctx.Final {
		c.finalSent = true
	}
	c.mu.Unlock()

	req := &sendRequest{enqueued: c.clock.Now(), msg: msg}
	select {
	case c.sendCh <- req:
		return nil
	case <-c.closedCh:
		return ErrConnectionClosed
	case <-c.sendClosed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// SendPartial enqueues part of a message. The parts accumulate and the
// whole message is framed and sent when endOfMessage is true.
func (c *Connection) SendPartial(ctx context.Context, data []byte, mctx *MessageContext, endOfMessage bool) error {
	c.mu.Lock()
	if c.partialOut == nil {
		c.partialOut = &Message{Context: mctx}
	}
	c.partialOut.Data = append(c.partialOut.Data, data...)
	if !endOfMessage {
		c.mu.Unlock()
		return nil
	}
	msg := c.partialOut
	c.partialOut = nil
	if mctx != nil {
		msg.Context = mctx
	}
	c.mu.Unlock()
	return c.Send(ctx, msg)
}

// sendStateError maps the state to the Send precondition error.
func (c *Connection) sendStateError() error {
	return ErrConnectionClosed
}

// Receive returns the next message from the receive queue.
//
// minIncomplete and maxLength mirror the abstract-API receive bounds.
// minIncomplete is accepted but not consulted: messages are delivered
// whole unless a positive maxLength truncates a larger message, in
// which case the prefix comes with EndOfMessage false and the
// remainder is kept for the next call.
//
// Receive blocks cooperatively until a message is available, the
// context is done, or the connection leaves Established with the queue
// drained.
func (c *Connection) Receive(ctx context.Context, minIncomplete, maxLength int) (*Message, error) {
	c.mu.Lock()
	leftover := c.partial
	c.partial = nil
	c.mu.Unlock()
	if leftover != nil {
		return c.boundMessage(leftover, maxLength), nil
	}

	select {
	case msg := <-c.recvCh:
		return c.boundMessage(msg, maxLength), nil
	default:
	}
	select {
	case msg := <-c.recvCh:
		return c.boundMessage(msg, maxLength), nil
	case <-c.closedCh:
		// Drain what was parsed before the terminal transition.
		select {
		case msg := <-c.recvCh:
			return c.boundMessage(msg, maxLength), nil
		default:
			return nil, ErrConnectionClosed
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// boundMessage enforces the receive length bound, keeping any
// remainder for the next Receive call.
func (c *Connection) boundMessage(msg *Message, maxLength int) *Message {
	if maxLength <= 0 || len(msg.Data) <= maxLength {
		return msg
	}
	head := &Message{Data: msg.Data[:maxLength], Context: msg.context().clone()}
	head.Context.endOfMessage = false
	rest := &Message{Data: msg.Data[maxLength:], Context: msg.Context}
	c.mu.Lock()
	c.partial = rest
	c.mu.Unlock()
	return head
}

// IncomingMessages returns a lazily-started, single-consumer sequence
// of received messages. The channel closes when the connection leaves
// Established and the queue is drained.
func (c *Connection) IncomingMessages() <-chan *Message {
	c.incomingOnce.Do(func() {
		c.incoming = make(chan *Message)
		go func() {
			defer close(c.incoming)
			for {
				select {
				case msg := <-c.recvCh:
					c.incoming <- msg
				case <-c.closedCh:
					for {
						select {
						case msg := <-c.recvCh:
							c.incoming <- msg
						default:
							return
						}
					}
				}
			}
		}()
	})
	return c.incoming
}

// Close gracefully closes the connection: queued sends drain, the
// transport write side closes, and the connection waits for the peer's
// end-of-stream (bounded by the close timeout) before reaching Closed
// and emitting [EventClosed]. Idempotent.
func (c *Connection) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state != Established {
			c.mu.Unlock()
			return
		}
		c.state = Closing
		c.mu.Unlock()
		c.logLifecycle("closeStart")
		c.sendCloseOnce.Do(func() { close(c.sendClosed) })

		go func() {
			// The writer loop drains the queue and half-closes the
			// transport; then we wait for the reader to observe the
			// peer's end-of-stream.
			<-c.writerDone
			waitCtx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				c.clock.Sleep(waitCtx, DefaultCloseTimeout)
				cancel()
			}()
			select {
			case <-c.readerDone:
			case <-waitCtx.Done():
			}
			c.transitionClosed(EventClosed{}, nil)
		}()
	})

	select {
	case <-c.closedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// Abort forces the connection to Closed immediately, discarding queued
// sends and emitting [EventConnectionError]. Idempotent.
func (c *Connection) Abort() {
	connAbortive(c.transport)
	c.transitionClosed(
		EventConnectionError{Err: &ConnectionError{Reason: "aborted"}},
		errors.New("aborted"),
	)
}

// Clone produces a new connection entangled with this one: same
// properties, same group. When the stack multistreams, the clone is a
// new stream on the same transport; otherwise establishment re-runs
// with the connection's parameters.
//
// The framer argument optionally replaces the framer stack of the
// clone; pass nil to share the original's framer configuration.
func (c *Connection) Clone(ctx context.Context, framer Framer) (*Connection, error) {
	c.mu.Lock()
	if c.state != Established {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.mu.Unlock()

	clone, err := c.cloneConnection(ctx, framer)
	if err != nil {
		return nil, err
	}

	group := c.ensureGroup()
	group.add(clone)
	clone.mu.Lock()
	clone.group = group
	clone.mu.Unlock()
	return clone, nil
}

// cloneConnection opens the cloned transport, preferring a new stream
// on the same association.
func (c *Connection) cloneConnection(ctx context.Context, framer Framer) (*Connection, error) {
	if opener := streamOpener(c.transport); opener != nil {
		stream, err := opener.OpenStream(ctx)
		if err != nil {
			return nil, err
		}
		framers := c.framers.clone()
		if framer != nil {
			framers = &framerStack{framers: []Framer{framer}}
		}
		clone := newConnection(connConfig{
			cfg:       &Config{Clock: c.clock, ErrClassifier: c.errClassifier},
			cloneFn:   c.cloneFn,
			framers:   framers,
			logger:    c.logger,
			props:     c.props,
			ready:     true,
			selection: c.selection,
			stack:     c.stack,
			transport: stream,
		})
		return clone, nil
	}
	if c.cloneFn == nil {
		return nil, &NotSupportedError{Reason: "clone without multistream support"}
	}
	return c.cloneFn(ctx, framer)
}

// ensureGroup returns the connection's group, creating it lazily.
func (c *Connection) ensureGroup() *ConnectionGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group == nil {
		c.group = newConnectionGroup()
		c.group.add(c)
	}
	return c.group
}

// streamOpener probes the transport wrapper chain for multistream
// support.
func streamOpener(conn net.Conn) StreamOpenerConn {
	for conn != nil {
		if opener, ok := conn.(StreamOpenerConn); ok {
			return opener
		}
		unwrapper, ok := conn.(connUnwrapper)
		if !ok {
			return nil
		}
		conn = unwrapper.Unwrap()
	}
	return nil
}

// transitionClosed moves to Closed from any state, emitting the given
// terminal event. Returns whether this call performed the transition.
func (c *Connection) transitionClosed(ev Event, cause error) bool {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return false
	}
	c.state = Closed
	group := c.group
	c.mu.Unlock()

	c.events.emit(ev)
	c.transport.Close()
	if group != nil {
		group.remove(c.id)
	}
	close(c.closedCh)
	c.logLifecycleErr("closedDone", cause)
	return true
}

// fatal fails the connection with a terminal [EventConnectionError].
func (c *Connection) fatal(reason string, err error) {
	c.transitionClosed(
		EventConnectionError{Err: &ConnectionError{Reason: reason, Cause: err}},
		err,
	)
}

// writerLoop drains the send queue through the outbound framer chain.
func (c *Connection) writerLoop() {
	defer close(c.writerDone)
	for {
		select {
		case req := <-c.sendCh:
			if !c.writeRequest(req) {
				return
			}
		case <-c.sendClosed:
			// Drain what was enqueued before the close, then
			// half-close the transport.
			for {
				select {
				case req := <-c.sendCh:
					if !c.writeRequest(req) {
						return
					}
				default:
					connCloseWrite(c.transport)
					return
				}
			}
		case <-c.closedCh:
			return
		}
	}
}

// writeRequest frames and writes one message, emitting the outcome.
// Returns false when the connection died.
func (c *Connection) writeRequest(req *sendRequest) bool {
	mctx := req.msg.context()

	// Expire instead of sending when the lifetime elapsed in queue.
	if mctx.Lifetime > 0 && c.clock.Now().Sub(req.enqueued) > mctx.Lifetime {
		c.events.emit(EventExpired{Context: mctx})
		return true
	}

	// Framing failures are message-scoped: the chain produced no
	// bytes, so the connection survives.
	chunks, err := c.framers.frameOutbound(req.msg)
	if err != nil {
		c.events.emit(EventSendError{Context: mctx, Err: &SendError{Context: mctx, Cause: err}})
		return true
	}

	for _, chunk := range chunks {
		if _, err := c.transport.Write(chunk); err != nil {
			c.events.emit(EventSendError{Context: mctx, Err: &SendError{Context: mctx, Cause: err}})
			c.fatal("transport write failed", err)
			return false
		}
	}
	c.events.emit(EventSent{Context: mctx})

	if mctx.Final {
		connCloseWrite(c.transport)
	}
	return true
}

// readerLoop pumps transport bytes through the inbound framer chain
// into the receive queue.
func (c *Connection) readerLoop() {
	defer close(c.readerDone)
	buffer := make([]byte, connReadBufferSize)
	for {
		count, err := c.transport.Read(buffer)
		if count > 0 {
			msgs, parseErr := c.framers.parseInbound(buffer[:count])
			if parseErr != nil {
				// A failed stream framer cannot resynchronize.
				c.events.emit(EventReceiveError{Err: &ReceiveError{Cause: parseErr}})
				c.fatal("framing failed", parseErr)
				return
			}
			if !c.deliverAll(msgs) {
				return
			}
		}
		if err != nil {
			c.readerFinished(err)
			return
		}
	}
}

// deliverAll pushes parsed messages to the receive queue, pausing the
// transport read side while the queue is full. Returns false when the
// connection died.
func (c *Connection) deliverAll(msgs []*Message) bool {
	for _, msg := range msgs {
		mctx := msg.context()
		mctx.local = c.local
		mctx.remote = c.remote
		if mctx.endOfMessage {
			c.events.emit(EventReceived{Message: msg})
		} else {
			c.events.emit(EventReceivedPartial{Message: msg, EndOfMessage: false})
		}
		select {
		case c.recvCh <- msg:
		case <-c.closedCh:
			return false
		}
	}
	return true
}

// readerFinished handles the end of the transport read side.
func (c *Connection) readerFinished(err error) {
	graceful := errors.Is(err, io.EOF)
	c.mu.Lock()
	closing := c.state == Closing
	c.mu.Unlock()

	switch {
	case graceful && closing:
		// Close() completes the transition once the writer drained.
	case graceful:
		// The peer closed gracefully: drain our write side and
		// complete the close from this side too.
		c.mu.Lock()
		if c.state == Established {
			c.state = Closing
		}
		c.mu.Unlock()
		c.sendCloseOnce.Do(func() { close(c.sendClosed) })
		<-c.writerDone
		c.transitionClosed(EventClosed{}, nil)
	case closing:
		// Error racing our own close: still a graceful outcome
		// from the caller's point of view.
	default:
		c.events.emit(EventReceiveError{Err: &ReceiveError{Cause: err}})
		c.fatal("transport read failed", err)
	}
}

// signalPathChange surfaces a path change to the event stream.
func (c *Connection) signalPathChange() {
	c.events.emit(EventPathChange{})
}

// signalSoftError surfaces a non-fatal network signal.
func (c *Connection) signalSoftError(info string) {
	c.events.emit(EventSoftError{Info: info})
}

func (c *Connection) logLifecycle(event string) {
	c.logger.Info(
		event,
		slog.String("localAddr", safeconn.LocalAddr(c.transport)),
		slog.String("protocol", c.stack.Name),
		slog.String("remoteAddr", safeconn.RemoteAddr(c.transport)),
		slog.Time("t", c.clock.Now()),
	)
}

func (c *Connection) logLifecycleErr(event string, err error) {
	c.logger.Info(
		event,
		slog.Any("err", err),
		slog.String("errClass", c.errClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(c.transport)),
		slog.String("protocol", c.stack.Name),
		slog.String("remoteAddr", safeconn.RemoteAddr(c.transport)),
		slog.Time("t", c.clock.Now()),
	)
}
