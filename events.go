// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"errors"
	"sync"
)

// Event is a typed occurrence on a [Connection], [Listener], or
// rendezvous in progress.
//
// Events form a closed union: callers switch over the concrete types
// below. Per connection, the sequence of events is totally ordered and
// matches the order in which the connection observed the underlying
// facts. After a terminal event ([EventClosed], [EventConnectionError],
// [EventStopped]) no further events are delivered.
type Event interface {
	// eventName returns the event name used in structured logs.
	eventName() string

	// terminal reports whether the event ends the stream.
	terminal() bool
}

// EventReady fires at most once when a client or rendezvous connection
// becomes Established, before any data event.
type EventReady struct{}

func (EventReady) eventName() string { return "ready" }
func (EventReady) terminal() bool    { return false }

// EventReceived carries a complete received message.
type EventReceived struct {
	// Message is the received message.
	Message *Message
}

func (EventReceived) eventName() string { return "received" }
func (EventReceived) terminal() bool    { return false }

// EventReceivedPartial carries a message fragment. EndOfMessage is false
// until the framer delivers the final fragment.
type EventReceivedPartial struct {
	// Message is the received fragment.
	Message *Message

	// EndOfMessage reports whether this fragment completes the message.
	EndOfMessage bool
}

func (EventReceivedPartial) eventName() string { return "receivedPartial" }
func (EventReceivedPartial) terminal() bool    { return false }

// EventSent reports that a message was handed to the transport.
type EventSent struct {
	// Context is the context of the sent message.
	Context *MessageContext
}

func (EventSent) eventName() string { return "sent" }
func (EventSent) terminal() bool    { return false }

// EventExpired reports that a message's lifetime elapsed before
// transmission started; the message was not sent.
type EventExpired struct {
	// Context is the context of the expired message.
	Context *MessageContext
}

func (EventExpired) eventName() string { return "expired" }
func (EventExpired) terminal() bool    { return false }

// EventSendError reports that a specific message could not be sent.
type EventSendError struct {
	// Context is the context of the failed message.
	Context *MessageContext

	// Err is the failure.
	Err error
}

func (EventSendError) eventName() string { return "sendError" }
func (EventSendError) terminal() bool    { return false }

// EventReceiveError reports a receive-side failure (a framing error or
// a transport read error). The event itself is not terminal, but the
// connection emits [EventConnectionError] right after it.
type EventReceiveError struct {
	// Err is the failure.
	Err error
}

func (EventReceiveError) eventName() string { return "receiveError" }
func (EventReceiveError) terminal() bool    { return false }

// EventClosed reports graceful termination. Terminal.
type EventClosed struct{}

func (EventClosed) eventName() string { return "closed" }
func (EventClosed) terminal() bool    { return true }

// EventConnectionError reports fatal connection failure. Terminal.
type EventConnectionError struct {
	// Err is the failure.
	Err error
}

func (EventConnectionError) eventName() string { return "connectionError" }
func (EventConnectionError) terminal() bool    { return true }

// EventPathChange reports that the path in use changed.
type EventPathChange struct{}

func (EventPathChange) eventName() string { return "pathChange" }
func (EventPathChange) terminal() bool    { return false }

// EventSoftError reports a non-fatal network signal such as an
// incoming ICMP error. Advisory only.
type EventSoftError struct {
	// Info describes the signal.
	Info string
}

func (EventSoftError) eventName() string { return "softError" }
func (EventSoftError) terminal() bool    { return false }

// EventConnectionReceived carries a connection accepted by a
// [Listener].
type EventConnectionReceived struct {
	// Connection is the accepted connection, already Established.
	Connection *Connection
}

func (EventConnectionReceived) eventName() string { return "connectionReceived" }
func (EventConnectionReceived) terminal() bool    { return false }

// EventStopped reports that a [Listener] stopped. Terminal.
type EventStopped struct {
	// Err is nil for a requested stop and the fatal error otherwise.
	Err error
}

func (EventStopped) eventName() string { return "stopped" }
func (EventStopped) terminal() bool    { return true }

// EventEstablishmentError reports a non-fatal per-accept failure on a
// [Listener] (e.g., a TLS handshake that failed at accept time).
type EventEstablishmentError struct {
	// Err is the failure.
	Err error
}

func (EventEstablishmentError) eventName() string { return "establishmentError" }
func (EventEstablishmentError) terminal() bool    { return false }

// EventRendezvousDone reports that a rendezvous produced a connection.
type EventRendezvousDone struct {
	// Connection is the established connection.
	Connection *Connection
}

func (EventRendezvousDone) eventName() string { return "rendezvousDone" }
func (EventRendezvousDone) terminal() bool    { return false }

// ErrEventStreamDone is returned by [*EventStream.Next] after the
// terminal event has been consumed.
var ErrEventStreamDone = errors.New("event stream done")

// EventStream is an ordered, terminal-aware queue of events consumed by
// a single caller.
//
// Producers append via emit; consumers block on [EventStream.Next].
// Once a terminal event has been emitted, later emits are discarded;
// once it has been consumed, Next returns [ErrEventStreamDone].
type EventStream struct {
	// mu serializes access to the fields below.
	mu sync.Mutex

	// queue holds emitted but not yet consumed events.
	queue []Event

	// wake is closed and replaced whenever the queue grows.
	wake chan struct{}

	// terminated records that a terminal event was emitted.
	terminated bool
}

// newEventStream returns an empty [*EventStream].
func newEventStream() *EventStream {
	return &EventStream{wake: make(chan struct{})}
}

// emit appends an event unless the stream already terminated.
//
// Returns whether the event was accepted.
func (s *EventStream) emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.queue = append(s.queue, ev)
	if ev.terminal() {
		s.terminated = true
	}
	close(s.wake)
	s.wake = make(chan struct{})
	return true
}

// Next blocks until an event is available or the context is done.
//
// After the terminal event has been returned, Next returns
// [ErrEventStreamDone].
func (s *EventStream) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.terminated {
			s.mu.Unlock()
			return nil, ErrEventStreamDone
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drain consumes and returns every event up to and including the
// terminal one, blocking until the stream terminates or the context is
// done.
func (s *EventStream) Drain(ctx context.Context) ([]Event, error) {
	var out []Event
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, ErrEventStreamDone) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
