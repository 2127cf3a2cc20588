// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import "time"

// DefaultMsgPriority is the priority assigned to messages whose
// context does not override it.
const DefaultMsgPriority = 100

// ChecksumCoverage selects how much of a message the transport checksum
// must cover, on stacks with configurable checksums.
type ChecksumCoverage int

// ChecksumCoverageFull covers the whole message.
const ChecksumCoverageFull = ChecksumCoverage(-1)

// MessageContext carries per-message metadata.
//
// A context obtained via [NewMessageContext] applies the defaults:
// infinite lifetime, priority 100, ordered and reliable delivery, full
// checksum coverage. The zero value does not.
//
// The receive path populates the read-only snapshot fields; user code
// should treat a context attached to a received [Message] as immutable.
type MessageContext struct {
	// Lifetime bounds how long the message may wait before
	// transmission starts. Zero means infinite. A message whose
	// lifetime elapses while still queued is not sent and its context
	// resolves with [EventExpired].
	Lifetime time.Duration

	// Priority is the message's urgency relative to others on the same
	// connection or group, zero being highest. The send queue is
	// first-in first-out and does not reorder by priority.
	Priority uint8

	// Ordered asks for in-order delivery relative to other ordered
	// messages, on stacks with per-message ordering control.
	Ordered bool

	// Reliable asks for reliable delivery, on stacks with per-message
	// reliability control.
	Reliable bool

	// SafelyReplayable marks the message as idempotent, enabling 0-RTT
	// transmission as early data.
	SafelyReplayable bool

	// Final closes the sending direction after this message. No send
	// may follow a final message on the same connection.
	Final bool

	// ChecksumCoverage is the number of bytes the transport checksum
	// must cover, or [ChecksumCoverageFull].
	ChecksumCoverage ChecksumCoverage

	// CapacityProfile overrides the connection's capacity profile for
	// this message when not [CapacityProfileDefault].
	CapacityProfile CapacityProfile

	// NoFragmentation asks the network layer not to fragment the
	// message.
	NoFragmentation bool

	// NoSegmentation asks the transport not to segment the message
	// across transport-layer units.
	NoSegmentation bool

	// remote is the remote endpoint snapshot set on receive.
	remote Endpoint

	// local is the local endpoint snapshot set on receive.
	local Endpoint

	// ecn is the ECN marking observed on receive, when available.
	ecn int

	// earlyData records whether the message arrived as 0-RTT data.
	earlyData bool

	// endOfMessage is false when this context describes a partial
	// message whose remainder is still in flight.
	endOfMessage bool
}

// NewMessageContext returns a [*MessageContext] with the defaults.
func NewMessageContext() *MessageContext {
	return &MessageContext{
		Priority:         DefaultMsgPriority,
		Ordered:          true,
		Reliable:         true,
		ChecksumCoverage: ChecksumCoverageFull,
		endOfMessage:     true,
	}
}

// RemoteEndpoint returns the remote endpoint snapshot taken on receive.
func (mc *MessageContext) RemoteEndpoint() Endpoint {
	return mc.remote
}

// LocalEndpoint returns the local endpoint snapshot taken on receive.
func (mc *MessageContext) LocalEndpoint() Endpoint {
	return mc.local
}

// ECN returns the ECN marking observed on receive, when available.
func (mc *MessageContext) ECN() int {
	return mc.ecn
}

// EarlyData returns whether the message arrived as 0-RTT early data.
func (mc *MessageContext) EarlyData() bool {
	return mc.earlyData
}

// EndOfMessage returns false when the message is a partial fragment
// whose remainder has not been delivered yet.
func (mc *MessageContext) EndOfMessage() bool {
	return mc.endOfMessage
}

// clone returns a copy sharing no state with the original.
func (mc *MessageContext) clone() *MessageContext {
	c := *mc
	return &c
}

// Message is the atomic transfer unit: a byte payload plus its context.
type Message struct {
	// Data is the payload.
	Data []byte

	// Context is the per-message metadata. A nil context means the
	// defaults of [NewMessageContext].
	Context *MessageContext
}

// NewMessage returns a [*Message] wrapping the given payload with a
// default context.
func NewMessage(data []byte) *Message {
	return &Message{Data: data, Context: NewMessageContext()}
}

// context returns the message context, creating a default one when nil.
func (m *Message) context() *MessageContext {
	if m.Context == nil {
		m.Context = NewMessageContext()
	}
	return m.Context
}
