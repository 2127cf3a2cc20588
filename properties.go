// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import "time"

// Preference expresses how strongly a selection property constrains or
// influences protocol and path selection.
//
// Require and Prohibit are hard constraints: a candidate violating either
// never enters the race. Prefer and Avoid only influence candidate order.
type Preference int

const (
	// NoPreference neither requires nor influences selection.
	NoPreference = Preference(iota)

	// Prefer ranks candidates providing the property earlier.
	Prefer

	// Avoid ranks candidates providing the property later.
	Avoid

	// Require excludes candidates not providing the property.
	Require

	// Prohibit excludes candidates providing the property.
	Prohibit
)

// String implements [fmt.Stringer].
func (p Preference) String() string {
	switch p {
	case Prefer:
		return "prefer"
	case Avoid:
		return "avoid"
	case Require:
		return "require"
	case Prohibit:
		return "prohibit"
	default:
		return "noPreference"
	}
}

// MultipathMode selects the multipath policy for a connection.
type MultipathMode int

const (
	// MultipathDisabled disables multipath transport.
	MultipathDisabled = MultipathMode(iota)

	// MultipathActive actively establishes additional paths.
	MultipathActive

	// MultipathPassive accepts additional paths established by the peer.
	MultipathPassive
)

// Direction selects the communication direction for a connection.
type Direction int

const (
	// DirectionBidirectional sends and receives.
	DirectionBidirectional = Direction(iota)

	// DirectionSendOnly only sends.
	DirectionSendOnly

	// DirectionReceiveOnly only receives.
	DirectionReceiveOnly
)

// CapacityProfile hints the traffic profile to the transport.
type CapacityProfile int

const (
	// CapacityProfileDefault applies no specific profile.
	CapacityProfileDefault = CapacityProfile(iota)

	// CapacityProfileLowLatency favors latency over throughput.
	CapacityProfileLowLatency

	// CapacityProfileConstantRate favors a steady sending rate.
	CapacityProfileConstantRate

	// CapacityProfileBulk favors throughput over latency.
	CapacityProfileBulk
)

// SelectionProperties constrain and influence which protocol stacks and
// paths the candidate tree builder considers.
//
// The zero value requires reliable, ordered, congestion-controlled
// transport and leaves everything else unconstrained, matching the
// transport-services defaults. Use [NewSelectionProperties] to obtain it.
type SelectionProperties struct {
	// Reliability asks for reliable data transfer.
	Reliability Preference

	// PreserveMsgBoundaries asks the stack itself to preserve message
	// boundaries on the wire. Framers can provide boundaries on stacks
	// that do not.
	PreserveMsgBoundaries Preference

	// PreserveOrder asks for in-order delivery.
	PreserveOrder Preference

	// PerMsgReliability asks for per-message reliability control.
	PerMsgReliability Preference

	// CongestionControl asks for congestion-controlled sending.
	CongestionControl Preference

	// UseTemporaryLocalAddress asks for a temporary (privacy) local address.
	UseTemporaryLocalAddress Preference

	// Multistreaming asks for stacks able to carry several streams on
	// one transport association (used by Clone).
	Multistreaming Preference

	// ZeroRTT asks for stacks supporting early data on establishment.
	ZeroRTT Preference

	// Secure asks for a stack with a security protocol (e.g. TLS).
	Secure Preference

	// Multipath selects the multipath policy.
	Multipath MultipathMode

	// Direction selects the communication direction.
	Direction Direction

	// CapacityProfile hints the traffic profile.
	CapacityProfile CapacityProfile
}

// NewSelectionProperties returns the default [SelectionProperties]:
// reliability, ordering, and congestion control are required; everything
// else is unconstrained.
func NewSelectionProperties() SelectionProperties {
	return SelectionProperties{
		Reliability:       Require,
		PreserveOrder:     Require,
		CongestionControl: Require,
	}
}

// ConnectionProperties are per-connection tunables. Unlike
// [SelectionProperties] they keep meaning after establishment.
type ConnectionProperties struct {
	// ConnTimeout bounds the whole establishment race. Zero means the
	// [DefaultConnTimeout].
	ConnTimeout time.Duration

	// KeepAliveTimeout enables transport keep-alives when the stack
	// supports them. Zero disables keep-alives.
	KeepAliveTimeout time.Duration

	// RaceDelay is the stagger interval between candidate attempts.
	// Zero means the [DefaultRaceDelay].
	RaceDelay time.Duration

	// RecvQueueLimit bounds the number of parsed messages buffered on
	// the receive queue before the transport read side is paused. Zero
	// means the [DefaultRecvQueueLimit].
	RecvQueueLimit int

	// SendQueueLimit bounds the number of enqueued outbound messages
	// before Send suspends the caller. Zero means the
	// [DefaultSendQueueLimit].
	SendQueueLimit int
}
