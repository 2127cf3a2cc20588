// SPDX-License-Identifier: GPL-3.0-or-later

package taps

// ProtocolStack describes a concrete protocol composition a candidate
// may use (e.g., TCP, TCP+TLS, UDP, QUIC).
//
// Stacks are immutable descriptors: the candidate tree builder checks
// them against hard constraints and the transport drivers know how to
// establish each of them. The built-in stacks are [StackTCP],
// [StackTCPTLS], [StackUDP], and [StackQUIC]; extension stacks can be
// registered on a [Preconnection] together with a driver that knows
// how to establish them.
type ProtocolStack struct {
	// Name is the stack name used in logs (e.g., "tcp+tls").
	Name string

	// Network is the base network, "tcp" or "udp".
	Network string

	// Secure reports whether the stack carries a security protocol.
	Secure bool

	// Reliable reports whether data transfer is reliable.
	Reliable bool

	// Boundaries reports whether the wire preserves message boundaries.
	Boundaries bool

	// Ordered reports whether delivery is in order.
	Ordered bool

	// CongestionControlled reports whether sending is congestion
	// controlled.
	CongestionControlled bool

	// ZeroRTT reports whether the stack can carry early data.
	ZeroRTT bool

	// Multistream reports whether one transport association can carry
	// several independent streams (used by Clone).
	Multistream bool

	// HandshakeCost counts handshake round trips, used as a ranking
	// tie-breaker (TCP < TCP+TLS).
	HandshakeCost int
}

// The built-in protocol stacks.
var (
	// StackTCP is cleartext TCP.
	StackTCP = &ProtocolStack{
		Name:                 "tcp",
		Network:              "tcp",
		Reliable:             true,
		Ordered:              true,
		CongestionControlled: true,
		HandshakeCost:        1,
	}

	// StackTCPTLS is TLS over TCP.
	StackTCPTLS = &ProtocolStack{
		Name:                 "tcp+tls",
		Network:              "tcp",
		Secure:               true,
		Reliable:             true,
		Ordered:              true,
		CongestionControlled: true,
		HandshakeCost:        2,
	}

	// StackUDP is plain UDP.
	StackUDP = &ProtocolStack{
		Name:       "udp",
		Network:    "udp",
		Boundaries: true,
	}

	// StackQUIC is QUIC over UDP.
	StackQUIC = &ProtocolStack{
		Name:                 "quic",
		Network:              "udp",
		Secure:               true,
		Reliable:             true,
		Ordered:              true,
		CongestionControlled: true,
		ZeroRTT:              true,
		Multistream:          true,
		HandshakeCost:        1,
	}
)

// builtinStacks lists the stacks considered by default; this order is
// the last tie-breaker among candidates of equal rank.
var builtinStacks = []*ProtocolStack{StackTCP, StackTCPTLS, StackUDP, StackQUIC}

// prefSatisfied checks one preference against whether the stack
// provides the property; require and prohibit are hard constraints.
func prefSatisfied(pref Preference, provides bool) bool {
	switch pref {
	case Require:
		return provides
	case Prohibit:
		return !provides
	default:
		return true
	}
}

// prefScore contributes the soft-preference ranking delta for one
// preference given whether the stack provides the property.
func prefScore(pref Preference, provides bool) int {
	switch {
	case pref == Prefer && provides:
		return 1
	case pref == Avoid && provides:
		return -1
	default:
		return 0
	}
}

// feasible reports whether the stack satisfies every hard constraint of
// the selection properties and security parameters.
func (s *ProtocolStack) feasible(props SelectionProperties, sec *SecurityParameters) bool {
	if sec != nil && sec.Disabled && s.Secure {
		return false
	}
	if sec != nil && !sec.Disabled && len(sec.PSK) > 0 {
		// External PSKs are unsupported by the built-in engines.
		return false
	}
	checks := []bool{
		prefSatisfied(props.Reliability, s.Reliable),
		prefSatisfied(props.PreserveMsgBoundaries, s.Boundaries),
		prefSatisfied(props.PreserveOrder, s.Ordered),
		prefSatisfied(props.PerMsgReliability, false),
		prefSatisfied(props.CongestionControl, s.CongestionControlled),
		prefSatisfied(props.Multistreaming, s.Multistream),
		prefSatisfied(props.ZeroRTT, s.ZeroRTT),
		prefSatisfied(props.Secure, s.Secure),
	}
	for _, ok := range checks {
		if !ok {
			return false
		}
	}
	return true
}

// score ranks the stack against the soft preferences; higher is better.
func (s *ProtocolStack) score(props SelectionProperties) int {
	return prefScore(props.Reliability, s.Reliable) +
		prefScore(props.PreserveMsgBoundaries, s.Boundaries) +
		prefScore(props.PreserveOrder, s.Ordered) +
		prefScore(props.CongestionControl, s.CongestionControlled) +
		prefScore(props.Multistreaming, s.Multistream) +
		prefScore(props.ZeroRTT, s.ZeroRTT) +
		prefScore(props.Secure, s.Secure)
}
