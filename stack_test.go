// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// A stack is feasible iff it provides every required property and no
// prohibited one.
func TestStackFeasibility(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// props are the selection properties to check against.
		props SelectionProperties

		// sec are the security parameters, possibly nil.
		sec *SecurityParameters

		// want lists the feasible built-in stacks.
		want []*ProtocolStack
	}{
		{
			name:  "defaults admit the reliable ordered stacks",
			props: NewSelectionProperties(),
			want:  []*ProtocolStack{StackTCP, StackTCPTLS, StackQUIC},
		},

		{
			name: "prohibiting reliability with required boundaries leaves nothing ordered",
			props: func() SelectionProperties {
				p := NewSelectionProperties()
				p.Reliability = Prohibit
				p.PreserveMsgBoundaries = Require
				return p
			}(),
			want: nil,
		},

		{
			name: "datagram profile admits UDP",
			props: SelectionProperties{
				Reliability:           Prohibit,
				PreserveMsgBoundaries: Require,
			},
			want: []*ProtocolStack{StackUDP},
		},

		{
			name: "requiring security excludes cleartext",
			props: func() SelectionProperties {
				p := NewSelectionProperties()
				p.Secure = Require
				return p
			}(),
			want: []*ProtocolStack{StackTCPTLS, StackQUIC},
		},

		{
			name:  "disabled security excludes secure stacks",
			props: NewSelectionProperties(),
			sec:   NewDisabledSecurityParameters(),
			want:  []*ProtocolStack{StackTCP},
		},

		{
			name: "requiring multistreaming leaves QUIC",
			props: func() SelectionProperties {
				p := NewSelectionProperties()
				p.Multistreaming = Require
				return p
			}(),
			want: []*ProtocolStack{StackQUIC},
		},

		{
			name: "external PSK is unsupported by the built-in engines",
			props: func() SelectionProperties {
				p := NewSelectionProperties()
				p.Secure = Require
				return p
			}(),
			sec:  &SecurityParameters{PSK: []byte{0x01}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []*ProtocolStack
			for _, stack := range builtinStacks {
				if stack.feasible(tt.props, tt.sec) {
					got = append(got, stack)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// Prefer raises the score of stacks providing the property and Avoid
// lowers it; hard constraints do not contribute.
func TestStackScore(t *testing.T) {
	props := SelectionProperties{
		Reliability: Require,
		ZeroRTT:     Prefer,
		Secure:      Avoid,
	}

	assert.Equal(t, 0, StackTCP.score(props))
	assert.Equal(t, -1, StackTCPTLS.score(props))
	assert.Equal(t, 0, StackQUIC.score(props))
}
