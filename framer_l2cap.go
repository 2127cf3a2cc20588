// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"fmt"

	"github.com/bassosimone/runtimex"
)

// NewL2CAPFramer returns a [*L2CAPFramer] for the given MTU.
func NewL2CAPFramer(mtu int) *L2CAPFramer {
	runtimex.Assert(mtu > 0)
	return &L2CAPFramer{MTU: mtu}
}

// L2CAPFramer adapts messages to an MTU-bounded datagram link.
//
// Outbound messages larger than the MTU are fragmented into MTU-sized
// chunks when AutoFragment is set and rejected otherwise. Inbound, each
// received chunk is preserved as one message: the link itself delimits.
type L2CAPFramer struct {
	// AutoFragment splits oversized outbound messages at the MTU.
	AutoFragment bool

	// MTU is the maximum transmission unit of the link.
	//
	// Set by [NewL2CAPFramer] to the user-provided value.
	MTU int
}

var _ Framer = &L2CAPFramer{}

// Name implements [Framer].
func (f *L2CAPFramer) Name() string {
	return "l2cap"
}

// FrameOutbound implements [Framer].
func (f *L2CAPFramer) FrameOutbound(msg *Message) ([][]byte, error) {
	if len(msg.Data) <= f.MTU {
		return [][]byte{msg.Data}, nil
	}
	if !f.AutoFragment {
		return nil, fmt.Errorf("message size %d exceeds MTU %d", len(msg.Data), f.MTU)
	}
	var out [][]byte
	for data := msg.Data; len(data) > 0; {
		size := min(len(data), f.MTU)
		out = append(out, data[:size])
		data = data[size:]
	}
	return out, nil
}

// ParseInbound implements [Framer].
func (f *L2CAPFramer) ParseInbound(data []byte) ([]*Message, error) {
	if len(data) < 1 {
		return nil, nil
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	return []*Message{NewMessage(payload)}, nil
}

// Reset implements [Framer].
func (f *L2CAPFramer) Reset() {
	// stateless
}

// Clone implements [Framer].
func (f *L2CAPFramer) Clone() Framer {
	return &L2CAPFramer{AutoFragment: f.AutoFragment, MTU: f.MTU}
}
