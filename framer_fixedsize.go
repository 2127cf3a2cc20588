// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"bytes"
	"fmt"

	"github.com/bassosimone/runtimex"
)

// NewFixedSizeFramer returns a [*FixedSizeFramer] where every message
// is exactly size bytes.
func NewFixedSizeFramer(size int) *FixedSizeFramer {
	runtimex.Assert(size > 0)
	return &FixedSizeFramer{Size: size}
}

// FixedSizeFramer delimits messages by a fixed size: sending rejects
// any other payload size and receiving yields one message per size
// bytes.
type FixedSizeFramer struct {
	// Size is the exact message size.
	//
	// Set by [NewFixedSizeFramer] to the user-provided value.
	Size int

	// buffer accumulates unparsed inbound bytes.
	buffer bytes.Buffer
}

var _ Framer = &FixedSizeFramer{}

// Name implements [Framer].
func (f *FixedSizeFramer) Name() string {
	return "fixedSize"
}

// FrameOutbound implements [Framer].
func (f *FixedSizeFramer) FrameOutbound(msg *Message) ([][]byte, error) {
	if len(msg.Data) != f.Size {
		return nil, fmt.Errorf("message size %d differs from fixed size %d", len(msg.Data), f.Size)
	}
	return [][]byte{msg.Data}, nil
}

// ParseInbound implements [Framer].
func (f *FixedSizeFramer) ParseInbound(data []byte) ([]*Message, error) {
	f.buffer.Write(data)
	var out []*Message
	for f.buffer.Len() >= f.Size {
		payload := make([]byte, f.Size)
		copy(payload, f.buffer.Bytes()[:f.Size])
		f.buffer.Next(f.Size)
		out = append(out, NewMessage(payload))
	}
	return out, nil
}

// Reset implements [Framer].
func (f *FixedSizeFramer) Reset() {
	f.buffer.Reset()
}

// Clone implements [Framer].
func (f *FixedSizeFramer) Clone() Framer {
	return &FixedSizeFramer{Size: f.Size}
}
