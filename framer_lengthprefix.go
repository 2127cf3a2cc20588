// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DefaultLengthPrefixMaxSize bounds message size for the length-prefix
// framer.
const DefaultLengthPrefixMaxSize = 1 << 20

// NewLengthPrefixFramer returns a [*LengthPrefixFramer] with the
// default maximum message size.
func NewLengthPrefixFramer() *LengthPrefixFramer {
	return &LengthPrefixFramer{MaxSize: DefaultLengthPrefixMaxSize}
}

// LengthPrefixFramer delimits messages with a 4-byte big-endian
// unsigned length followed by that many payload bytes.
//
// Oversize messages fail in both directions: outbound before any byte
// is produced, inbound as soon as the length header exceeds MaxSize,
// without buffering the oversized payload.
type LengthPrefixFramer struct {
	// MaxSize bounds the payload size in both directions.
	//
	// Set by [NewLengthPrefixFramer] to [DefaultLengthPrefixMaxSize].
	MaxSize int

	// buffer accumulates unparsed inbound bytes.
	buffer bytes.Buffer
}

var _ Framer = &LengthPrefixFramer{}

// Name implements [Framer].
func (f *LengthPrefixFramer) Name() string {
	return "lengthPrefix"
}

// FrameOutbound implements [Framer].
func (f *LengthPrefixFramer) FrameOutbound(msg *Message) ([][]byte, error) {
	if len(msg.Data) > f.MaxSize {
		return nil, fmt.Errorf("message size %d exceeds limit %d", len(msg.Data), f.MaxSize)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(msg.Data)))
	return [][]byte{header, msg.Data}, nil
}

// ParseInbound implements [Framer].
func (f *LengthPrefixFramer) ParseInbound(data []byte) ([]*Message, error) {
	f.buffer.Write(data)
	var out []*Message
	for {
		header := f.buffer.Bytes()
		if len(header) < 4 {
			return out, nil
		}
		length := int(binary.BigEndian.Uint32(header))
		if length > f.MaxSize {
			return nil, fmt.Errorf("message size %d exceeds limit %d", length, f.MaxSize)
		}
		if len(header) < 4+length {
			return out, nil
		}
		payload := make([]byte, length)
		copy(payload, header[4:4+length])
		f.buffer.Next(4 + length)
		out = append(out, NewMessage(payload))
	}
}

// Reset implements [Framer].
func (f *LengthPrefixFramer) Reset() {
	f.buffer.Reset()
}

// Clone implements [Framer].
func (f *LengthPrefixFramer) Clone() Framer {
	return &LengthPrefixFramer{MaxSize: f.MaxSize}
}
