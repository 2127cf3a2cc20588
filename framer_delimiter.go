// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"bytes"
	"fmt"
)

// DefaultDelimiterMaxMessageSize bounds message size for the delimiter
// framer.
const DefaultDelimiterMaxMessageSize = 1 << 20

// NewDelimiterFramer returns a [*DelimiterFramer] using the given
// terminator sequence.
func NewDelimiterFramer(delimiter []byte) *DelimiterFramer {
	return &DelimiterFramer{
		Delimiter:      delimiter,
		MaxMessageSize: DefaultDelimiterMaxMessageSize,
	}
}

// DelimiterFramer delimits messages with a terminator byte sequence.
//
// Outbound messages containing the delimiter are rejected unless
// IncludeDelimiter is set, since there is no escaping: the peer would
// otherwise split the message at the embedded delimiter.
type DelimiterFramer struct {
	// Delimiter is the terminator sequence.
	//
	// Set by [NewDelimiterFramer] to the user-provided value.
	Delimiter []byte

	// IncludeDelimiter keeps the delimiter in delivered messages.
	IncludeDelimiter bool

	// MaxMessageSize bounds how many bytes may accumulate before a
	// delimiter arrives.
	//
	// Set by [NewDelimiterFramer] to [DefaultDelimiterMaxMessageSize].
	MaxMessageSize int

	// buffer accumulates unparsed inbound bytes.
	buffer bytes.Buffer
}

var _ Framer = &DelimiterFramer{}

// Name implements [Framer].
func (f *DelimiterFramer) Name() string {
	return "delimiter"
}

// FrameOutbound implements [Framer].
func (f *DelimiterFramer) FrameOutbound(msg *Message) ([][]byte, error) {
	if len(msg.Data) > f.MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds limit %d", len(msg.Data), f.MaxMessageSize)
	}
	if !f.IncludeDelimiter && bytes.Contains(msg.Data, f.Delimiter) {
		return nil, fmt.Errorf("message contains the delimiter")
	}
	return [][]byte{msg.Data, f.Delimiter}, nil
}

// ParseInbound implements [Framer].
func (f *DelimiterFramer) ParseInbound(data []byte) ([]*Message, error) {
	f.buffer.Write(data)
	var out []*Message
	for {
		index := bytes.Index(f.buffer.Bytes(), f.Delimiter)
		if index < 0 {
			if f.buffer.Len() > f.MaxMessageSize+len(f.Delimiter) {
				return nil, fmt.Errorf("no delimiter within %d bytes", f.MaxMessageSize)
			}
			return out, nil
		}
		size := index
		if f.IncludeDelimiter {
			size += len(f.Delimiter)
		}
		payload := make([]byte, size)
		copy(payload, f.buffer.Bytes()[:size])
		f.buffer.Next(index + len(f.Delimiter))
		out = append(out, NewMessage(payload))
	}
}

// Reset implements [Framer].
func (f *DelimiterFramer) Reset() {
	f.buffer.Reset()
}

// Clone implements [Framer].
func (f *DelimiterFramer) Clone() Framer {
	return &DelimiterFramer{
		Delimiter:        f.Delimiter,
		IncludeDelimiter: f.IncludeDelimiter,
		MaxMessageSize:   f.MaxMessageSize,
	}
}
