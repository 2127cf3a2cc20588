// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bassosimone/runtimex"
)

// DefaultWebSocketMaxMessageSize bounds reassembled message size for
// the WebSocket framer.
const DefaultWebSocketMaxMessageSize = 16 << 20

// WebSocket opcodes (RFC 6455 §5.2).
const (
	wsOpcodeContinuation = 0x0
	wsOpcodeText         = 0x1
	wsOpcodeBinary       = 0x2
	wsOpcodeClose        = 0x8
	wsOpcodePing         = 0x9
	wsOpcodePong         = 0xA
)

// errWebSocketClosed reports that the peer sent a close frame.
var errWebSocketClosed = errors.New("websocket: peer sent close frame")

// NewWebSocketFramer returns a [*WebSocketFramer] for one side of the
// connection: pass true for the client side, which masks its outbound
// frames as RFC 6455 mandates, and false for the server side, which
// requires inbound frames to be masked.
func NewWebSocketFramer(client bool) *WebSocketFramer {
	return &WebSocketFramer{
		Client:         client,
		MaxMessageSize: DefaultWebSocketMaxMessageSize,
	}
}

// WebSocketFramer frames messages as RFC 6455 data frames.
//
// Outbound messages become single binary frames (FIN set); inbound
// parsing reassembles continuation fragments into complete messages.
// Ping and pong frames are consumed silently; a close frame or an
// unknown opcode fails parsing.
//
// This framer speaks the frame protocol only: the HTTP upgrade
// handshake is outside its scope and outside this package's scope.
type WebSocketFramer struct {
	// Client selects the client side of the protocol.
	//
	// Set by [NewWebSocketFramer] to the user-provided value.
	Client bool

	// MaxMessageSize bounds the reassembled message size.
	//
	// Set by [NewWebSocketFramer] to [DefaultWebSocketMaxMessageSize].
	MaxMessageSize int

	// buffer accumulates unparsed inbound bytes.
	buffer bytes.Buffer

	// fragments accumulates the payloads of an unfinished fragmented
	// message.
	fragments []byte

	// inFragmented records that a fragmented message is in progress.
	inFragmented bool
}

var _ Framer = &WebSocketFramer{}

// Name implements [Framer].
func (f *WebSocketFramer) Name() string {
	return "websocket"
}

// FrameOutbound implements [Framer].
func (f *WebSocketFramer) FrameOutbound(msg *Message) ([][]byte, error) {
	if len(msg.Data) > f.MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds limit %d", len(msg.Data), f.MaxMessageSize)
	}

	header := make([]byte, 0, 14)
	header = append(header, 0x80|wsOpcodeBinary)

	maskBit := byte(0)
	if f.Client {
		maskBit = 0x80
	}
	switch size := len(msg.Data); {
	case size <= 125:
		header = append(header, maskBit|byte(size))
	case size <= 0xffff:
		header = append(header, maskBit|126)
		header = binary.BigEndian.AppendUint16(header, uint16(size))
	default:
		header = append(header, maskBit|127)
		header = binary.BigEndian.AppendUint64(header, uint64(size))
	}

	if !f.Client {
		return [][]byte{header, msg.Data}, nil
	}

	var key [4]byte
	runtimex.PanicOnError1(rand.Read(key[:]))
	header = append(header, key[:]...)
	masked := make([]byte, len(msg.Data))
	for i, b := range msg.Data {
		masked[i] = b ^ key[i%4]
	}
	return [][]byte{header, masked}, nil
}

// ParseInbound implements [Framer].
func (f *WebSocketFramer) ParseInbound(data []byte) ([]*Message, error) {
	f.buffer.Write(data)
	var out []*Message
	for {
		payload, fin, opcode, ok, err := f.nextFrame()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		msg, err := f.consumeFrame(payload, fin, opcode)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
}

// nextFrame decodes one frame from the buffer, reporting ok=false when
// more bytes are needed.
func (f *WebSocketFramer) nextFrame() (payload []byte, fin bool, opcode byte, ok bool, err error) {
	raw := f.buffer.Bytes()
	if len(raw) < 2 {
		return nil, false, 0, false, nil
	}
	fin = raw[0]&0x80 != 0
	if raw[0]&0x70 != 0 {
		return nil, false, 0, false, errors.New("websocket: nonzero reserved bits")
	}
	opcode = raw[0] & 0x0f
	masked := raw[1]&0x80 != 0

	// The server requires masked frames; the client rejects them.
	if masked == f.Client {
		if f.Client {
			return nil, false, 0, false, errors.New("websocket: server sent masked frame")
		}
		return nil, false, 0, false, errors.New("websocket: client sent unmasked frame")
	}

	offset := 2
	length := int(raw[1] & 0x7f)
	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, false, 0, false, nil
		}
		length = int(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, false, 0, false, nil
		}
		size := binary.BigEndian.Uint64(raw[offset:])
		if size > uint64(f.MaxMessageSize) {
			return nil, false, 0, false, fmt.Errorf("websocket: frame size %d exceeds limit %d", size, f.MaxMessageSize)
		}
		length = int(size)
		offset += 8
	}
	if length > f.MaxMessageSize {
		return nil, false, 0, false, fmt.Errorf("websocket: frame size %d exceeds limit %d", length, f.MaxMessageSize)
	}

	var key [4]byte
	if masked {
		if len(raw) < offset+4 {
			return nil, false, 0, false, nil
		}
		copy(key[:], raw[offset:])
		offset += 4
	}
	if len(raw) < offset+length {
		return nil, false, 0, false, nil
	}

	payload = make([]byte, length)
	copy(payload, raw[offset:offset+length])
	if masked {
		for i := range payload {
			payload[i] ^= key[i%4]
		}
	}
	f.buffer.Next(offset + length)
	return payload, fin, opcode, true, nil
}

// consumeFrame applies one decoded frame to the reassembly state,
// returning a completed message when the frame finishes one.
func (f *WebSocketFramer) consumeFrame(payload []byte, fin bool, opcode byte) (*Message, error) {
	switch opcode {
	case wsOpcodeText, wsOpcodeBinary:
		if f.inFragmented {
			return nil, errors.New("websocket: data frame while fragmented message in progress")
		}
		if fin {
			return NewMessage(payload), nil
		}
		f.inFragmented = true
		f.fragments = payload
		return nil, nil

	case wsOpcodeContinuation:
		if !f.inFragmented {
			return nil, errors.New("websocket: continuation without initial frame")
		}
		if len(f.fragments)+len(payload) > f.MaxMessageSize {
			return nil, fmt.Errorf("websocket: reassembled size exceeds limit %d", f.MaxMessageSize)
		}
		f.fragments = append(f.fragments, payload...)
		if !fin {
			return nil, nil
		}
		msg := NewMessage(f.fragments)
		f.fragments = nil
		f.inFragmented = false
		return msg, nil

	case wsOpcodePing, wsOpcodePong:
		if !fin || len(payload) > 125 {
			return nil, errors.New("websocket: malformed control frame")
		}
		return nil, nil

	case wsOpcodeClose:
		return nil, errWebSocketClosed

	default:
		return nil, fmt.Errorf("websocket: unknown opcode %#x", opcode)
	}
}

// Reset implements [Framer].
func (f *WebSocketFramer) Reset() {
	f.buffer.Reset()
	f.fragments = nil
	f.inFragmented = false
}

// Clone implements [Framer].
func (f *WebSocketFramer) Clone() Framer {
	return &WebSocketFramer{Client: f.Client, MaxMessageSize: f.MaxMessageSize}
}
