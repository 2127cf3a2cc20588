// SPDX-License-Identifier: GPL-3.0-or-later

package taps

// Framer converts messages to byte chunks and back, delimiting message
// boundaries on byte-stream transports.
//
// Framers compose into an ordered stack configured on the
// [Preconnection]. Outbound, the last framer added runs first and its
// chunks feed the earlier framers; inbound, the first framer added
// parses the raw transport bytes and its completed messages feed the
// later framers.
//
// Each framer owns its private parse state: ParseInbound appends the
// given bytes to the framer's buffer and returns the messages completed
// so far, keeping any remainder buffered. FrameOutbound and
// ParseInbound are called from different connection loops and must not
// share mutable state with each other.
type Framer interface {
	// Name returns the framer name used in logs.
	Name() string

	// FrameOutbound converts one message into wire chunks.
	FrameOutbound(msg *Message) ([][]byte, error)

	// ParseInbound appends bytes to the parse buffer and returns the
	// messages completed so far.
	ParseInbound(data []byte) ([]*Message, error)

	// Reset discards parse state. A connection calls it once, when it
	// opens; closing a connection does not call it.
	Reset()

	// Clone returns a fresh framer with the same configuration and
	// empty parse state. Every connection built from a preconnection
	// gets its own framer instances this way, so parse buffers are
	// never shared across connections.
	Clone() Framer
}

// framerStack is the ordered framer pipeline owned by a connection.
//
// The stack is configured during preestablishment and frozen when the
// connection reaches Established; adding framers afterwards fails with
// [ErrFramersFrozen].
type framerStack struct {
	// framers holds the stack in the order framers were added.
	framers []Framer

	// frozen is set when the owning connection establishes.
	frozen bool
}

// add appends a framer unless the stack is frozen.
func (s *framerStack) add(framer Framer) error {
	if s.frozen {
		return ErrFramersFrozen
	}
	s.framers = append(s.framers, framer)
	return nil
}

// freeze forbids further additions.
func (s *framerStack) freeze() {
	s.frozen = true
}

// clone returns an unfrozen copy with fresh framer instances.
func (s *framerStack) clone() *framerStack {
	out := &framerStack{}
	for _, framer := range s.framers {
		out.framers = append(out.framers, framer.Clone())
	}
	return out
}

// empty reports whether the stack has no framers.
func (s *framerStack) empty() bool {
	return len(s.framers) < 1
}

// reset discards every framer's parse state.
func (s *framerStack) reset() {
	for _, framer := range s.framers {
		framer.Reset()
	}
}

// frameOutbound runs the outbound chain: the last framer added frames
// the message, then each earlier framer frames the produced chunks as
// opaque messages, innermost first.
func (s *framerStack) frameOutbound(msg *Message) ([][]byte, error) {
	if s.empty() {
		return [][]byte{msg.Data}, nil
	}
	chunks, err := s.framers[len(s.framers)-1].FrameOutbound(msg)
	if err != nil {
		return nil, err
	}
	for i := len(s.framers) - 2; i >= 0; i-- {
		var next [][]byte
		for _, chunk := range chunks {
			framed, err := s.framers[i].FrameOutbound(&Message{Data: chunk, Context: msg.Context})
			if err != nil {
				return nil, err
			}
			next = append(next, framed...)
		}
		chunks = next
	}
	return chunks, nil
}

// parseInbound runs the inbound chain: the first framer added parses
// the raw bytes and each completed message feeds the next framer.
func (s *framerStack) parseInbound(data []byte) ([]*Message, error) {
	if s.empty() {
		payload := make([]byte, len(data))
		copy(payload, data)
		return []*Message{NewMessage(payload)}, nil
	}
	msgs, err := s.framers[0].ParseInbound(data)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(s.framers); i++ {
		var next []*Message
		for _, msg := range msgs {
			parsed, err := s.framers[i].ParseInbound(msg.Data)
			if err != nil {
				return nil, err
			}
			next = append(next, parsed...)
		}
		msgs = next
	}
	return msgs, nil
}
