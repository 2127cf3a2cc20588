// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Default limits for the HTTP/1.x framer.
const (
	// DefaultHTTPMaxHeaderSize bounds the header block.
	DefaultHTTPMaxHeaderSize = 8 << 10

	// DefaultHTTPMaxBodySize bounds the body.
	DefaultHTTPMaxBodySize = 10 << 20
)

// crlfcrlf terminates an HTTP/1.x header block.
var crlfcrlf = []byte("\r\n\r\n")

// NewHTTPFramer returns a [*HTTPFramer] with the default limits.
func NewHTTPFramer() *HTTPFramer {
	return &HTTPFramer{
		MaxBodySize:   DefaultHTTPMaxBodySize,
		MaxHeaderSize: DefaultHTTPMaxHeaderSize,
	}
}

// HTTPFramer delimits HTTP/1.x messages on a byte stream.
//
// A message is a complete request or response: a start line and header
// block terminated by CRLFCRLF, followed by a body delimited by
// Content-Length or chunked transfer coding (no body when neither is
// present). Inbound chunked bodies are delivered de-chunked, with the
// framing stripped and Content-Length substituted.
//
// Outbound messages must already be well-formed: the framer validates
// the header block (field names and values per [httpguts]) and passes
// the bytes through unchanged.
//
// This is a framing example, not an HTTP client: no semantics beyond
// message delimitation are implemented.
type HTTPFramer struct {
	// MaxBodySize bounds the body size.
	//
	// Set by [NewHTTPFramer] to [DefaultHTTPMaxBodySize].
	MaxBodySize int

	// MaxHeaderSize bounds the header block size.
	//
	// Set by [NewHTTPFramer] to [DefaultHTTPMaxHeaderSize].
	MaxHeaderSize int

	// buffer accumulates unparsed inbound bytes.
	buffer bytes.Buffer
}

var _ Framer = &HTTPFramer{}

// Name implements [Framer].
func (f *HTTPFramer) Name() string {
	return "http"
}

// FrameOutbound implements [Framer].
func (f *HTTPFramer) FrameOutbound(msg *Message) ([][]byte, error) {
	end := bytes.Index(msg.Data, crlfcrlf)
	if end < 0 {
		return nil, errors.New("http: message has no header terminator")
	}
	if end+len(crlfcrlf) > f.MaxHeaderSize {
		return nil, fmt.Errorf("http: header block exceeds limit %d", f.MaxHeaderSize)
	}
	if _, err := parseHTTPHeader(msg.Data[:end+len(crlfcrlf)]); err != nil {
		return nil, err
	}
	if len(msg.Data)-end-len(crlfcrlf) > f.MaxBodySize {
		return nil, fmt.Errorf("http: body exceeds limit %d", f.MaxBodySize)
	}
	return [][]byte{msg.Data}, nil
}

// ParseInbound implements [Framer].
func (f *HTTPFramer) ParseInbound(data []byte) ([]*Message, error) {
	f.buffer.Write(data)
	var out []*Message
	for {
		msg, err := f.nextMessage()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return out, nil
		}
		out = append(out, msg)
	}
}

// nextMessage extracts one complete HTTP message from the buffer,
// returning nil when more bytes are needed.
func (f *HTTPFramer) nextMessage() (*Message, error) {
	raw := f.buffer.Bytes()
	end := bytes.Index(raw, crlfcrlf)
	if end < 0 {
		if f.buffer.Len() > f.MaxHeaderSize {
			return nil, fmt.Errorf("http: no header terminator within %d bytes", f.MaxHeaderSize)
		}
		return nil, nil
	}
	headSize := end + len(crlfcrlf)
	if headSize > f.MaxHeaderSize {
		return nil, fmt.Errorf("http: header block exceeds limit %d", f.MaxHeaderSize)
	}
	header, err := parseHTTPHeader(raw[:headSize])
	if err != nil {
		return nil, err
	}

	if isChunked(header) {
		return f.nextChunkedMessage(raw, headSize)
	}

	bodySize := 0
	if value := header.Get("Content-Length"); value != "" {
		bodySize, err = strconv.Atoi(value)
		if err != nil || bodySize < 0 {
			return nil, fmt.Errorf("http: invalid Content-Length %q", value)
		}
	}
	if bodySize > f.MaxBodySize {
		return nil, fmt.Errorf("http: body exceeds limit %d", f.MaxBodySize)
	}
	if len(raw) < headSize+bodySize {
		return nil, nil
	}
	payload := make([]byte, headSize+bodySize)
	copy(payload, raw[:headSize+bodySize])
	f.buffer.Next(headSize + bodySize)
	return NewMessage(payload), nil
}

// nextChunkedMessage decodes a chunked body, returning nil when more
// bytes are needed. The delivered message carries the de-chunked body
// with a substituted Content-Length header.
func (f *HTTPFramer) nextChunkedMessage(raw []byte, headSize int) (*Message, error) {
	var body []byte
	offset := headSize
	for {
		lineEnd := bytes.Index(raw[offset:], []byte("\r\n"))
		if lineEnd < 0 {
			return nil, nil
		}
		size, err := strconv.ParseInt(strings.TrimSpace(string(raw[offset:offset+lineEnd])), 16, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("http: invalid chunk size line")
		}
		offset += lineEnd + 2
		if size == 0 {
			// Trailer section: only an empty one (the terminating
			// CRLF) is accepted; trailer fields are rejected.
			if len(raw) < offset+2 {
				return nil, nil
			}
			if !bytes.HasPrefix(raw[offset:], []byte("\r\n")) {
				return nil, errors.New("http: trailers are not supported")
			}
			offset += 2
			break
		}
		if len(body)+int(size) > f.MaxBodySize {
			return nil, fmt.Errorf("http: body exceeds limit %d", f.MaxBodySize)
		}
		if len(raw) < offset+int(size)+2 {
			return nil, nil
		}
		body = append(body, raw[offset:offset+int(size)]...)
		offset += int(size) + 2
	}

	head := dropChunkedHeaders(raw[:headSize], len(body))
	payload := append(head, body...)
	f.buffer.Next(offset)
	return NewMessage(payload), nil
}

// Reset implements [Framer].
func (f *HTTPFramer) Reset() {
	f.buffer.Reset()
}

// parseHTTPHeader parses and validates a header block including the
// start line and the terminating CRLFCRLF.
func parseHTTPHeader(head []byte) (textproto.MIMEHeader, error) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	if _, err := reader.ReadLine(); err != nil {
		return nil, fmt.Errorf("http: cannot read start line: %w", err)
	}
	header, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("http: cannot parse headers: %w", err)
	}
	for name, values := range header {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("http: invalid header field name %q", name)
		}
		for _, value := range values {
			if !httpguts.ValidHeaderFieldValue(value) {
				return nil, fmt.Errorf("http: invalid header field value for %q", name)
			}
		}
	}
	return header, nil
}

// isChunked reports whether the header block declares chunked transfer
// coding.
func isChunked(header textproto.MIMEHeader) bool {
	return strings.EqualFold(header.Get("Transfer-Encoding"), "chunked")
}

// dropChunkedHeaders rewrites the header block of a de-chunked message:
// Transfer-Encoding goes away and Content-Length takes its place.
func dropChunkedHeaders(head []byte, bodySize int) []byte {
	lines := bytes.Split(bytes.TrimSuffix(head, crlfcrlf), []byte("\r\n"))
	out := make([]byte, 0, len(head))
	for _, line := range lines {
		if lower := bytes.ToLower(line); bytes.HasPrefix(lower, []byte("transfer-encoding:")) {
			continue
		}
		out = append(out, line...)
		out = append(out, '\r', '\n')
	}
	out = append(out, fmt.Sprintf("Content-Length: %d\r\n\r\n", bodySize)...)
	return out
}

// Clone implements [Framer].
func (f *HTTPFramer) Clone() Framer {
	return &HTTPFramer{MaxBodySize: f.MaxBodySize, MaxHeaderSize: f.MaxHeaderSize}
}
