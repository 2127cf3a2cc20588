// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readFrame reads one length-prefixed message from the peer side.
func readFrame(t *testing.T, peer io.Reader) []byte {
	t.Helper()
	header := make([]byte, 4)
	_, err := io.ReadFull(peer, header)
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint32(header))
	_, err = io.ReadFull(peer, payload)
	require.NoError(t, err)
	return payload
}

// writeFrame writes one length-prefixed message to the peer side.
func writeFrame(t *testing.T, peer io.Writer, payload []byte) {
	t.Helper()
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	_, err := peer.Write(append(header, payload...))
	require.NoError(t, err)
}

// newLengthPrefixedPipeConnection builds a pipe-backed connection with
// a length-prefix framer.
func newLengthPrefixedPipeConnection(clock Clock) (*Connection, io.ReadWriteCloser) {
	framers := &framerStack{}
	framers.add(NewLengthPrefixFramer())
	return newPipeConnection(framers, clock)
}

// A sent message flows through the outbound framer chain onto the
// transport and resolves with a Sent event.
func TestConnectionSend(t *testing.T) {
	conn, peer := newLengthPrefixedPipeConnection(newFakeClock())
	defer conn.Abort()

	err := conn.Send(context.Background(), NewMessage([]byte("ping")))
	require.NoError(t, err)

	assert.Equal(t, []byte("ping"), readFrame(t, peer))

	ev, err := conn.Events().Next(context.Background())
	require.NoError(t, err)
	assert.IsType(t, EventReady{}, ev)
	ev, err = conn.Events().Next(context.Background())
	require.NoError(t, err)
	assert.IsType(t, EventSent{}, ev)
}

// Received bytes flow through the inbound framer chain and surface
// from Receive in wire order.
func TestConnectionReceive(t *testing.T) {
	conn, peer := newLengthPrefixedPipeConnection(newFakeClock())
	defer conn.Abort()

	go func() {
		writeFrame(t, peer, []byte("a"))
		writeFrame(t, peer, []byte("bcd"))
	}()

	first, err := conn.Receive(context.Background(), -1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), first.Data)

	second, err := conn.Receive(context.Background(), -1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("bcd"), second.Data)

	// The receive path snapshots endpoints into the context.
	assert.NotNil(t, second.Context)
}

// A maxLength bound truncates delivery: the prefix arrives with
// EndOfMessage false and the remainder arrives on the next call.
func TestConnectionReceiveBounded(t *testing.T) {
	conn, peer := newLengthPrefixedPipeConnection(newFakeClock())
	defer conn.Abort()

	go writeFrame(t, peer, []byte("hello world"))

	head, err := conn.Receive(context.Background(), -1, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), head.Data)
	assert.False(t, head.Context.EndOfMessage())

	rest, err := conn.Receive(context.Background(), -1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte(" world"), rest.Data)
	assert.True(t, rest.Context.EndOfMessage())
}

// Receive honors context cancellation while suspended.
func TestConnectionReceiveCancellation(t *testing.T) {
	conn, _ := newLengthPrefixedPipeConnection(newFakeClock())
	defer conn.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := conn.Receive(ctx, -1, 0)

	assert.ErrorIs(t, err, ErrCancelled)
}

// A message whose context sets Final closes the sending direction: a
// later Send fails.
func TestConnectionFinalMessage(t *testing.T) {
	conn, peer := newLengthPrefixedPipeConnection(newFakeClock())
	defer conn.Abort()

	msg := NewMessage([]byte("last"))
	msg.Context.Final = true
	require.NoError(t, conn.Send(context.Background(), msg))
	assert.Equal(t, []byte("last"), readFrame(t, peer))

	err := conn.Send(context.Background(), NewMessage([]byte("more")))
	require.Error(t, err)
}

// A message whose lifetime elapsed in queue is expired, not sent.
func TestConnectionMessageExpiry(t *testing.T) {
	clock := newFakeClock()
	conn, _ := newLengthPrefixedPipeConnection(clock)
	defer conn.Abort()

	msg := NewMessage([]byte("stale"))
	msg.Context.Lifetime = time.Second
	req := &sendRequest{enqueued: clock.Now().Add(-2 * time.Second), msg: msg}

	require.True(t, conn.writeRequest(req))

	// Skip Ready, then observe Expired.
	_, err := conn.Events().Next(context.Background())
	require.NoError(t, err)
	ev, err := conn.Events().Next(context.Background())
	require.NoError(t, err)
	expired, ok := ev.(EventExpired)
	require.True(t, ok)
	assert.Same(t, msg.Context, expired.Context)
}

// A framing failure on send is message-scoped: SendError fires and the
// connection survives.
func TestConnectionSendFramingError(t *testing.T) {
	framers := &framerStack{}
	framers.add(NewFixedSizeFramer(4))
	conn, _ := newPipeConnection(framers, newFakeClock())
	defer conn.Abort()

	require.NoError(t, conn.Send(context.Background(), NewMessage([]byte("wrong-size"))))

	_, err := conn.Events().Next(context.Background())
	require.NoError(t, err)
	ev, err := conn.Events().Next(context.Background())
	require.NoError(t, err)
	assert.IsType(t, EventSendError{}, ev)
	assert.Equal(t, Established, conn.State())
}

// An irrecoverable inbound framing error fails the connection.
func TestConnectionReceiveFramingError(t *testing.T) {
	conn, peer := newLengthPrefixedPipeConnection(newFakeClock())
	defer conn.Abort()

	// A length header beyond the framer limit cannot resynchronize.
	oversize := make([]byte, 4)
	binary.BigEndian.PutUint32(oversize, uint32(DefaultLengthPrefixMaxSize+1))
	peer.Write(oversize)

	events, err := conn.Events().Drain(context.Background())
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.IsType(t, EventConnectionError{}, last)
	assert.Equal(t, Closed, conn.State())
}

// Abort forces Closed immediately and emits ConnectionError; further
// operations fail with ErrConnectionClosed.
func TestConnectionAbort(t *testing.T) {
	conn, _ := newLengthPrefixedPipeConnection(newFakeClock())

	conn.Abort()
	conn.Abort() // idempotent

	assert.Equal(t, Closed, conn.State())
	err := conn.Send(context.Background(), NewMessage([]byte("x")))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = conn.Receive(context.Background(), -1, 0)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	events, err := conn.Events().Drain(context.Background())
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.IsType(t, EventConnectionError{}, last)
}

// The event sequence of a connection is Ready, then data events, then
// exactly one terminal event, and nothing after it.
func TestConnectionEventOrderInvariant(t *testing.T) {
	conn, peer := newLengthPrefixedPipeConnection(newFakeClock())

	require.NoError(t, conn.Send(context.Background(), NewMessage([]byte("out"))))
	readFrame(t, peer)
	writeFrame(t, peer, []byte("in"))
	_, err := conn.Receive(context.Background(), -1, 0)
	require.NoError(t, err)
	conn.Abort()

	events, err := conn.Events().Drain(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.IsType(t, EventReady{}, events[0])
	for _, ev := range events[1 : len(events)-1] {
		assert.False(t, ev.terminal())
	}
	assert.True(t, events[len(events)-1].terminal())
}

// IncomingMessages yields received messages and terminates when the
// connection leaves Established.
func TestConnectionIncomingMessages(t *testing.T) {
	conn, peer := newLengthPrefixedPipeConnection(newFakeClock())

	incoming := conn.IncomingMessages()
	go func() {
		writeFrame(t, peer, []byte("one"))
		writeFrame(t, peer, []byte("two"))
	}()

	first := <-incoming
	assert.Equal(t, []byte("one"), first.Data)
	second := <-incoming
	assert.Equal(t, []byte("two"), second.Data)

	conn.Abort()
	_, open := <-incoming
	assert.False(t, open)
}

// Adding a framer after establishment is rejected.
func TestConnectionAddFramerRejected(t *testing.T) {
	conn, _ := newLengthPrefixedPipeConnection(newFakeClock())
	defer conn.Abort()

	err := conn.AddFramer(NewDelimiterFramer([]byte("\n")))

	assert.ErrorIs(t, err, ErrFramersFrozen)
}

// SendPartial accumulates fragments and sends the whole message when
// the final fragment arrives.
func TestConnectionSendPartial(t *testing.T) {
	conn, peer := newLengthPrefixedPipeConnection(newFakeClock())
	defer conn.Abort()

	ctx := context.Background()
	require.NoError(t, conn.SendPartial(ctx, []byte("hel"), nil, false))
	require.NoError(t, conn.SendPartial(ctx, []byte("lo"), NewMessageContext(), true))

	assert.Equal(t, []byte("hello"), readFrame(t, peer))
}

// Path changes and soft errors surface as advisory events between
// Ready and the terminal event.
func TestConnectionAdvisoryEvents(t *testing.T) {
	conn, _ := newLengthPrefixedPipeConnection(newFakeClock())

	conn.signalPathChange()
	conn.signalSoftError("icmp: fragmentation needed")
	conn.Abort()

	events, err := conn.Events().Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.IsType(t, EventReady{}, events[0])
	assert.IsType(t, EventPathChange{}, events[1])
	soft, ok := events[2].(EventSoftError)
	require.True(t, ok)
	assert.Contains(t, soft.Info, "icmp")
}
