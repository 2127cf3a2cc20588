// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operations that can fail in a single, specific
// way. For example, the establishment race for a preconnection or one
// candidate attempt within it.
//
// We recommend using a span ID for uniquely identifying spans. The
// [Preconnection] attaches a fresh span ID to the logger of each
// connection and listener it creates, so the log entries of one of
// them can be correlated; the racing engine's own entries carry none.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}

// newConnectionID returns the identity of a new connection.
//
// Connection identities are UUIDv7 so that sorting by identity sorts by
// creation time, which keeps connection-group membership ordered.
func newConnectionID() uuid.UUID {
	return runtimex.PanicOnError1(uuid.NewV7())
}
