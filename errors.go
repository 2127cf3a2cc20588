// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned by operations attempted on a
// connection that already reached the Closed state, and by a suspended
// Send or Receive when the connection closes underneath it.
var ErrConnectionClosed = errors.New("connection is closed")

// ErrCancelled is returned when the caller cancels a pending operation
// via its context.
var ErrCancelled = errors.New("operation cancelled")

// ErrNoFeasibleCandidate is the root cause of an [*EstablishmentError]
// when no candidate satisfies every hard constraint.
var ErrNoFeasibleCandidate = errors.New("no feasible candidate")

// ErrFramersFrozen is returned when adding a framer after the framer
// stack has been frozen by establishment.
var ErrFramersFrozen = errors.New("framer stack is frozen")

// EstablishmentError reports that establishment produced no connection.
//
// Attempts collects the per-candidate failures observed before the race
// gave up, in attempt order. The Reason string is advisory and must not
// be parsed for control flow.
type EstablishmentError struct {
	// Reason is the human-readable failure summary.
	Reason string

	// Attempts are the per-candidate failures, possibly empty.
	Attempts []error
}

// Error implements error.
func (e *EstablishmentError) Error() string {
	return fmt.Sprintf("establishment failed: %s", e.Reason)
}

// Unwrap returns the per-candidate failures for [errors.Is] matching.
func (e *EstablishmentError) Unwrap() []error {
	return e.Attempts
}

// ConnectionError reports that an active connection failed fatally and
// transitioned to Closed.
type ConnectionError struct {
	// Reason is the human-readable failure summary.
	Reason string

	// Cause is the underlying error, possibly nil.
	Cause error
}

// Error implements error.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection failed: %s: %s", e.Reason, e.Cause.Error())
	}
	return fmt.Sprintf("connection failed: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// SendError reports that a specific message could not be sent. The
// connection survives unless the cause was fatal to the transport.
type SendError struct {
	// Context is the context of the message that failed.
	Context *MessageContext

	// Cause is the underlying error.
	Cause error
}

// Error implements error.
func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %s", e.Cause.Error())
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Cause
}

// ReceiveError reports a framing or transport read failure. Either
// failure ends the connection: a failed stream framer cannot
// resynchronize, so a framing error is fatal even on a live transport.
type ReceiveError struct {
	// Cause is the underlying error.
	Cause error
}

// Error implements error.
func (e *ReceiveError) Error() string {
	return fmt.Sprintf("receive failed: %s", e.Cause.Error())
}

// Unwrap returns the underlying error.
func (e *ReceiveError) Unwrap() error {
	return e.Cause
}

// NotSupportedError reports that a feature is unavailable on this
// platform or protocol stack. Typically raised during preestablishment.
type NotSupportedError struct {
	// Reason names the unavailable feature.
	Reason string
}

// Error implements error.
func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("not supported: %s", e.Reason)
}
