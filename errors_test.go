// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// EstablishmentError unwraps to its per-candidate failures.
func TestEstablishmentErrorUnwrap(t *testing.T) {
	first := errors.New("connection refused")
	second := errors.New("network unreachable")
	err := &EstablishmentError{Reason: "all candidates failed", Attempts: []error{first, second}}

	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Contains(t, err.Error(), "all candidates failed")
}

// ConnectionError unwraps to its cause and renders without one.
func TestConnectionErrorUnwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	err := &ConnectionError{Reason: "transport write failed", Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "broken pipe")

	bare := &ConnectionError{Reason: "aborted"}
	assert.Contains(t, bare.Error(), "aborted")
}

// Send and receive errors carry their causes through errors.As.
func TestSendReceiveErrorUnwrap(t *testing.T) {
	cause := errors.New("oversize")
	var sendErr *SendError
	wrapped := error(&SendError{Context: NewMessageContext(), Cause: cause})

	require.ErrorAs(t, wrapped, &sendErr)
	assert.ErrorIs(t, wrapped, cause)

	var recvErr *ReceiveError
	wrapped = error(&ReceiveError{Cause: cause})
	require.ErrorAs(t, wrapped, &recvErr)
	assert.ErrorIs(t, wrapped, cause)
}

// NotSupportedError names the unavailable feature.
func TestNotSupportedError(t *testing.T) {
	err := &NotSupportedError{Reason: "binding a local endpoint on a custom dialer"}

	assert.Contains(t, err.Error(), "not supported")
	assert.Contains(t, err.Error(), "custom dialer")
}
