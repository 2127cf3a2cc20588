// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A fresh context carries the documented defaults.
func TestNewMessageContext(t *testing.T) {
	mctx := NewMessageContext()

	assert.Equal(t, uint8(DefaultMsgPriority), mctx.Priority)
	assert.True(t, mctx.Ordered)
	assert.True(t, mctx.Reliable)
	assert.False(t, mctx.Final)
	assert.False(t, mctx.SafelyReplayable)
	assert.Equal(t, ChecksumCoverageFull, mctx.ChecksumCoverage)
	assert.True(t, mctx.EndOfMessage())
}

// A message built without a context gets a default one lazily.
func TestMessageLazyContext(t *testing.T) {
	msg := &Message{Data: []byte("x")}

	mctx := msg.context()

	require.NotNil(t, mctx)
	assert.Same(t, mctx, msg.Context)
}

// clone copies the context so mutations do not leak back.
func TestMessageContextClone(t *testing.T) {
	original := NewMessageContext()
	original.Priority = 7

	copied := original.clone()
	copied.Priority = 200
	copied.endOfMessage = false

	assert.Equal(t, uint8(7), original.Priority)
	assert.True(t, original.EndOfMessage())
	assert.False(t, copied.EndOfMessage())
}
