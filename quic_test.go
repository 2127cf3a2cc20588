// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The QUIC driver covers exactly the QUIC stack.
func TestQUICDriverSupports(t *testing.T) {
	driver := NewQUICDriver(NewConfig(), DefaultSLogger())

	require.NotNil(t, driver)
	assert.Equal(t, "quic", driver.Name())
	assert.True(t, driver.Supports(StackQUIC))
	assert.False(t, driver.Supports(StackTCP))
	assert.False(t, driver.Supports(StackUDP))
}

// The QUIC stack advertises the capabilities Clone and 0-RTT rely on.
func TestQUICStackCapabilities(t *testing.T) {
	assert.True(t, StackQUIC.Multistream)
	assert.True(t, StackQUIC.ZeroRTT)
	assert.True(t, StackQUIC.Secure)
	assert.Equal(t, "udp", StackQUIC.Network)
}
