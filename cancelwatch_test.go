// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Closing the wrapper delegates to the underlying conn and unregisters
// the watcher.
func TestCancelWatchClose(t *testing.T) {
	fn := NewCancelWatchFunc()
	closeCalled := false
	mockConn := &netstub.FuncConn{
		CloseFunc: func() error {
			closeCalled = true
			return nil
		},
	}

	result, err := fn.Call(context.Background(), mockConn)

	require.NoError(t, err)
	require.NotNil(t, result)
	result.Close()
	assert.True(t, closeCalled)
}

// Cancelling the context closes the watched connection.
func TestCancelWatchContextCancellation(t *testing.T) {
	fn := NewCancelWatchFunc()
	done := make(chan bool, 1)
	mockConn := &netstub.FuncConn{
		CloseFunc: func() error {
			done <- true
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err := fn.Call(ctx, mockConn)
	require.NoError(t, err)

	// Connection not closed before cancelling the context.
	select {
	case <-done:
		t.Fatal("connection closed too early")
	case <-time.After(10 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection not closed on cancellation")
	}
}

// DetachCancelWatch unregisters the watcher without closing: a later
// context cancellation leaves the connection open.
func TestCancelWatchDetach(t *testing.T) {
	fn := NewCancelWatchFunc()
	closeCalled := false
	mockConn := &netstub.FuncConn{
		CloseFunc: func() error {
			closeCalled = true
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	watched, err := fn.Call(ctx, mockConn)
	require.NoError(t, err)

	inner := detachCancelWatch(watched)
	assert.Same(t, mockConn, inner)

	cancel()
	time.Sleep(10 * time.Millisecond)
	assert.False(t, closeCalled)
}

// detachCancelWatch passes through connections without a watcher.
func TestCancelWatchDetachPassthrough(t *testing.T) {
	mockConn := newMinimalConn()

	assert.Same(t, mockConn, detachCancelWatch(mockConn))
}
