// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRacer returns a racer over the given driver with a fake clock
// so that staggering and timeouts are under test control.
func newTestRacer(clock Clock, driver TransportDriver) *Racer {
	cfg := NewConfig()
	cfg.Clock = clock
	return NewRacer(cfg, []TransportDriver{driver}, DefaultSLogger())
}

// The first candidate that becomes ready wins the race.
func TestRacerFirstCandidateWins(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	driver := &testDriver{
		name:     "test",
		supports: func(stack *ProtocolStack) bool { return true },
		connect: func(ctx context.Context, candidate *Candidate) (net.Conn, error) {
			return client, nil
		},
	}
	racer := newTestRacer(newFakeClock(), driver)

	conn, winner, err := racer.Race(context.Background(), []*Candidate{
		ipCandidate(StackTCP, "127.0.0.1:443"),
		ipCandidate(StackTCPTLS, "127.0.0.1:443"),
	})

	require.NoError(t, err)
	assert.Same(t, client, conn)
	assert.Equal(t, StackTCP, winner.Stack)
}

// When every in-flight attempt has failed, the next candidate starts
// without waiting for the stagger interval.
func TestRacerAdvancesOnFailure(t *testing.T) {
	var attempts atomic.Int32
	client, server := net.Pipe()
	defer server.Close()
	driver := &testDriver{
		name:     "test",
		supports: func(stack *ProtocolStack) bool { return true },
		connect: func(ctx context.Context, candidate *Candidate) (net.Conn, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("connection refused")
			}
			return client, nil
		},
	}
	racer := newTestRacer(newFakeClock(), driver)

	conn, winner, err := racer.Race(context.Background(), []*Candidate{
		ipCandidate(StackTCP, "192.0.2.1:443"),
		ipCandidate(StackTCP, "127.0.0.1:443"),
	})

	require.NoError(t, err)
	assert.Same(t, client, conn)
	assert.Equal(t, "127.0.0.1:443", winner.RemoteAddr.String())
	assert.Equal(t, int32(2), attempts.Load())
}

// The stagger interval starts the next candidate while earlier
// attempts are still in flight, and the race winner is the first to
// complete, not the first to start.
func TestRacerStaggeredStart(t *testing.T) {
	clock := newFakeClock()
	client, server := net.Pipe()
	defer server.Close()
	started := make(chan string, 2)
	driver := &testDriver{
		name:     "test",
		supports: func(stack *ProtocolStack) bool { return true },
		connect: func(ctx context.Context, candidate *Candidate) (net.Conn, error) {
			started <- candidate.RemoteAddr.String()
			if candidate.RemoteAddr.String() == "192.0.2.1:81" {
				// Hang until the race cancels us.
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return client, nil
		},
	}
	racer := newTestRacer(clock, driver)

	go func() {
		// The slow candidate must be in flight before the stagger
		// interval elapses.
		<-started
		clock.Release(DefaultRaceDelay)
	}()
	conn, winner, err := racer.Race(context.Background(), []*Candidate{
		ipCandidate(StackTCP, "192.0.2.1:81"),
		ipCandidate(StackTCP, "127.0.0.1:443"),
	})

	require.NoError(t, err)
	assert.Same(t, client, conn)
	assert.Equal(t, "127.0.0.1:443", winner.RemoteAddr.String())
}

// When every candidate fails the race reports an establishment error
// collecting the per-candidate failures.
func TestRacerAllCandidatesFail(t *testing.T) {
	wantErr := errors.New("connection refused")
	driver := &testDriver{
		name:     "test",
		supports: func(stack *ProtocolStack) bool { return true },
		connect: func(ctx context.Context, candidate *Candidate) (net.Conn, error) {
			return nil, wantErr
		},
	}
	racer := newTestRacer(newFakeClock(), driver)

	_, _, err := racer.Race(context.Background(), []*Candidate{
		ipCandidate(StackTCP, "192.0.2.1:443"),
		ipCandidate(StackTCP, "192.0.2.2:443"),
	})

	var estErr *EstablishmentError
	require.ErrorAs(t, err, &estErr)
	assert.Len(t, estErr.Attempts, 2)
	assert.ErrorIs(t, err, wantErr)
}

// A candidate whose stack no driver supports fails that attempt
// without failing the whole race.
func TestRacerNoDriverForStack(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	driver := &testDriver{
		name:     "test",
		supports: func(stack *ProtocolStack) bool { return stack == StackTCP },
		connect: func(ctx context.Context, candidate *Candidate) (net.Conn, error) {
			return client, nil
		},
	}
	racer := newTestRacer(newFakeClock(), driver)

	conn, winner, err := racer.Race(context.Background(), []*Candidate{
		ipCandidate(StackQUIC, "127.0.0.1:443"),
		ipCandidate(StackTCP, "127.0.0.1:443"),
	})

	require.NoError(t, err)
	assert.Same(t, client, conn)
	assert.Equal(t, StackTCP, winner.Stack)
}

// The race times out when no candidate succeeds in time.
func TestRacerTimeout(t *testing.T) {
	clock := newFakeClock()
	driver := &testDriver{
		name:     "test",
		supports: func(stack *ProtocolStack) bool { return true },
		connect: func(ctx context.Context, candidate *Candidate) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	racer := newTestRacer(clock, driver)

	go clock.Release(DefaultConnTimeout)
	_, _, err := racer.Race(context.Background(), []*Candidate{
		ipCandidate(StackTCP, "192.0.2.1:443"),
	})

	var estErr *EstablishmentError
	require.ErrorAs(t, err, &estErr)
	assert.Contains(t, estErr.Reason, "timeout")
}

// Cancelling the caller's context cancels the whole race promptly.
func TestRacerCancellation(t *testing.T) {
	connectStarted := make(chan struct{})
	driver := &testDriver{
		name:     "test",
		supports: func(stack *ProtocolStack) bool { return true },
		connect: func(ctx context.Context, candidate *Candidate) (net.Conn, error) {
			close(connectStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	racer := newTestRacer(newFakeClock(), driver)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-connectStarted
		cancel()
	}()
	_, _, err := racer.Race(ctx, []*Candidate{
		ipCandidate(StackTCP, "192.0.2.1:443"),
	})

	var estErr *EstablishmentError
	require.ErrorAs(t, err, &estErr)
	assert.ErrorIs(t, err, context.Canceled)
}

// The winner's context watcher is detached before the race context is
// cancelled, so the winning transport survives while losers close.
func TestRacerDetachesWinnerWatcher(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	driver := &testDriver{
		name:     "test",
		supports: func(stack *ProtocolStack) bool { return true },
		connect: func(ctx context.Context, candidate *Candidate) (net.Conn, error) {
			watched, _ := NewCancelWatchFunc().Call(ctx, client)
			return watched, nil
		},
	}
	racer := newTestRacer(newFakeClock(), driver)

	conn, _, err := racer.Race(context.Background(), []*Candidate{
		ipCandidate(StackTCP, "127.0.0.1:443"),
	})

	require.NoError(t, err)
	// The watcher was unwrapped: the race returned the raw transport
	// and cancelling the race context did not close it.
	assert.Same(t, client, conn)
	go conn.Write([]byte("x"))
	buffer := make([]byte, 1)
	_, readErr := server.Read(buffer)
	assert.NoError(t, readErr)
}
