// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that wraps the given
// [TLSConn]. The engine's ClientFunc returns the conn, NameFunc returns
// "mock", and ParrotFunc returns "".
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// fakeClock is a [Clock] whose sleeps resolve under test control: each
// Sleep registers itself and blocks until its duration is released or
// its context is done. Now returns a fixed time advanced manually.
type fakeClock struct {
	mu       sync.Mutex
	now      time.Time
	sleeps   map[time.Duration][]chan struct{}
	released map[time.Duration]bool
	all      bool
}

var _ Clock = &fakeClock{}

// newFakeClock returns a [*fakeClock] at an arbitrary fixed time.
func newFakeClock() *fakeClock {
	return &fakeClock{
		now:      time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC),
		sleeps:   make(map[time.Duration][]chan struct{}),
		released: make(map[time.Duration]bool),
	}
}

// Now implements [Clock].
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake time forward.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sleep implements [Clock].
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	if c.all || c.released[d] {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.sleeps[d] = append(c.sleeps[d], ch)
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release completes pending and future sleeps of the given duration.
func (c *fakeClock) Release(d time.Duration) {
	c.mu.Lock()
	c.released[d] = true
	sleeps := c.sleeps[d]
	delete(c.sleeps, d)
	c.mu.Unlock()
	for _, ch := range sleeps {
		close(ch)
	}
}

// ReleaseAll completes every pending sleep and makes future sleeps
// return immediately.
func (c *fakeClock) ReleaseAll() {
	c.mu.Lock()
	c.all = true
	sleeps := c.sleeps
	c.sleeps = make(map[time.Duration][]chan struct{})
	c.mu.Unlock()
	for _, group := range sleeps {
		for _, ch := range group {
			close(ch)
		}
	}
}

// funcResolver adapts functions to the [Resolver] interface.
type funcResolver struct {
	resolveHost    func(ctx context.Context, hostname string) ([]netip.Addr, error)
	resolveService func(ctx context.Context, service string) (uint16, error)
}

var _ Resolver = &funcResolver{}

func (r *funcResolver) ResolveHost(ctx context.Context, hostname string) ([]netip.Addr, error) {
	return r.resolveHost(ctx, hostname)
}

func (r *funcResolver) ResolveService(ctx context.Context, service string) (uint16, error) {
	return r.resolveService(ctx, service)
}

// testDriver is a [TransportDriver] whose behavior is supplied by the
// test case.
type testDriver struct {
	name       string
	supports   func(stack *ProtocolStack) bool
	connect    func(ctx context.Context, candidate *Candidate) (net.Conn, error)
	listenFunc func(ctx context.Context, local Endpoint, stack *ProtocolStack, sec *SecurityParameters) (TransportListener, error)
}

var _ TransportDriver = &testDriver{}

func (d *testDriver) Name() string {
	return d.name
}

func (d *testDriver) Supports(stack *ProtocolStack) bool {
	return d.supports(stack)
}

func (d *testDriver) Connect(ctx context.Context, candidate *Candidate) (net.Conn, error) {
	return d.connect(ctx, candidate)
}

func (d *testDriver) Listen(ctx context.Context, local Endpoint,
	stack *ProtocolStack, sec *SecurityParameters) (TransportListener, error) {
	return d.listenFunc(ctx, local, stack, sec)
}

// newPipeConnection wraps one end of a [net.Pipe] into a connection for
// state-machine tests, returning the peer end for the test to drive.
func newPipeConnection(framers *framerStack, clock Clock) (*Connection, net.Conn) {
	client, server := net.Pipe()
	if framers == nil {
		framers = &framerStack{}
	}
	cfg := NewConfig()
	cfg.Clock = clock
	conn := newConnection(connConfig{
		cfg:       cfg,
		framers:   framers,
		logger:    DefaultSLogger(),
		props:     ConnectionProperties{},
		ready:     true,
		selection: NewSelectionProperties(),
		stack:     StackTCP,
		transport: client,
	})
	return conn, server
}

// ipCandidate returns a minimal candidate towards the given address.
func ipCandidate(stack *ProtocolStack, address string) *Candidate {
	return &Candidate{
		Local:      NewEndpoint(),
		Remote:     endpointFromAddrPort(netip.MustParseAddrPort(address)),
		RemoteAddr: netip.MustParseAddrPort(address),
		Stack:      stack,
	}
}
