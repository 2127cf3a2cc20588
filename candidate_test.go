// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Build fails with no feasible candidate before touching the resolver
// when the hard constraints are unsatisfiable.
func TestCandidateBuilderNoFeasibleStack(t *testing.T) {
	resolverCalled := false
	cfg := NewConfig()
	cfg.Resolver = &funcResolver{
		resolveHost: func(ctx context.Context, hostname string) ([]netip.Addr, error) {
			resolverCalled = true
			return nil, errors.New("should not reach here")
		},
		resolveService: func(ctx context.Context, service string) (uint16, error) {
			resolverCalled = true
			return 0, errors.New("should not reach here")
		},
	}
	builder := NewCandidateBuilder(cfg, DefaultSLogger())

	props := NewSelectionProperties()
	props.Reliability = Prohibit
	props.PreserveMsgBoundaries = Require

	remotes := []Endpoint{NewEndpoint().WithHostname("example.com").WithPort(443)}
	_, err := builder.Build(context.Background(), nil, remotes, props, nil)

	var estErr *EstablishmentError
	require.ErrorAs(t, err, &estErr)
	assert.ErrorIs(t, err, ErrNoFeasibleCandidate)
	assert.False(t, resolverCalled)
}

// Build expands an IP remote without resolving and crosses it with
// every feasible stack, cheapest handshake first.
func TestCandidateBuilderIPRemote(t *testing.T) {
	builder := NewCandidateBuilder(NewConfig(), DefaultSLogger())

	remotes := []Endpoint{
		NewEndpoint().WithIPAddress(netip.MustParseAddr("127.0.0.1")).WithPort(4433),
	}
	candidates, err := builder.Build(context.Background(), nil, remotes,
		NewSelectionProperties(), NewSecurityParameters())

	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, StackTCP, candidates[0].Stack)
	assert.Equal(t, StackQUIC, candidates[1].Stack)
	assert.Equal(t, StackTCPTLS, candidates[2].Stack)
	for _, candidate := range candidates {
		assert.Equal(t, "127.0.0.1:4433", candidate.RemoteAddr.String())
	}
}

// Build resolves hostnames through the resolver, preserves the
// interleaved address order as the first tie-breaker, and records the
// hostname as the server name for secure stacks.
func TestCandidateBuilderHostnameRemote(t *testing.T) {
	cfg := NewConfig()
	cfg.Resolver = &funcResolver{
		resolveHost: func(ctx context.Context, hostname string) ([]netip.Addr, error) {
			return []netip.Addr{
				netip.MustParseAddr("2001:db8::1"),
				netip.MustParseAddr("192.0.2.1"),
			}, nil
		},
	}
	builder := NewCandidateBuilder(cfg, DefaultSLogger())
	builder.Stacks = []*ProtocolStack{StackTCPTLS}

	remotes := []Endpoint{NewEndpoint().WithHostname("example.com").WithPort(443)}
	props := NewSelectionProperties()
	props.Secure = Require
	candidates, err := builder.Build(context.Background(), nil, remotes, props, NewSecurityParameters())

	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "[2001:db8::1]:443", candidates[0].RemoteAddr.String())
	assert.Equal(t, "192.0.2.1:443", candidates[1].RemoteAddr.String())
	assert.Equal(t, "example.com", candidates[0].ServerName)
	require.NotNil(t, candidates[0].Security)
}

// Build resolves service names into ports when the endpoint has none.
func TestCandidateBuilderServiceName(t *testing.T) {
	cfg := NewConfig()
	cfg.Resolver = &funcResolver{
		resolveService: func(ctx context.Context, service string) (uint16, error) {
			assert.Equal(t, "https", service)
			return 443, nil
		},
	}
	builder := NewCandidateBuilder(cfg, DefaultSLogger())
	builder.Stacks = []*ProtocolStack{StackTCP}

	remotes := []Endpoint{
		NewEndpoint().WithIPAddress(netip.MustParseAddr("127.0.0.1")).WithService("https"),
	}
	candidates, err := builder.Build(context.Background(), nil, remotes,
		NewSelectionProperties(), nil)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, uint16(443), candidates[0].RemoteAddr.Port())
}

// Resolution failures for every remote surface as an establishment
// error carrying the per-endpoint failures.
func TestCandidateBuilderResolutionFailure(t *testing.T) {
	wantErr := errors.New("resolution refused")
	cfg := NewConfig()
	cfg.Resolver = &funcResolver{
		resolveHost: func(ctx context.Context, hostname string) ([]netip.Addr, error) {
			return nil, wantErr
		},
	}
	builder := NewCandidateBuilder(cfg, DefaultSLogger())

	remotes := []Endpoint{NewEndpoint().WithHostname("nonexistent.invalid").WithPort(443)}
	_, err := builder.Build(context.Background(), nil, remotes,
		NewSelectionProperties(), nil)

	var estErr *EstablishmentError
	require.ErrorAs(t, err, &estErr)
	assert.ErrorIs(t, err, wantErr)
}

// Soft preferences reorder candidates: preferring 0-RTT ranks QUIC
// above the cheaper TCP.
func TestCandidateBuilderSoftPreferenceRanking(t *testing.T) {
	builder := NewCandidateBuilder(NewConfig(), DefaultSLogger())

	remotes := []Endpoint{
		NewEndpoint().WithIPAddress(netip.MustParseAddr("127.0.0.1")).WithPort(4433),
	}
	props := NewSelectionProperties()
	props.ZeroRTT = Prefer
	candidates, err := builder.Build(context.Background(), nil, remotes,
		props, NewSecurityParameters())

	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, StackQUIC, candidates[0].Stack)
}
