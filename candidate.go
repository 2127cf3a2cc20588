// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
)

// Candidate is a concrete (local, remote, stack, security) combination
// attempted during establishment.
type Candidate struct {
	// Local is the local endpoint, possibly the zero ephemeral one.
	Local Endpoint

	// Remote is the remote endpoint as supplied by the caller.
	Remote Endpoint

	// RemoteAddr is the resolved remote address to dial.
	RemoteAddr netip.AddrPort

	// Stack is the protocol stack to establish.
	Stack *ProtocolStack

	// Security configures the stack's security protocol, nil when the
	// stack carries none.
	Security *SecurityParameters

	// ServerName is the SNI to present, derived from the remote
	// endpoint's hostname when it has one.
	ServerName string

	// score ranks the candidate; higher races earlier.
	score int

	// addrIndex is the position of RemoteAddr in the interleaved
	// resolution order, used as the first tie-breaker.
	addrIndex int

	// remoteIndex is the position of Remote in the caller-supplied
	// order, used as the last tie-breaker.
	remoteIndex int
}

// String implements [fmt.Stringer].
func (c *Candidate) String() string {
	return fmt.Sprintf("%s/%s", c.Stack.Name, c.RemoteAddr)
}

// NewCandidateBuilder returns a new [*CandidateBuilder].
//
// The cfg argument contains the common configuration for transport
// operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewCandidateBuilder(cfg *Config, logger SLogger) *CandidateBuilder {
	return &CandidateBuilder{
		Clock:    cfg.Clock,
		Logger:   logger,
		Resolver: cfg.Resolver,
		Stacks:   builtinStacks,
	}
}

// CandidateBuilder expands endpoints and selection properties into the
// ordered candidate list consumed by the racing engine.
//
// The expansion resolves each remote endpoint, enumerates the protocol
// stacks compatible with the hard constraints, crosses locals, resolved
// remotes, and stacks, and ranks the result: soft-preference score
// first, then address-family interleave order, then handshake cost,
// then the caller-supplied remote endpoint order.
//
// All fields are safe to modify after construction but before first use.
type CandidateBuilder struct {
	// Clock is the [Clock] used for span timestamps.
	//
	// Set by [NewCandidateBuilder] from [Config.Clock].
	Clock Clock

	// Logger is the [SLogger] to use.
	//
	// Set by [NewCandidateBuilder] to the user-provided logger.
	Logger SLogger

	// Resolver resolves hostnames and service names.
	//
	// Set by [NewCandidateBuilder] from [Config.Resolver].
	Resolver Resolver

	// Stacks are the protocol stacks to consider.
	//
	// Set by [NewCandidateBuilder] to the built-in stacks.
	Stacks []*ProtocolStack
}

// Build produces the ordered candidate list.
//
// An empty locals slice means "ephemeral local". Returns
// [*EstablishmentError] wrapping [ErrNoFeasibleCandidate] when no
// combination satisfies every hard constraint, without attempting any
// transport.
func (b *CandidateBuilder) Build(ctx context.Context, locals, remotes []Endpoint,
	props SelectionProperties, sec *SecurityParameters) ([]*Candidate, error) {
	// 1. Enumerate feasible stacks first: when the constraints are
	// unsatisfiable we must fail before touching the resolver.
	stacks := b.feasibleStacks(props, sec)
	if len(stacks) < 1 {
		return nil, &EstablishmentError{
			Reason:   ErrNoFeasibleCandidate.Error(),
			Attempts: []error{ErrNoFeasibleCandidate},
		}
	}

	// 2. Resolve each remote endpoint into dialable addresses.
	if len(locals) < 1 {
		locals = []Endpoint{NewEndpoint()}
	}
	var out []*Candidate
	var resolveErrs []error
	for remoteIndex, remote := range remotes {
		addrs, serverName, err := b.resolveRemote(ctx, remote)
		if err != nil {
			resolveErrs = append(resolveErrs, err)
			continue
		}

		// 3. Cross locals, resolved addresses, and stacks.
		for addrIndex, addr := range addrs {
			for _, local := range locals {
				for _, stack := range stacks {
					candidate := &Candidate{
						Local:       local,
						Remote:      remote,
						RemoteAddr:  addr,
						Stack:       stack,
						ServerName:  serverName,
						score:       stack.score(props),
						addrIndex:   addrIndex,
						remoteIndex: remoteIndex,
					}
					if stack.Secure {
						candidate.Security = sec
					}
					out = append(out, candidate)
				}
			}
		}
	}
	if len(out) < 1 {
		reason := ErrNoFeasibleCandidate.Error()
		if len(resolveErrs) > 0 {
			reason = fmt.Sprintf("%s: resolution failed", reason)
		}
		return nil, &EstablishmentError{Reason: reason, Attempts: resolveErrs}
	}

	// 4. Rank the candidate list.
	sort.SliceStable(out, func(i, j int) bool {
		left, right := out[i], out[j]
		if left.score != right.score {
			return left.score > right.score
		}
		if left.addrIndex != right.addrIndex {
			return left.addrIndex < right.addrIndex
		}
		if left.Stack.HandshakeCost != right.Stack.HandshakeCost {
			return left.Stack.HandshakeCost < right.Stack.HandshakeCost
		}
		return left.remoteIndex < right.remoteIndex
	})

	b.logCandidates(out)
	return out, nil
}

// feasibleStacks filters the configured stacks against hard constraints.
func (b *CandidateBuilder) feasibleStacks(props SelectionProperties, sec *SecurityParameters) []*ProtocolStack {
	var out []*ProtocolStack
	for _, stack := range b.Stacks {
		if stack.feasible(props, sec) {
			out = append(out, stack)
		}
	}
	return out
}

// resolveRemote resolves one remote endpoint into dialable addresses
// plus the server name to present during secure handshakes.
func (b *CandidateBuilder) resolveRemote(ctx context.Context, remote Endpoint) ([]netip.AddrPort, string, error) {
	port := remote.Port()
	if port == 0 && remote.Service() != "" {
		resolved, err := b.Resolver.ResolveService(ctx, remote.Service())
		if err != nil {
			return nil, "", err
		}
		port = resolved
	}

	if addr, ok := remote.IPAddress(); ok {
		return []netip.AddrPort{netip.AddrPortFrom(addr, port)}, "", nil
	}

	hostname, ok := remote.Hostname()
	if !ok {
		return nil, "", fmt.Errorf("remote endpoint has no identifier: %s", remote)
	}
	addrs, err := b.Resolver.ResolveHost(ctx, hostname)
	if err != nil {
		return nil, "", err
	}
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, netip.AddrPortFrom(addr, port))
	}
	return out, hostname, nil
}

func (b *CandidateBuilder) logCandidates(candidates []*Candidate) {
	names := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		names = append(names, candidate.String())
	}
	b.Logger.Info(
		"candidatesGathered",
		slog.Int("count", len(candidates)),
		slog.Any("candidates", names),
		slog.Time("t", b.Clock.Now()),
	)
}
