// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"log/slog"
)

// NewPreconnection returns a new [*Preconnection].
//
// The cfg argument contains the common configuration for transport
// operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewPreconnection(cfg *Config, logger SLogger) *Preconnection {
	return &Preconnection{
		cfg:                  cfg,
		ConnectionProperties: ConnectionProperties{},
		Drivers: []TransportDriver{
			NewNetDriver(cfg, logger),
			NewQUICDriver(cfg, logger),
		},
		framers:             &framerStack{},
		logger:              logger,
		SecurityParameters:  NewSecurityParameters(),
		SelectionProperties: NewSelectionProperties(),
	}
}

// Preconnection is the passive configuration object describing a
// potential connection, listener, or rendezvous.
//
// Build it up with [Preconnection.AddLocal], [Preconnection.AddRemote],
// and [Preconnection.AddFramer], adjust the public property fields,
// then consume it with one of Initiate, InitiateWithSend, Listen,
// Rendezvous, MulticastSend, or MulticastReceive. The preconnection is
// frozen by the consuming call: candidates gathered afterwards do not
// observe later mutations.
//
// All fields are safe to modify after construction but before the
// consuming call.
type Preconnection struct {
	// cfg is the common configuration.
	cfg *Config

	// ConnectionProperties tune the resulting connections.
	ConnectionProperties ConnectionProperties

	// Drivers are the transport drivers, probed in order.
	//
	// Set by [NewPreconnection] to the net and QUIC drivers. Append
	// extension drivers (together with their stacks in Stacks) to
	// support further protocol compositions.
	Drivers []TransportDriver

	// framers is the ordered framer stack template.
	framers *framerStack

	// locals are the local endpoints, possibly empty.
	locals []Endpoint

	// logger is the [SLogger] to use.
	logger SLogger

	// remotes are the remote endpoints, possibly empty.
	remotes []Endpoint

	// SecurityParameters configure secure stacks.
	//
	// Set by [NewPreconnection] to [NewSecurityParameters].
	SecurityParameters *SecurityParameters

	// SelectionProperties constrain candidate selection.
	//
	// Set by [NewPreconnection] to [NewSelectionProperties].
	SelectionProperties SelectionProperties

	// Stacks optionally overrides the protocol stacks to consider.
	// Nil means the built-in stacks.
	Stacks []*ProtocolStack
}

// AddLocal appends a local endpoint.
func (p *Preconnection) AddLocal(endpoint Endpoint) *Preconnection {
	p.locals = append(p.locals, endpoint)
	return p
}

// AddRemote appends a remote endpoint.
func (p *Preconnection) AddRemote(endpoint Endpoint) *Preconnection {
	p.remotes = append(p.remotes, endpoint)
	return p
}

// AddFramer appends a framer to the framer stack. The framer added
// last runs first on the outbound path.
func (p *Preconnection) AddFramer(framer Framer) error {
	return p.framers.add(framer)
}

// candidateBuilder assembles the candidate tree builder in force.
func (p *Preconnection) candidateBuilder() *CandidateBuilder {
	builder := NewCandidateBuilder(p.cfg, p.logger)
	if p.Stacks != nil {
		builder.Stacks = p.Stacks
	}
	return builder
}

// racer assembles the racing engine in force.
func (p *Preconnection) racer() *Racer {
	racer := NewRacer(p.cfg, p.Drivers, p.logger)
	if p.ConnectionProperties.ConnTimeout > 0 {
		racer.ConnTimeout = p.ConnectionProperties.ConnTimeout
	}
	if p.ConnectionProperties.RaceDelay > 0 {
		racer.RaceDelay = p.ConnectionProperties.RaceDelay
	}
	return racer
}

// Resolve gathers candidates and returns their resolved local and
// remote endpoints, mainly for rendezvous signalling.
func (p *Preconnection) Resolve(ctx context.Context) ([]Endpoint, []Endpoint, error) {
	candidates, err := p.candidateBuilder().Build(ctx, p.locals, p.remotes,
		p.SelectionProperties, p.SecurityParameters)
	if err != nil {
		return nil, nil, err
	}
	var locals, remotes []Endpoint
	for _, candidate := range candidates {
		locals = append(locals, candidate.Local)
		remotes = append(remotes, endpointFromAddrPort(candidate.RemoteAddr))
	}
	return locals, remotes, nil
}

// Initiate actively establishes a connection: gather candidates, race
// them, and wrap the winner.
//
// Returns [*EstablishmentError] when no candidate satisfies the hard
// constraints, every candidate failed, or the race timed out. The
// returned connection has already emitted [EventReady].
func (p *Preconnection) Initiate(ctx context.Context) (*Connection, error) {
	spanLogger := p.spanLogger()
	candidates, err := p.candidateBuilder().Build(ctx, p.locals, p.remotes,
		p.SelectionProperties, p.SecurityParameters)
	if err != nil {
		return nil, err
	}
	transport, winner, err := p.racer().Race(ctx, candidates)
	if err != nil {
		return nil, err
	}
	conn := newConnection(connConfig{
		cfg:       p.cfg,
		cloneFn:   p.cloneFunc(),
		framers:   p.framers.clone(),
		logger:    spanLogger,
		props:     p.ConnectionProperties,
		ready:     true,
		selection: p.SelectionProperties,
		stack:     winner.Stack,
		transport: transport,
	})
	return conn, nil
}

// InitiateWithSend establishes a connection and sends the given
// message as part of establishment.
//
// When the winning stack supports early data and the message is marked
// safely replayable, the transport may carry it as 0-RTT data; the
// message is delivered either way, and no 0-RTT-only guarantee is
// made.
func (p *Preconnection) InitiateWithSend(ctx context.Context, msg *Message) (*Connection, error) {
	if p.SelectionProperties.ZeroRTT == Require && !msg.context().SafelyReplayable {
		return nil, &EstablishmentError{Reason: "0-RTT requires a safely replayable message"}
	}
	conn, err := p.Initiate(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ctx, msg); err != nil {
		conn.Abort()
		return nil, err
	}
	return conn, nil
}

// Listen passively binds the local endpoint and starts accepting.
//
// The stack accepted is the highest-ranked feasible one; accepted
// connections inherit the preconnection's framers and properties.
func (p *Preconnection) Listen(ctx context.Context) (*Listener, error) {
	if len(p.locals) < 1 {
		return nil, &EstablishmentError{Reason: "listen requires a local endpoint"}
	}
	stack, driver, err := p.listenStack()
	if err != nil {
		return nil, err
	}
	inner, err := driver.Listen(ctx, p.locals[0], stack, p.SecurityParameters)
	if err != nil {
		return nil, &EstablishmentError{Reason: "bind failed", Attempts: []error{err}}
	}
	return newListener(p.cfg, p.spanLogger(), inner, p.framers.clone(), stack,
		p.SelectionProperties, p.ConnectionProperties), nil
}

// listenStack picks the stack and driver to accept with.
func (p *Preconnection) listenStack() (*ProtocolStack, TransportDriver, error) {
	builder := p.candidateBuilder()
	stacks := builder.feasibleStacks(p.SelectionProperties, p.SecurityParameters)
	for _, stack := range stacks {
		for _, driver := range p.Drivers {
			if driver.Supports(stack) {
				return stack, driver, nil
			}
		}
	}
	return nil, nil, &EstablishmentError{
		Reason:   ErrNoFeasibleCandidate.Error(),
		Attempts: []error{ErrNoFeasibleCandidate},
	}
}

// cloneFunc builds the re-establishment closure installed on
// connections so that Clone works on stacks without multistreaming.
func (p *Preconnection) cloneFunc() cloneFunc {
	return func(ctx context.Context, framer Framer) (*Connection, error) {
		clone := *p
		clone.framers = p.framers.clone()
		if framer != nil {
			clone.framers = &framerStack{framers: []Framer{framer}}
		}
		return clone.Initiate(ctx)
	}
}

// spanLogger attaches a fresh span ID when the logger supports it.
func (p *Preconnection) spanLogger() SLogger {
	if slogger, ok := p.logger.(*slog.Logger); ok {
		return slogger.With(slog.String("spanID", NewSpanID()))
	}
	return p.logger
}
