// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/runtimex"
)

// NewRacer returns a new [*Racer].
//
// The cfg argument contains the common configuration for transport
// operations.
//
// The drivers argument lists the transport drivers to establish
// candidates with; for each candidate the first driver supporting its
// stack is used.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewRacer(cfg *Config, drivers []TransportDriver, logger SLogger) *Racer {
	return &Racer{
		Clock:         cfg.Clock,
		ConnTimeout:   DefaultConnTimeout,
		Drivers:       drivers,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		RaceDelay:     DefaultRaceDelay,
	}
}

// Racer races an ordered candidate list under Happy-Eyeballs timing and
// returns the first transport that becomes ready.
//
// The first candidate starts immediately; each subsequent one starts a
// stagger interval later, or as soon as every in-flight attempt has
// failed. The first attempt whose transport completes establishment
// (including the security handshake and trust verification) wins;
// every other attempt is cancelled promptly through the race context,
// which closes half-open sockets via their context watchers.
//
// All fields are safe to modify after construction but before first use.
type Racer struct {
	// Clock is the [Clock] used for staggering and timeouts.
	//
	// Set by [NewRacer] from [Config.Clock].
	Clock Clock

	// ConnTimeout bounds the whole race.
	//
	// Set by [NewRacer] to [DefaultConnTimeout].
	ConnTimeout time.Duration

	// Drivers are the transport drivers, probed in order.
	//
	// Set by [NewRacer] to the user-provided drivers.
	Drivers []TransportDriver

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewRacer] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewRacer] to the user-provided logger.
	Logger SLogger

	// RaceDelay is the stagger interval between attempts.
	//
	// Set by [NewRacer] to [DefaultRaceDelay].
	RaceDelay time.Duration
}

// attemptResult is what one candidate attempt reports back.
type attemptResult struct {
	// candidate is the attempted candidate.
	candidate *Candidate

	// conn is the established transport, nil on failure.
	conn net.Conn

	// err is the failure, nil on success.
	err error
}

// Race runs the race and returns the winning transport and candidate.
//
// Returns [*EstablishmentError] when every candidate failed, when the
// race timed out, or when the caller cancelled the context.
func (r *Racer) Race(ctx context.Context, candidates []*Candidate) (net.Conn, *Candidate, error) {
	runtimex.Assert(len(candidates) > 0)

	// The race context is the lifetime of every attempt: cancelling it
	// closes losing sockets through their context watchers.
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t0 := r.Clock.Now()
	r.logRaceStart(candidates, t0)

	results := make(chan *attemptResult, len(candidates))
	stagger := make(chan struct{}, 1)
	timeout := make(chan struct{}, 1)
	go func() {
		if err := r.Clock.Sleep(raceCtx, r.ConnTimeout); err == nil {
			timeout <- struct{}{}
		}
	}()

	inflight, next := 0, 0
	var attemptErrs []error
	startNext := func() {
		r.startAttempt(raceCtx, candidates[next], results)
		inflight++
		next++
	}
	armStagger := func() {
		go func() {
			if err := r.Clock.Sleep(raceCtx, r.RaceDelay); err == nil {
				select {
				case stagger <- struct{}{}:
				default:
				}
			}
		}()
	}

	startNext()
	armStagger()
	for {
		select {
		case res := <-results:
			inflight--
			if res.err == nil {
				// Detach the winner from the race context before
				// cancelling it, then let every loser close.
				conn := detachCancelWatch(res.conn)
				cancel()
				r.logRaceDone(res.candidate, t0, nil)
				return conn, res.candidate, nil
			}
			attemptErrs = append(attemptErrs, fmt.Errorf("%s: %w", res.candidate, res.err))
			if next >= len(candidates) && inflight < 1 {
				err := &EstablishmentError{Reason: "all candidates failed", Attempts: attemptErrs}
				r.logRaceDone(nil, t0, err)
				return nil, nil, err
			}
			if inflight < 1 && next < len(candidates) {
				startNext()
				armStagger()
			}

		case <-stagger:
			if next < len(candidates) {
				startNext()
				armStagger()
			}

		case <-timeout:
			cancel()
			err := &EstablishmentError{Reason: "establishment timeout", Attempts: attemptErrs}
			r.logRaceDone(nil, t0, err)
			return nil, nil, err

		case <-ctx.Done():
			cancel()
			err := &EstablishmentError{Reason: ErrCancelled.Error(), Attempts: append(attemptErrs, ctx.Err())}
			r.logRaceDone(nil, t0, err)
			return nil, nil, err
		}
	}
}

// startAttempt launches one candidate attempt.
func (r *Racer) startAttempt(ctx context.Context, candidate *Candidate, results chan<- *attemptResult) {
	go func() {
		t0 := r.Clock.Now()
		r.logAttemptStart(candidate, t0)
		driver, err := r.driverFor(candidate.Stack)
		if err != nil {
			r.logAttemptDone(candidate, t0, err)
			results <- &attemptResult{candidate: candidate, err: err}
			return
		}
		conn, err := driver.Connect(ctx, candidate)
		r.logAttemptDone(candidate, t0, err)
		results <- &attemptResult{candidate: candidate, conn: conn, err: err}
	}()
}

// driverFor returns the first driver supporting the stack.
func (r *Racer) driverFor(stack *ProtocolStack) (TransportDriver, error) {
	for _, driver := range r.Drivers {
		if driver.Supports(stack) {
			return driver, nil
		}
	}
	return nil, &NotSupportedError{Reason: fmt.Sprintf("no driver for stack %s", stack.Name)}
}

func (r *Racer) logRaceStart(candidates []*Candidate, t0 time.Time) {
	r.Logger.Info(
		"raceStart",
		slog.Int("candidateCount", len(candidates)),
		slog.Duration("raceDelay", r.RaceDelay),
		slog.Duration("connTimeout", r.ConnTimeout),
		slog.Time("t", t0),
	)
}

func (r *Racer) logRaceDone(winner *Candidate, t0 time.Time, err error) {
	var winnerName string
	if winner != nil {
		winnerName = winner.String()
	}
	r.Logger.Info(
		"raceDone",
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("winner", winnerName),
		slog.Time("t0", t0),
		slog.Time("t", r.Clock.Now()),
	)
}

func (r *Racer) logAttemptStart(candidate *Candidate, t0 time.Time) {
	r.Logger.Info(
		"attemptStart",
		slog.String("candidate", candidate.String()),
		slog.String("protocol", candidate.Stack.Name),
		slog.String("remoteAddr", candidate.RemoteAddr.String()),
		slog.Time("t", t0),
	)
}

func (r *Racer) logAttemptDone(candidate *Candidate, t0 time.Time, err error) {
	r.Logger.Info(
		"attemptDone",
		slog.String("candidate", candidate.String()),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("protocol", candidate.Stack.Name),
		slog.String("remoteAddr", candidate.RemoteAddr.String()),
		slog.Time("t0", t0),
		slog.Time("t", r.Clock.Now()),
	)
}
