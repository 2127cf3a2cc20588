// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
)

// Rendezvous simultaneously listens and initiates towards the remote
// endpoints, for peer-to-peer establishment where both sides act at
// once. The first side to produce an established connection wins; the
// other attempt stops.
//
// The returned connection emits [EventRendezvousDone]. When the active
// side wins, [EventReady] precedes it; a connection won by the passive
// side is an accepted one and emits no [EventReady]. Candidate exchange and hole punching are the
// caller's concern: use [Preconnection.Resolve] to learn the endpoints
// to signal to the peer out of band.
func (p *Preconnection) Rendezvous(ctx context.Context) (*Connection, error) {
	if len(p.locals) < 1 || len(p.remotes) < 1 {
		return nil, &EstablishmentError{Reason: "rendezvous requires local and remote endpoints"}
	}

	rendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		conn *Connection
		err  error
	}
	results := make(chan outcome, 2)

	// Passive side: accept the peer's inbound attempt.
	listener, err := p.Listen(rendCtx)
	if err != nil {
		return nil, err
	}
	defer listener.Stop()
	go func() {
		select {
		case conn, ok := <-listener.NewConnections():
			if !ok {
				results <- outcome{err: &EstablishmentError{Reason: "listener stopped"}}
				return
			}
			results <- outcome{conn: conn}
		case <-rendCtx.Done():
			results <- outcome{err: rendCtx.Err()}
		}
	}()

	// Active side: race our own outbound attempt.
	go func() {
		conn, err := p.Initiate(rendCtx)
		results <- outcome{conn: conn, err: err}
	}()

	var errs []error
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			errs = append(errs, res.err)
			continue
		}
		cancel()
		if i == 0 {
			// Abort the other side's connection if it also completes.
			go func() {
				if other := <-results; other.conn != nil {
					other.conn.Abort()
				}
			}()
		}
		res.conn.events.emit(EventRendezvousDone{Connection: res.conn})
		return res.conn, nil
	}
	return nil, &EstablishmentError{Reason: "rendezvous failed", Attempts: errs}
}
