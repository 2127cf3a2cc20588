// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// GroupScheduler picks which group member carries a message sent on the
// group-scoped send API.
type GroupScheduler interface {
	// Pick selects a member for the message. The members slice is
	// never empty and ordered by identity.
	Pick(members []*Connection, msg *Message) *Connection
}

// newConnectionGroup returns an empty [*ConnectionGroup].
func newConnectionGroup() *ConnectionGroup {
	return &ConnectionGroup{
		id:      newConnectionID(),
		members: make(map[uuid.UUID]*Connection),
	}
}

// ConnectionGroup tracks connections entangled by Clone: shared
// parameters, group-wide close and abort, and an optional scheduler
// for group-scoped sends.
//
// Membership is by identity: a member leaving (reaching Closed) removes
// itself without cooperation from other holders. Adding is idempotent
// and membership mutations may run concurrently with member I/O.
type ConnectionGroup struct {
	// id is the group identity.
	id uuid.UUID

	// members maps connection identities to members.
	members map[uuid.UUID]*Connection

	// mu serializes membership mutations.
	mu sync.Mutex

	// Scheduler, when set, is consulted by Send to pick the carrying
	// member.
	Scheduler GroupScheduler
}

// ID returns the group identity.
func (g *ConnectionGroup) ID() uuid.UUID {
	return g.id
}

// add inserts a member; adding an existing member is a no-op.
func (g *ConnectionGroup) add(conn *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[conn.ID()] = conn
}

// remove deletes a member by identity; unknown identities are a no-op.
func (g *ConnectionGroup) remove(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, id)
}

// Members returns the current members ordered by identity, which is
// creation order for the UUIDv7 identities this package assigns.
func (g *ConnectionGroup) Members() []*Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Connection, 0, len(g.members))
	for _, conn := range g.members {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID().String() < out[j].ID().String()
	})
	return out
}

// Size returns the current membership count.
func (g *ConnectionGroup) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Send sends a message on the member picked by the scheduler. Without
// a scheduler, sends are per-connection only and Send fails.
func (g *ConnectionGroup) Send(ctx context.Context, msg *Message) error {
	members := g.Members()
	if len(members) < 1 {
		return ErrConnectionClosed
	}
	if g.Scheduler == nil {
		return &NotSupportedError{Reason: "group send without a scheduler"}
	}
	conn := g.Scheduler.Pick(members, msg)
	return conn.Send(ctx, msg)
}

// CloseGroup gracefully closes every current member. Idempotent:
// members that already closed do not fail the fan-out.
func (g *ConnectionGroup) CloseGroup(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, conn := range g.Members() {
		eg.Go(func() error {
			return conn.Close(ctx)
		})
	}
	return eg.Wait()
}

// AbortGroup aborts every current member. Idempotent.
func (g *ConnectionGroup) AbortGroup() {
	for _, conn := range g.Members() {
		conn.Abort()
	}
}
