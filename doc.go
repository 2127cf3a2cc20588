// SPDX-License-Identifier: GPL-3.0-or-later

// Package taps implements the core of a Transport Services runtime:
// a protocol-independent facade over concrete network transports in the
// manner of the RFC 9622 abstract API.
//
// # Core Abstractions
//
// The package is built around three cooperating subsystems:
//
//   - Candidate racing: a [Preconnection] describes endpoints, selection
//     properties, and security parameters; the [CandidateBuilder]
//     expands it into an ordered list of (local, remote, stack,
//     security) candidates and the [Racer] attempts them under
//     Happy-Eyeballs staggering, surfacing the first transport that
//     becomes ready.
//
//   - The connection state machine: a [Connection] drives Establishing,
//     Established, Closing, and Closed with strict event ordering.
//     Sending and receiving are valid only in Established; a single
//     writer loop drains the send queue and a single reader loop pumps
//     the inbound framer pipeline, communicating over bounded queues.
//
//   - Message framing: a composable stack of [Framer] values delimits
//     message boundaries on byte-stream transports. The framer added
//     last runs first on the outbound path; the framer added first
//     parses the raw transport bytes on the inbound path. Built-in
//     framers cover length-prefix, delimiter, fixed-size, WebSocket
//     (RFC 6455 frames), HTTP/1.x, and MTU-bounded links.
//
// # Establishing Connections
//
//	cfg := taps.NewConfig()
//	pre := taps.NewPreconnection(cfg, taps.DefaultSLogger())
//	pre.AddRemote(taps.NewEndpoint().WithHostname("example.com").WithPort(443))
//	conn, err := pre.Initiate(ctx)
//
// Listen inverts the flow: accepted connections arrive on the
// [Listener.NewConnections] stream already Established. Rendezvous
// runs both directions at once for peer-to-peer establishment.
//
// # Events
//
// Every connection exposes an ordered, terminal-aware [EventStream].
// The event sequence is always a prefix of Ready, then data and
// advisory events, then exactly one terminal event (Closed or
// ConnectionError). Callers switch over the concrete [Event] types;
// the union is closed on purpose.
//
// # External Collaborators
//
// OS sockets, TLS, DNS resolution, and time live behind small
// interfaces ([Dialer], [ListenConfig], [Resolver], [Clock]) that
// [NewConfig] wires to working defaults; TLS handshakes go through a
// [TLSEngine] that [NewTLSHandshakeFunc] sets to [TLSEngineStdlib].
// Tests and alternative platforms substitute their own implementations.
// Extension transports (SCTP, L2CAP, ...) plug in as [TransportDriver]
// implementations registered on the [Preconnection].
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible
// with [log/slog]). By default, logging is disabled; set a custom
// [*slog.Logger] to enable it. Operations emit span events
// (*Start/*Done pairs) carrying localAddr, remoteAddr, protocol, and
// timestamps; completion events additionally include err and errClass.
// Per-I/O events (read, write, deadline changes) are emitted at
// [slog.LevelDebug]; all other events use [slog.LevelInfo]. Use
// [NewSpanID] to correlate all log entries of one establishment.
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the
// context they receive beyond deriving cancellation for their own
// subtasks. Establishment is bounded by the connection timeout;
// per-operation timeouts are the caller's responsibility via
// [context.WithTimeout]. Cancelling an establishment cancels the whole
// race promptly and releases every in-flight socket.
package taps
