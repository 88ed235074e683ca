// SPDX-License-Identifier: GPL-3.0-or-later

// Package nbio provides readiness-driven, non-blocking stream connections.
//
// # Core Abstraction
//
// The package is built around [*Stream], which turns readiness notifications
// from an event loop into one-shot, callback-driven reads and writes:
//
//	stream.Recv(8192, func(s *nbio.Stream, data []byte, err error) { ... })
//	stream.Send(payload, func(s *nbio.Stream, data []byte, err error) { ... })
//
// Each operation completes exactly once. On success, the callback receives
// the data and a nil error. When the stream closes with operations still
// pending, their callbacks receive the close cause: [io.EOF] when the peer
// closed the connection, [ErrTimeout] when no progress was made within
// [Stream.Timeout], [net.ErrClosed] on local close, or the transport error.
// Callbacks may start new operations or close the stream.
//
// # Available Primitives
//
// Streams:
//   - [Stream]: the I/O engine (partial transfers, TLS crossover, timeouts, teardown)
//   - [SocketTransport]: plain [Transport] over a non-blocking [net.Conn]
//   - [TLSTransport]: TLS [Transport] with lazy handshake, client or server side
//   - [ObserveTransport]: logs the attempts of another [Transport]
//   - [Socket]: non-blocking socket descriptor implementing [net.Conn]
//
// Connection establishment:
//   - [Connector]: non-blocking connect with candidate fallback and connect timeout
//   - [Listener]: bind, listen, and accept with candidate fallback
//   - [DNSResolver]: [Resolver] querying an explicit DNS server
//
// Event loop:
//   - [Poller] and [Pollable]: the contract between this package and the loop
//   - [PollLoop]: single-goroutine poll(2) loop with scheduled tasks and a timeout sweep
//
// # Concurrency
//
// Everything runs on the event-loop goroutine, which invokes all callbacks.
// There are no locks. The TLS handshake runs as a coroutine strictly
// alternated with the loop and never concurrently with it.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with [log/slog]).
//
// By default, logging is disabled. Set the Logger field to a custom [*slog.Logger]
// to enable logging. Error classification is configurable via [ErrClassifier].
//
// All events share a common set of fields: localAddr, remoteAddr, protocol,
// and t (timestamp). Completion events (*Done) additionally include t0 (start
// time), err, and errClass. Stream events include the streamID produced by
// [NewSpanID]. Per-attempt I/O events are emitted at [slog.LevelDebug]; all
// other events use [slog.LevelInfo].
//
// # Design Boundaries
//
// This package does not buffer beyond one completion per requested operation,
// does not frame protocols, and does not pool or retry connections. Protocol
// layers are consumers of the [*Stream] contract.
package nbio
