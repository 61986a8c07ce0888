// Package audit implements audit event collection and asynchronous delivery
// for security-relevant transitions.
//
// # Components
//
//   - [Event]: immutable fact with actor, action, target, client metadata.
//   - [Trail]: ordered per-flow collector, flushed after the flow ends.
//   - [Dispatcher]: buffered async relay with drop-if-full semantics.
//   - [Sink]: event consumers (channel, JSON writer, slog, no-op).
//
// # Architecture boundaries
//
// This package owns buffering and sink delivery. It does NOT decide which
// events to emit; flow functions do that.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import authcore or any sibling internal package.
//   - Let a sink failure propagate to the emitting request.
package audit
