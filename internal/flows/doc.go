// Package flows contains the orchestrators behind every Engine operation.
//
// Each flow function (RunLogin, RunRefresh, RunRequestOTP, etc.) accepts the
// shared [Deps] set and an audit trail and returns a flow-local result. The
// root package maps those results onto its public types.
//
// # Architecture boundaries
//
// Flows coordinate the identity store, session store, OTP and token stores,
// rate limiter, second-factor verifier and delivery collaborator. They do NOT
// own any of these resources; ownership stays with the Engine. Audit events
// are recorded into the trail in transition order and flushed by the caller.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import authcore (to avoid import cycles).
//   - Emit audit events directly or return rejections as errors.
package flows
