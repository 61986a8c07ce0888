// Package stores provides the Redis-backed, short-lived record stores of the
// authentication core: one-time login codes, single-use password-reset and
// email-verification tokens, and the sweeper that tidies both.
//
// # Design
//
// Records are Redis hashes holding only digests of secrets. Verification
// that must count attempts runs as a WATCH/MULTI optimistic transaction with
// retry on contention; single-step state changes (claiming a token,
// superseding an outstanding one) run as Lua scripts. Expired and consumed
// records are kept for a retention window so callers can tell "expired" or
// "already used" apart from "unknown".
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control. It does NOT
// generate codes or tokens, deliver them, or make authentication decisions;
// those belong to internal/flows.
//
// # What this package must NOT do
//
//   - Import authcore.
//   - Log or store plaintext secrets.
//   - Compare secrets without constant-time comparison.
package stores
