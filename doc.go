// Package authcore authenticates identities over three channels (password,
// federated assertion and emailed one-time code), applies an optional TOTP
// second factor and issues sessions made of a signed access token and an
// opaque rotating refresh token.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config]
// and the result types. Flow orchestration, Redis-backed code, token and
// limiter storage, and audit dispatch live under internal/ and are never
// exported. Identity persistence is a collaborator ([identity.Store]) and so
// is outbound delivery ([delivery.Deliverer]).
//
// # Results and errors
//
// Authentication rejections are results, never errors. [LoginResult],
// [RefreshResult] and [TokenOutcome] carry a closed set of reasons; every
// credential failure looks the same to the caller. Errors are reserved for
// malformed input ([ValidationError]) and infrastructure faults
// ([ErrStoreUnavailable], [ErrDeliveryUnavailable], [ErrInternal]). Fault
// detail is logged, not returned.
//
// # What this package must NOT do
//
//   - Expose Redis clients, store keys or digest material in its public API.
//   - Store a password, refresh token, one-time code or single-use token in
//     plaintext.
//   - Perform I/O during [Builder.Build].
//   - Import any sub-package that re-imports authcore.
package authcore
