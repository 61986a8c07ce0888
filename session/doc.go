// Package session provides Redis-backed session records for the
// authentication core.
//
// # Layout
//
// A session is a Redis hash under <prefix>:s:<sid> holding the owning
// identity, the refresh-token digest and the expiry bookkeeping. Two indexes
// point back at it: <prefix>:r:<digest> resolves a presented refresh token,
// and <prefix>:u:<identity> lists the sessions of one identity. When a
// refresh token is rotated, <prefix>:rt:<old digest> remembers the session
// it belonged to so a replay of the old token can be detected.
//
// # What this package must NOT do
//
//   - Import authcore or jwt (no upward imports).
//   - Store plaintext refresh tokens.
//   - Decide whether an identity may hold a session.
package session
