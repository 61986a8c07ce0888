// Package jwt signs and verifies the short-lived access tokens minted for a
// session. A token carries the identity id (uid), the session id (sid) and
// the registered expiry claims; the expiry is chosen per call so the login
// window can differ between regular and remember-me sessions.
//
// Parsing pins the algorithm to the configured method, enforces issuer and
// audience when set, and resolves verification keys by kid during rotation.
package jwt
