// Package delivery defines the outbound delivery collaborator used for
// one-time codes, password-reset links and verification links, plus small
// adapters: a slog-backed deliverer, an in-memory recorder and a
// token-bucket throttle built on golang.org/x/time/rate.
package delivery
