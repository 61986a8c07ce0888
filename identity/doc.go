// Package identity defines the minimal account record the authentication
// core reads and writes, the [Store] collaborator that persists it, and the
// explicit find-or-create path used by the federated and one-time-code
// channels.
//
// Email, normalized with [NormalizeEmail], is the unique join key across
// channels. Lookups yield a [Resolution] ([Found] or [NotFound]) and new
// identities are only ever created through [CreateFromChannel].
package identity
