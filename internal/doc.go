// Package internal holds the parts of authcore that are private to the
// module.
//
// # Sub-packages
//
//   - audit: per-operation trails and the asynchronous dispatcher
//   - flows: the orchestrators behind every Engine operation
//   - rate: Redis fixed-window budgets for failed logins, second-factor
//     failures and token requests
//   - stores: one-time code and single-use token records, and the sweeper
//   - vault: random secrets and peppered digests
//
// # What this package must NOT do
//
//   - Export types that appear in the public authcore API.
//   - Be imported by any package outside the authcore module.
package internal
