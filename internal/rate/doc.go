// Package rate provides fixed-window Redis counters for the authentication
// flows.
//
// # Window semantics
//
// INCR plus EXPIRE on the first hit. Key layout under the configured prefix:
//   - rl:login:<subject>     failed password logins
//   - rl:2fa:<identity>      failed second-factor codes
//   - rl:req:<purpose>:<id>  reset and verification requests
//
// # What this package must NOT do
//
//   - Decide what happens when a budget is spent.
//   - Be imported outside the authcore module.
package rate
