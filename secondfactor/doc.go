// Package secondfactor implements the second-factor verifier: RFC 6238 TOTP
// codes via github.com/pquerna/otp, with a last-used time step per identity
// so a code cannot be replayed inside its window, and single-use backup
// codes stored as keyed digests.
//
// Enrollment is two-step. [Verifier.Begin] stores a pending secret and
// returns the provisioning URI; [Verifier.Confirm] activates it once the
// user proves possession and hands out backup codes.
package secondfactor
