// Package password implements password hashing, verification and the
// complexity policy applied to new passwords.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] reports digests produced with weaker parameters so
// the caller can re-hash on the next successful login. [Argon2.VerifyDummy]
// spends the same work as a real comparison for accounts that do not exist.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords. Callers supply plaintext and receive hashes.
//   - Import any other authcore package.
//   - Log plaintext passwords.
package password
