package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	tokenSecretSize = 32
	sessionIDSize   = 16
	digestContext   = "authcore 2025-01 single-use secret digest"
)

// Digest is the lookup-safe, one-way form of a secret.
type Digest [32]byte

// Hex returns the lowercase hex encoding used in storage keys.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d was never set.
func (d Digest) IsZero() bool {
	var zero Digest
	return subtle.ConstantTimeCompare(d[:], zero[:]) == 1
}

// ParseDigest decodes a hex digest produced by [Digest.Hex].
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(raw) != len(d) {
		return d, errors.New("invalid digest size")
	}
	copy(d[:], raw)
	return d, nil
}

// Vault derives digests for tokens, codes and refresh secrets. A non-empty
// pepper keys the digest so a leaked store cannot be brute-forced offline
// for short secrets like numeric codes.
type Vault struct {
	key   [32]byte
	keyed bool
}

// New returns a Vault. An empty pepper yields plain BLAKE3 digests.
func New(pepper []byte) *Vault {
	v := &Vault{}
	if len(pepper) > 0 {
		blake3.DeriveKey(digestContext, pepper, v.key[:])
		v.keyed = true
	}
	return v
}

// Digest returns the digest of secret.
func (v *Vault) Digest(secret string) Digest {
	var out Digest
	if v == nil || !v.keyed {
		return Digest(blake3.Sum256([]byte(secret)))
	}
	hasher, err := blake3.NewKeyed(v.key[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("vault: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(secret))
	copy(out[:], hasher.Sum(nil))
	return out
}

// Equal compares two digests in constant time.
func Equal(a, b Digest) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// NewToken returns a base64url secret with 256 bits of entropy.
func NewToken() (string, error) {
	var secret [tokenSecretSize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(secret[:]), nil
}

// NewSessionID returns a compact random identifier.
func NewSessionID() (string, error) {
	var sid [sessionIDSize]byte
	if _, err := rand.Read(sid[:]); err != nil {
		return "", err
	}
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(sid[:]), nil
}

// NewNumericCode returns a uniformly distributed decimal code.
func NewNumericCode(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid code digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	code := b.String()
	if len(code) != digits {
		return "", fmt.Errorf("invalid code generation length")
	}
	return code, nil
}

// RandomIndex returns a uniform index in [0, n).
func RandomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, errors.New("invalid range")
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
