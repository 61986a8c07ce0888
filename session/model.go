package session

import (
	"time"

	"github.com/MrEthical07/authcore/internal/vault"
)

// Record is one authenticated device or browser context. Only the digest of
// the refresh token is kept; IP and user agent are captured at creation for
// audit purposes.
type Record struct {
	ID               string
	IdentityID       string
	RefreshDigest    vault.Digest
	CreatedAt        time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Window           time.Duration
	IP               string
	UserAgent        string
}

// LookupStatus classifies the result of finding a session by refresh digest.
type LookupStatus uint8

const (
	LookupFound LookupStatus = iota
	LookupNotFound
	LookupExpired
	// LookupReused means the digest belonged to a token that was already
	// rotated out of its session.
	LookupReused
)

// RotateStatus classifies the result of a conditional refresh rotation.
type RotateStatus uint8

const (
	RotateOK RotateStatus = iota
	RotateNotFound
	RotateExpired
	RotateMismatch
)
