package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNotFound is returned by a [Store] when no identity matches.
	ErrNotFound = errors.New("identity not found")
	// ErrExists is returned by [Store.Create] when the email is already taken.
	ErrExists = errors.New("identity already exists")
)

// Status is the lifecycle state of an identity.
type Status uint8

const (
	StatusActive Status = iota
	StatusSuspended
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSuspended:
		return "suspended"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Blocked reports whether the identity may not authenticate.
func (s Status) Blocked() bool {
	return s != StatusActive
}

// Provider tags the federated identity provider linked to an account.
// ProviderNone means the account has never signed in through federation.
type Provider string

const (
	ProviderNone   Provider = ""
	ProviderGoogle Provider = "google"
)

// Channel names the entry path that created or authenticated an identity.
type Channel string

const (
	ChannelPassword  Channel = "password"
	ChannelFederated Channel = "federated"
	ChannelOTP       Channel = "otp"
)

// Identity is the minimal account record needed to authenticate.
type Identity struct {
	ID                  string
	Email               string
	PasswordDigest      string
	EmailVerified       bool
	Provider            Provider
	Status              Status
	SecondFactorEnabled bool
	CreatedAt           time.Time
}

// Store is the persistence collaborator for identities. Emails passed in are
// already normalized with [NormalizeEmail].
type Store interface {
	FindByEmail(ctx context.Context, email string) (Identity, error)
	FindByID(ctx context.Context, id string) (Identity, error)
	Create(ctx context.Context, ident Identity) error
	SetPasswordDigest(ctx context.Context, id, digest string) error
	MarkEmailVerified(ctx context.Context, id string) error
	LinkFederation(ctx context.Context, id string, provider Provider) error
	SetSecondFactorEnabled(ctx context.Context, id string, enabled bool) error
}

// NormalizeEmail returns the canonical join key for an email address:
// NFKC-normalized, trimmed and lower-cased.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(email)))
}

// ValidEmail performs the minimal shape check applied before any lookup.
func ValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n")
}
