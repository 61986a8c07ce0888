package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Resolution is the result of looking an email up: exactly one of [Found]
// or [NotFound].
type Resolution interface {
	resolution()
}

// Found carries the existing identity for the email.
type Found struct {
	Identity Identity
}

// NotFound carries the normalized email that had no identity.
type NotFound struct {
	Email string
}

func (Found) resolution()    {}
func (NotFound) resolution() {}

// Resolve looks the normalized email up in store. Store failures are
// returned as errors; absence is a [NotFound] resolution.
func Resolve(ctx context.Context, store Store, email string) (Resolution, error) {
	email = NormalizeEmail(email)
	ident, err := store.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return NotFound{Email: email}, nil
	}
	if err != nil {
		return nil, err
	}
	return Found{Identity: ident}, nil
}

// Profile is what an entry channel knows about a new identity.
type Profile struct {
	Email          string
	PasswordDigest string
	EmailVerified  bool
	Provider       Provider
}

// CreateFromChannel is the single constructor for identities created during
// login. Email stays the unique join key: if a concurrent request created the
// same email first, the existing identity is returned instead.
func CreateFromChannel(ctx context.Context, store Store, channel Channel, p Profile, now time.Time) (Identity, error) {
	ident := Identity{
		ID:             uuid.NewString(),
		Email:          NormalizeEmail(p.Email),
		PasswordDigest: p.PasswordDigest,
		EmailVerified:  p.EmailVerified,
		Provider:       p.Provider,
		Status:         StatusActive,
		CreatedAt:      now.UTC(),
	}
	if channel != ChannelFederated {
		ident.Provider = ProviderNone
	}

	err := store.Create(ctx, ident)
	if errors.Is(err, ErrExists) {
		existing, findErr := store.FindByEmail(ctx, ident.Email)
		if findErr != nil {
			return Identity{}, fmt.Errorf("resolve concurrently created identity: %w", findErr)
		}
		return existing, nil
	}
	if err != nil {
		return Identity{}, err
	}
	return ident, nil
}
