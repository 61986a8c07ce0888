package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authcore/identity"
)

// guardedStore tags every identity store failure other than the two
// sentinels with ErrStoreUnavailable, so the engine can classify errors from
// stores it did not write.
type guardedStore struct {
	next identity.Store
}

func guard(err error) error {
	if err == nil || errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrExists) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func (g guardedStore) FindByEmail(ctx context.Context, email string) (identity.Identity, error) {
	ident, err := g.next.FindByEmail(ctx, email)
	return ident, guard(err)
}

func (g guardedStore) FindByID(ctx context.Context, id string) (identity.Identity, error) {
	ident, err := g.next.FindByID(ctx, id)
	return ident, guard(err)
}

func (g guardedStore) Create(ctx context.Context, ident identity.Identity) error {
	return guard(g.next.Create(ctx, ident))
}

func (g guardedStore) SetPasswordDigest(ctx context.Context, id, digest string) error {
	return guard(g.next.SetPasswordDigest(ctx, id, digest))
}

func (g guardedStore) MarkEmailVerified(ctx context.Context, id string) error {
	return guard(g.next.MarkEmailVerified(ctx, id))
}

func (g guardedStore) LinkFederation(ctx context.Context, id string, provider identity.Provider) error {
	return guard(g.next.LinkFederation(ctx, id, provider))
}

func (g guardedStore) SetSecondFactorEnabled(ctx context.Context, id string, enabled bool) error {
	return guard(g.next.SetSecondFactorEnabled(ctx, id, enabled))
}
