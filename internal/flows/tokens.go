package flows

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/delivery"
	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/internal/vault"
)

// Single-use token purposes.
const (
	PurposePasswordReset     = "password_reset"
	PurposeEmailVerification = "email_verification"
)

// TokenOutcome is the result of validating or consuming a single-use token.
type TokenOutcome uint8

const (
	TokenValid TokenOutcome = iota
	TokenInvalid
	TokenUsed
	TokenExpired
)

func (o TokenOutcome) String() string {
	switch o {
	case TokenValid:
		return "valid"
	case TokenUsed:
		return "already_used"
	case TokenExpired:
		return "expired"
	default:
		return "invalid"
	}
}

func tokenOutcome(s stores.TokenStatus) TokenOutcome {
	switch s {
	case stores.TokenValid:
		return TokenValid
	case stores.TokenUsed:
		return TokenUsed
	case stores.TokenExpired:
		return TokenExpired
	default:
		return TokenInvalid
	}
}

var errIdentityGone = errors.New("token owner no longer exists")

// IssueToken stores the digest of a fresh random token for (identityID,
// purpose) and returns the plaintext. Digest collisions are retried a
// bounded number of times.
func IssueToken(ctx context.Context, identityID, purpose string, validity time.Duration, deps Deps) (string, time.Time, error) {
	deps.normalize()
	if deps.Tokens == nil || deps.Keys == nil {
		return "", time.Time{}, ErrNotReady
	}
	for i := 0; i < deps.TokenWindows.IssueRetries; i++ {
		token, err := vault.NewToken()
		if err != nil {
			return "", time.Time{}, err
		}
		inserted, err := deps.Tokens.Insert(ctx, deps.Keys.Digest(token), identityID, purpose, validity)
		if err != nil {
			return "", time.Time{}, err
		}
		if inserted {
			return token, deps.Now().Add(validity), nil
		}
	}
	return "", time.Time{}, ErrTokenCollision
}

// RunRequestPasswordReset issues and delivers a reset token when the email
// belongs to an active identity. Every other case, including a throttled
// request or a failed delivery, reports success to the caller.
func RunRequestPasswordReset(ctx context.Context, email string, deps Deps, trail *audit.Trail) error {
	deps.normalize()
	if deps.Identities == nil || deps.Tokens == nil || deps.Delivery == nil || deps.Keys == nil {
		return ErrNotReady
	}
	email = identity.NormalizeEmail(email)
	deps.MetricInc(deps.Metrics.ResetRequested)

	res, err := identity.Resolve(ctx, deps.Identities, email)
	if err != nil {
		return err
	}
	found, ok := res.(identity.Found)
	if !ok {
		// Spend the same token generation work as the found path.
		if _, err := vault.NewToken(); err != nil {
			return err
		}
		trail.Record(ActionResetRequested, "", "", map[string]string{"outcome": "unknown_email"})
		return nil
	}
	ident := found.Identity
	if ident.Status.Blocked() {
		trail.Record(ActionResetRequested, ident.ID, ident.ID, map[string]string{"outcome": "account_" + ident.Status.String()})
		return nil
	}

	if deps.Limiter != nil {
		if err := deps.Limiter.AllowTokenRequest(ctx, PurposePasswordReset, ident.ID); err != nil {
			if !errors.Is(err, rate.ErrRateLimited) {
				return err
			}
			trail.Record(ActionResetRequested, ident.ID, ident.ID, map[string]string{"outcome": "throttled"})
			return nil
		}
	}

	token, expiresAt, err := IssueToken(ctx, ident.ID, PurposePasswordReset, deps.TokenWindows.ResetTTL, deps)
	if err != nil {
		return err
	}
	err = deps.Delivery.Deliver(ctx, delivery.Message{
		Kind:      delivery.KindPasswordReset,
		To:        ident.Email,
		Purpose:   PurposePasswordReset,
		Secret:    token,
		ExpiresAt: expiresAt,
	})
	if errors.Is(err, delivery.ErrThrottled) {
		trail.Record(ActionResetRequested, ident.ID, ident.ID, map[string]string{"outcome": "throttled"})
		return nil
	}
	if err != nil {
		deps.Logger.Error("authcore: password reset delivery failed", "identity_id", ident.ID, "error", err)
		trail.Record(ActionResetRequested, ident.ID, ident.ID, map[string]string{"outcome": "delivery_failed"})
		return nil
	}

	trail.Record(ActionResetRequested, ident.ID, ident.ID, map[string]string{"outcome": "issued"})
	return nil
}

// RunValidateToken checks a token without side effects.
func RunValidateToken(ctx context.Context, token, purpose string, deps Deps) (TokenOutcome, error) {
	deps.normalize()
	if deps.Tokens == nil || deps.Keys == nil {
		return TokenInvalid, ErrNotReady
	}
	if token == "" {
		return TokenInvalid, nil
	}
	_, status, err := deps.Tokens.Validate(ctx, deps.Keys.Digest(token), purpose)
	if err != nil {
		return TokenInvalid, err
	}
	return tokenOutcome(status), nil
}

// RunCompletePasswordReset consumes a reset token and sets the new password.
// Policy violations are returned before the token is touched. On success
// every session of the identity is destroyed.
func RunCompletePasswordReset(ctx context.Context, token, newPassword string, deps Deps, trail *audit.Trail) (TokenOutcome, []string, error) {
	deps.normalize()
	if deps.Identities == nil || deps.Tokens == nil || deps.Hasher == nil || deps.Keys == nil {
		return TokenInvalid, nil, ErrNotReady
	}
	if deps.CheckPassword != nil {
		if violations := deps.CheckPassword(newPassword); len(violations) > 0 {
			return TokenInvalid, violations, nil
		}
	}

	reject := func(outcome TokenOutcome, actor string) (TokenOutcome, []string, error) {
		deps.MetricInc(deps.Metrics.ResetRejected)
		trail.Record(ActionResetFailed, actor, actor, map[string]string{"reason": outcome.String()})
		return outcome, nil, nil
	}
	if token == "" {
		return reject(TokenInvalid, "")
	}

	digest, err := deps.Hasher.Hash(newPassword)
	if err != nil {
		return TokenInvalid, nil, err
	}

	var owner identity.Identity
	rec, status, err := deps.Tokens.Consume(ctx, deps.Keys.Digest(token), PurposePasswordReset, func(ctx context.Context, rec stores.TokenRecord) error {
		ident, err := deps.Identities.FindByID(ctx, rec.IdentityID)
		if errors.Is(err, identity.ErrNotFound) {
			return errIdentityGone
		}
		if err != nil {
			return err
		}
		owner = ident
		return deps.Identities.SetPasswordDigest(ctx, ident.ID, digest)
	})
	if errors.Is(err, errIdentityGone) {
		return reject(TokenInvalid, rec.IdentityID)
	}
	if err != nil && status == stores.TokenValid {
		deps.Logger.Warn("authcore: reset token finalisation failed", "identity_id", rec.IdentityID, "error", err)
		err = nil
	}
	if err != nil {
		return TokenInvalid, nil, err
	}
	if status != stores.TokenValid {
		return reject(tokenOutcome(status), rec.IdentityID)
	}

	revoked := 0
	if deps.Sessions != nil {
		revoked, err = deps.Sessions.DeleteAllForIdentity(ctx, owner.ID)
		if err != nil {
			deps.Logger.Error("authcore: session revocation after password reset failed", "identity_id", owner.ID, "error", err)
		}
		for i := 0; i < revoked; i++ {
			deps.MetricInc(deps.Metrics.SessionDestroyed)
		}
	}
	if deps.Limiter != nil {
		if err := deps.Limiter.ResetLogin(ctx, loginSubject(deps.Keys, owner.Email)); err != nil {
			deps.Logger.Warn("authcore: failed login counter reset failed", "identity_id", owner.ID, "error", err)
		}
	}

	deps.MetricInc(deps.Metrics.ResetCompleted)
	trail.Record(ActionResetCompleted, owner.ID, owner.ID, map[string]string{
		"sessions_revoked": strconv.Itoa(revoked),
	})
	return TokenValid, nil, nil
}

// RunRequestEmailVerification issues and delivers a verification token for
// an identity whose email is not verified yet. Already verified identities
// and throttled requests are a no-op.
func RunRequestEmailVerification(ctx context.Context, identityID string, deps Deps, trail *audit.Trail) error {
	deps.normalize()
	if deps.Identities == nil || deps.Tokens == nil || deps.Delivery == nil || deps.Keys == nil {
		return ErrNotReady
	}

	ident, err := deps.Identities.FindByID(ctx, identityID)
	if errors.Is(err, identity.ErrNotFound) {
		return ErrUnknownIdentity
	}
	if err != nil {
		return err
	}
	if ident.EmailVerified {
		trail.Record(ActionVerificationRequested, ident.ID, ident.ID, map[string]string{"outcome": "already_verified"})
		return nil
	}
	if deps.Limiter != nil {
		if err := deps.Limiter.AllowTokenRequest(ctx, PurposeEmailVerification, ident.ID); err != nil {
			if !errors.Is(err, rate.ErrRateLimited) {
				return err
			}
			trail.Record(ActionVerificationRequested, ident.ID, ident.ID, map[string]string{"outcome": "throttled"})
			return nil
		}
	}

	token, expiresAt, err := IssueToken(ctx, ident.ID, PurposeEmailVerification, deps.TokenWindows.VerificationTTL, deps)
	if err != nil {
		return err
	}
	err = deps.Delivery.Deliver(ctx, delivery.Message{
		Kind:      delivery.KindEmailVerification,
		To:        ident.Email,
		Purpose:   PurposeEmailVerification,
		Secret:    token,
		ExpiresAt: expiresAt,
	})
	if errors.Is(err, delivery.ErrThrottled) {
		trail.Record(ActionVerificationRequested, ident.ID, ident.ID, map[string]string{"outcome": "throttled"})
		return nil
	}
	if err != nil {
		trail.Record(ActionVerificationRequested, ident.ID, ident.ID, map[string]string{"outcome": "delivery_failed"})
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	deps.MetricInc(deps.Metrics.VerificationRequested)
	trail.Record(ActionVerificationRequested, ident.ID, ident.ID, map[string]string{"outcome": "issued"})
	return nil
}

// RunCompleteEmailVerification consumes a verification token and marks the
// owner's email verified.
func RunCompleteEmailVerification(ctx context.Context, token string, deps Deps, trail *audit.Trail) (TokenOutcome, error) {
	deps.normalize()
	if deps.Identities == nil || deps.Tokens == nil || deps.Keys == nil {
		return TokenInvalid, ErrNotReady
	}

	reject := func(outcome TokenOutcome, actor string) (TokenOutcome, error) {
		deps.MetricInc(deps.Metrics.VerificationRejected)
		trail.Record(ActionVerificationFailed, actor, actor, map[string]string{"reason": outcome.String()})
		return outcome, nil
	}
	if token == "" {
		return reject(TokenInvalid, "")
	}

	rec, status, err := deps.Tokens.Consume(ctx, deps.Keys.Digest(token), PurposeEmailVerification, func(ctx context.Context, rec stores.TokenRecord) error {
		err := deps.Identities.MarkEmailVerified(ctx, rec.IdentityID)
		if errors.Is(err, identity.ErrNotFound) {
			return errIdentityGone
		}
		return err
	})
	if errors.Is(err, errIdentityGone) {
		return reject(TokenInvalid, rec.IdentityID)
	}
	if err != nil && status == stores.TokenValid {
		deps.Logger.Warn("authcore: verification token finalisation failed", "identity_id", rec.IdentityID, "error", err)
		err = nil
	}
	if err != nil {
		return TokenInvalid, err
	}
	if status != stores.TokenValid {
		return reject(tokenOutcome(status), rec.IdentityID)
	}

	deps.MetricInc(deps.Metrics.VerificationCompleted)
	trail.Record(ActionEmailVerified, rec.IdentityID, rec.IdentityID, map[string]string{
		"channel": "token",
	})
	return TokenValid, nil
}
