package flows

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/vault"
	"github.com/MrEthical07/authcore/session"
	"github.com/redis/go-redis/v9"
)

// RefreshResult is the flow-local refresh response shape.
type RefreshResult struct {
	OK     bool
	Reason Reason

	IdentityID       string
	SessionID        string
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// RunRefresh exchanges a refresh token for a new access token. With rotation
// enabled the refresh token is replaced as well, and a rotated-out token
// presented again destroys its session.
func RunRefresh(ctx context.Context, refreshToken string, deps Deps, trail *audit.Trail) (RefreshResult, error) {
	deps.normalize()
	if deps.Identities == nil || deps.Sessions == nil || deps.IssueAccess == nil || deps.Keys == nil {
		return RefreshResult{}, ErrNotReady
	}

	fail := func(reason Reason, actor, auditReason string) RefreshResult {
		deps.MetricInc(deps.Metrics.RefreshFailure)
		trail.Record(ActionRefreshFailed, actor, actor, map[string]string{"reason": auditReason})
		return RefreshResult{Reason: reason}
	}

	if refreshToken == "" {
		return fail(ReasonInvalidSession, "", "empty_token"), nil
	}
	digest := deps.Keys.Digest(refreshToken)

	rec, status, err := deps.Sessions.LookupRefresh(ctx, digest)
	if err != nil {
		return RefreshResult{}, err
	}
	switch status {
	case session.LookupNotFound:
		return fail(ReasonInvalidSession, "", "not_found"), nil
	case session.LookupExpired:
		deps.MetricInc(deps.Metrics.SessionDestroyed)
		return fail(ReasonInvalidSession, rec.IdentityID, "expired"), nil
	case session.LookupReused:
		owner, err := deps.Sessions.Get(ctx, rec.ID)
		if err != nil && !errors.Is(err, redis.Nil) {
			return RefreshResult{}, err
		}
		deleted, err := deps.Sessions.Delete(ctx, rec.ID)
		if err != nil {
			return RefreshResult{}, err
		}
		if deleted {
			deps.MetricInc(deps.Metrics.SessionDestroyed)
		}
		deps.MetricInc(deps.Metrics.RefreshReuse)
		deps.MetricInc(deps.Metrics.RefreshFailure)
		trail.Record(ActionRefreshReuseDetected, owner.IdentityID, owner.IdentityID, map[string]string{
			"session_id":        rec.ID,
			"session_destroyed": strconv.FormatBool(deleted),
		})
		return RefreshResult{Reason: ReasonInvalidSession}, nil
	}

	if deps.Limiter != nil {
		if err := deps.Limiter.AllowRefresh(ctx, rec.ID); err != nil {
			if !errors.Is(err, rate.ErrRateLimited) {
				return RefreshResult{}, err
			}
			return fail(ReasonRateLimited, rec.IdentityID, "rate_limited"), nil
		}
	}

	ident, err := deps.Identities.FindByID(ctx, rec.IdentityID)
	if errors.Is(err, identity.ErrNotFound) {
		if _, err := deps.Sessions.DeleteAllForIdentity(ctx, rec.IdentityID); err != nil {
			return RefreshResult{}, err
		}
		return fail(ReasonInvalidSession, rec.IdentityID, "identity_missing"), nil
	}
	if err != nil {
		return RefreshResult{}, err
	}
	if ident.Status.Blocked() {
		n, err := deps.Sessions.DeleteAllForIdentity(ctx, ident.ID)
		if err != nil {
			return RefreshResult{}, err
		}
		for i := 0; i < n; i++ {
			deps.MetricInc(deps.Metrics.SessionDestroyed)
		}
		trail.Record(ActionSessionsRevoked, audit.ActorSystem, ident.ID, map[string]string{
			"reason": "account_" + ident.Status.String(),
			"count":  strconv.Itoa(n),
		})
		return fail(ReasonAccountBlocked, ident.ID, "account_"+ident.Status.String()), nil
	}

	window := rec.Window
	if window <= 0 {
		window = deps.Session.DefaultWindow
	}
	access, accessExp, err := deps.IssueAccess(ident.ID, rec.ID, window)
	if err != nil {
		return RefreshResult{}, err
	}

	nextToken, nextDigest := refreshToken, digest
	if deps.Session.RotateRefresh {
		nextToken, err = vault.NewToken()
		if err != nil {
			return RefreshResult{}, err
		}
		nextDigest = deps.Keys.Digest(nextToken)
	}

	rotated, err := deps.Sessions.Rotate(ctx, rec.ID, digest, nextDigest, accessExp, deps.Session.TombstoneTTL)
	if err != nil {
		return RefreshResult{}, err
	}
	switch rotated {
	case session.RotateOK:
	case session.RotateMismatch:
		return fail(ReasonInvalidSession, ident.ID, "concurrent_rotation"), nil
	case session.RotateExpired:
		return fail(ReasonInvalidSession, ident.ID, "expired"), nil
	default:
		return fail(ReasonInvalidSession, ident.ID, "not_found"), nil
	}

	deps.MetricInc(deps.Metrics.RefreshSuccess)
	trail.Record(ActionSessionRefreshed, ident.ID, ident.ID, map[string]string{
		"session_id": rec.ID,
		"rotated":    strconv.FormatBool(deps.Session.RotateRefresh),
	})
	return RefreshResult{
		OK:               true,
		IdentityID:       ident.ID,
		SessionID:        rec.ID,
		AccessToken:      access,
		RefreshToken:     nextToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.RefreshExpiresAt,
	}, nil
}

// RunLogout destroys one session. Unknown sessions are not an error.
func RunLogout(ctx context.Context, sessionID string, deps Deps, trail *audit.Trail) error {
	deps.normalize()
	if deps.Sessions == nil {
		return ErrNotReady
	}

	rec, err := deps.Sessions.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	deleted, err := deps.Sessions.Delete(ctx, sessionID)
	if err != nil {
		return err
	}
	if deleted {
		deps.MetricInc(deps.Metrics.SessionDestroyed)
	}
	trail.Record(ActionLogout, rec.IdentityID, rec.IdentityID, map[string]string{
		"session_id": sessionID,
		"existed":    strconv.FormatBool(deleted),
	})
	return nil
}
