package flows

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/internal/vault"
	"github.com/MrEthical07/authcore/secondfactor"
	"github.com/MrEthical07/authcore/session"
)

// DefaultOTPPurpose is used when a one-time-code login names no purpose.
const DefaultOTPPurpose = "login"

// LoginInput is the flow-local login request. Credential fields not used by
// the selected channel are ignored.
type LoginInput struct {
	Channel          identity.Channel
	Email            string
	Password         string
	Assertion        string
	Code             string
	Purpose          string
	SecondFactorCode string
	RememberMe       bool
	IP               string
	UserAgent        string
}

// LoginResult is the flow-local login response shape.
type LoginResult struct {
	Status   LoginStatus
	Reason   Reason
	Identity identity.Identity

	AccessToken      string
	RefreshToken     string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time

	// CodeMismatch and RemainingAttempts are set when a one-time code was
	// wrong but its record is still live.
	CodeMismatch      bool
	RemainingAttempts int
	UsedBackupCode    bool
}

type loginRun struct {
	in    LoginInput
	deps  Deps
	trail *audit.Trail
}

// RunLogin drives one login attempt through primary verification, the
// optional second factor and session issuance. Rejections are returned as a
// result; only infrastructure faults are returned as errors.
func RunLogin(ctx context.Context, in LoginInput, deps Deps, trail *audit.Trail) (LoginResult, error) {
	deps.normalize()
	if deps.Identities == nil || deps.Sessions == nil || deps.Hasher == nil || deps.IssueAccess == nil || deps.Keys == nil {
		return LoginResult{}, ErrNotReady
	}
	in.Email = identity.NormalizeEmail(in.Email)
	r := &loginRun{in: in, deps: deps, trail: trail}

	switch in.Channel {
	case identity.ChannelPassword:
		return r.password(ctx)
	case identity.ChannelFederated:
		return r.federated(ctx)
	case identity.ChannelOTP:
		return r.otp(ctx)
	default:
		return LoginResult{}, fmt.Errorf("unsupported login channel %q", in.Channel)
	}
}

func (r *loginRun) reject(reason Reason, actor, auditReason string) LoginResult {
	r.deps.MetricInc(r.deps.Metrics.LoginFailure)
	r.trail.Record(ActionLoginFailed, actor, actor, map[string]string{
		"channel": string(r.in.Channel),
		"reason":  auditReason,
	})
	return LoginResult{Status: LoginRejected, Reason: reason}
}

func loginSubject(keys *vault.Vault, email string) string {
	return keys.Digest("login:" + email).Hex()
}

func (r *loginRun) password(ctx context.Context) (LoginResult, error) {
	deps := r.deps
	subject := loginSubject(deps.Keys, r.in.Email)

	if deps.Limiter != nil {
		if err := deps.Limiter.CheckLogin(ctx, subject); err != nil {
			if !errors.Is(err, rate.ErrRateLimited) {
				return LoginResult{}, err
			}
			deps.MetricInc(deps.Metrics.LoginRateLimited)
			return r.reject(ReasonRateLimited, "", "rate_limited"), nil
		}
	}

	failed := func(actor, auditReason string) (LoginResult, error) {
		if deps.Limiter != nil {
			if err := deps.Limiter.IncrementLogin(ctx, subject); err != nil && !errors.Is(err, rate.ErrRateLimited) {
				deps.Logger.Warn("authcore: failed login counter update failed", "error", err)
			}
		}
		return r.reject(ReasonInvalidCredentials, actor, auditReason), nil
	}

	res, err := identity.Resolve(ctx, deps.Identities, r.in.Email)
	if err != nil {
		return LoginResult{}, err
	}
	found, ok := res.(identity.Found)
	if !ok {
		deps.Hasher.VerifyDummy(r.in.Password)
		return failed("", "not_found")
	}
	ident := found.Identity

	if ident.Status.Blocked() {
		return r.reject(ReasonAccountBlocked, ident.ID, "account_"+ident.Status.String()), nil
	}
	if ident.PasswordDigest == "" {
		deps.Hasher.VerifyDummy(r.in.Password)
		return failed(ident.ID, "no_password")
	}

	match, err := deps.Hasher.Verify(r.in.Password, ident.PasswordDigest)
	if err != nil {
		deps.Logger.Warn("authcore: stored password digest rejected", "identity_id", ident.ID, "error", err)
		match = false
	}
	if !match {
		return failed(ident.ID, "invalid_password")
	}

	if deps.Limiter != nil {
		if err := deps.Limiter.ResetLogin(ctx, subject); err != nil {
			deps.Logger.Warn("authcore: failed login counter reset failed", "error", err)
		}
	}
	if deps.UpgradeOnLogin {
		r.upgradeDigest(ctx, ident)
	}

	return r.secondStep(ctx, ident, nil)
}

func (r *loginRun) upgradeDigest(ctx context.Context, ident identity.Identity) {
	deps := r.deps
	needs, err := deps.Hasher.NeedsUpgrade(ident.PasswordDigest)
	if err != nil || !needs {
		return
	}
	upgraded, err := deps.Hasher.Hash(r.in.Password)
	if err != nil {
		deps.Logger.Warn("authcore: password hash upgrade generation failed", "identity_id", ident.ID, "error", err)
		return
	}
	if err := deps.Identities.SetPasswordDigest(ctx, ident.ID, upgraded); err != nil {
		deps.Logger.Warn("authcore: password hash upgrade update failed", "identity_id", ident.ID, "error", err)
	}
}

func (r *loginRun) federated(ctx context.Context) (LoginResult, error) {
	deps := r.deps
	if deps.VerifyAssertion == nil {
		return LoginResult{}, ErrNotReady
	}

	profile, err := deps.VerifyAssertion(ctx, r.in.Assertion)
	if err != nil {
		deps.Logger.Warn("authcore: federated assertion rejected", "error", err)
		return r.reject(ReasonInvalidCredentials, "", "assertion_invalid"), nil
	}
	if !profile.EmailVerified {
		return r.reject(ReasonEmailUnverified, "", "email_unverified"), nil
	}
	email := identity.NormalizeEmail(profile.Email)
	if !identity.ValidEmail(email) {
		return r.reject(ReasonInvalidCredentials, "", "assertion_email_invalid"), nil
	}
	r.in.Email = email

	res, err := identity.Resolve(ctx, deps.Identities, email)
	if err != nil {
		return LoginResult{}, err
	}

	var ident identity.Identity
	switch v := res.(type) {
	case identity.Found:
		ident = v.Identity
		if ident.Status.Blocked() {
			return r.reject(ReasonAccountBlocked, ident.ID, "account_"+ident.Status.String()), nil
		}
		if ident.Provider != profile.Provider || !ident.EmailVerified {
			if err := deps.Identities.LinkFederation(ctx, ident.ID, profile.Provider); err != nil {
				return LoginResult{}, err
			}
			ident.Provider = profile.Provider
			ident.EmailVerified = true
			r.trail.Record(ActionIdentityLinked, ident.ID, ident.ID, map[string]string{
				"provider": string(profile.Provider),
			})
		}
	case identity.NotFound:
		placeholder, err := vault.NewToken()
		if err != nil {
			return LoginResult{}, err
		}
		digest, err := deps.Hasher.Hash(placeholder)
		if err != nil {
			return LoginResult{}, err
		}
		ident, err = identity.CreateFromChannel(ctx, deps.Identities, identity.ChannelFederated, identity.Profile{
			Email:          email,
			PasswordDigest: digest,
			EmailVerified:  true,
			Provider:       profile.Provider,
		}, deps.Now())
		if err != nil {
			return LoginResult{}, err
		}
		r.trail.Record(ActionIdentityCreated, ident.ID, ident.ID, map[string]string{
			"channel":  string(identity.ChannelFederated),
			"provider": string(profile.Provider),
		})
		if ident.Status.Blocked() {
			return r.reject(ReasonAccountBlocked, ident.ID, "account_"+ident.Status.String()), nil
		}
	}

	return r.secondStep(ctx, ident, nil)
}

func otpDigest(keys *vault.Vault, email, purpose, code string) vault.Digest {
	return keys.Digest("otp:" + purpose + ":" + email + ":" + code)
}

func (r *loginRun) otpReject(result stores.OTPVerifyResult, actor string) LoginResult {
	deps := r.deps
	deps.MetricInc(deps.Metrics.OTPFailure)

	var reason Reason
	var auditReason string
	switch result.Status {
	case stores.OTPExpired:
		reason, auditReason = ReasonCodeExpired, "expired"
	case stores.OTPExhausted:
		reason, auditReason = ReasonAttemptsExhausted, "attempts_exhausted"
	case stores.OTPMismatch:
		reason, auditReason = ReasonInvalidCode, "mismatch"
	default:
		reason, auditReason = ReasonInvalidCode, "invalid"
	}
	r.trail.Record(ActionOTPFailed, actor, actor, map[string]string{
		"purpose":   r.in.Purpose,
		"reason":    auditReason,
		"remaining": strconv.Itoa(result.Remaining),
	})
	out := r.reject(reason, actor, "otp_"+auditReason)
	if result.Status == stores.OTPMismatch {
		out.CodeMismatch = true
		out.RemainingAttempts = result.Remaining
	}
	return out
}

func (r *loginRun) otp(ctx context.Context) (LoginResult, error) {
	deps := r.deps
	if deps.OTPs == nil {
		return LoginResult{}, ErrNotReady
	}
	if r.in.Purpose == "" {
		r.in.Purpose = DefaultOTPPurpose
	}

	res, err := identity.Resolve(ctx, deps.Identities, r.in.Email)
	if err != nil {
		return LoginResult{}, err
	}
	var ident identity.Identity
	found, exists := res.(identity.Found)
	if exists {
		ident = found.Identity
	}

	// The code stays unconsumed until the session is stored, so an abandoned
	// second-factor prompt can be retried with the same code.
	digest := otpDigest(deps.Keys, r.in.Email, r.in.Purpose, r.in.Code)
	result, err := deps.OTPs.Verify(ctx, r.in.Email, r.in.Purpose, digest, false)
	if err != nil {
		return LoginResult{}, err
	}
	if result.Status != stores.OTPValid {
		return r.otpReject(result, ident.ID), nil
	}

	if !exists {
		ident, err = identity.CreateFromChannel(ctx, deps.Identities, identity.ChannelOTP, identity.Profile{
			Email:         r.in.Email,
			EmailVerified: true,
		}, deps.Now())
		if err != nil {
			return LoginResult{}, err
		}
		r.trail.Record(ActionIdentityCreated, ident.ID, ident.ID, map[string]string{
			"channel": string(identity.ChannelOTP),
		})
	}
	if ident.Status.Blocked() {
		return r.reject(ReasonAccountBlocked, ident.ID, "account_"+ident.Status.String()), nil
	}
	if !ident.EmailVerified {
		if err := deps.Identities.MarkEmailVerified(ctx, ident.ID); err != nil {
			return LoginResult{}, err
		}
		ident.EmailVerified = true
		r.trail.Record(ActionEmailVerified, ident.ID, ident.ID, map[string]string{
			"channel": string(identity.ChannelOTP),
		})
	}

	consume := claimFunc(func(ctx context.Context) (*LoginResult, error) {
		final, err := deps.OTPs.Verify(ctx, r.in.Email, r.in.Purpose, digest, true)
		if err != nil {
			return nil, err
		}
		if final.Status != stores.OTPValid {
			out := r.otpReject(final, ident.ID)
			return &out, nil
		}
		return nil, nil
	})

	out, err := r.secondStep(ctx, ident, consume)
	if err == nil && out.Status == LoginOK {
		deps.MetricInc(deps.Metrics.OTPVerified)
	}
	return out, err
}

// claimFunc spends a single-use credential once the session record is
// stored. A non-nil result rejects the login.
type claimFunc func(context.Context) (*LoginResult, error)

// secondStep applies the second-factor branch and issues the session.
// claim, if set, runs after the session is saved; the session is removed
// again when it rejects or fails.
func (r *loginRun) secondStep(ctx context.Context, ident identity.Identity, claim claimFunc) (LoginResult, error) {
	deps := r.deps
	var usedBackup bool

	if ident.SecondFactorEnabled {
		if r.in.SecondFactorCode == "" {
			deps.MetricInc(deps.Metrics.SecondFactorRequired)
			r.trail.Record(ActionSecondFactorRequired, ident.ID, ident.ID, map[string]string{
				"channel": string(r.in.Channel),
			})
			return LoginResult{Status: LoginSecondFactorRequired, Identity: ident}, nil
		}
		if deps.SecondFactor == nil {
			return LoginResult{}, ErrNotReady
		}

		secondFailed := func(auditReason string, reason Reason) LoginResult {
			deps.MetricInc(deps.Metrics.SecondFactorFailure)
			r.trail.Record(ActionSecondFactorFailed, ident.ID, ident.ID, map[string]string{
				"channel": string(r.in.Channel),
				"reason":  auditReason,
			})
			return LoginResult{Status: LoginRejected, Reason: reason}
		}

		if deps.Limiter != nil {
			if err := deps.Limiter.CheckSecondFactor(ctx, ident.ID); err != nil {
				if !errors.Is(err, rate.ErrRateLimited) {
					return LoginResult{}, err
				}
				return secondFailed("rate_limited", ReasonRateLimited), nil
			}
		}

		outcome, err := deps.SecondFactor.Verify(ctx, ident.ID, r.in.SecondFactorCode)
		if errors.Is(err, secondfactor.ErrNotEnrolled) {
			deps.Logger.Warn("authcore: second factor flagged but not enrolled", "identity_id", ident.ID)
			return secondFailed("not_enrolled", ReasonInvalidSecondFactor), nil
		}
		if err != nil {
			return LoginResult{}, err
		}
		if !outcome.OK() {
			if deps.Limiter != nil {
				if err := deps.Limiter.IncrementSecondFactor(ctx, ident.ID); err != nil && !errors.Is(err, rate.ErrRateLimited) {
					deps.Logger.Warn("authcore: second factor counter update failed", "identity_id", ident.ID, "error", err)
				}
			}
			return secondFailed(outcome.String(), ReasonInvalidSecondFactor), nil
		}

		if deps.Limiter != nil {
			if err := deps.Limiter.ResetSecondFactor(ctx, ident.ID); err != nil {
				deps.Logger.Warn("authcore: second factor counter reset failed", "identity_id", ident.ID, "error", err)
			}
		}
		usedBackup = outcome == secondfactor.ValidBackupCode
		r.trail.Record(ActionSecondFactorVerified, ident.ID, ident.ID, map[string]string{
			"method": outcome.String(),
		})
	}

	out, err := r.issue(ctx, ident, claim)
	if err != nil {
		return LoginResult{}, err
	}
	out.UsedBackupCode = usedBackup
	return out, nil
}

func (r *loginRun) issue(ctx context.Context, ident identity.Identity, claim claimFunc) (LoginResult, error) {
	deps := r.deps
	window := deps.Session.DefaultWindow
	if r.in.RememberMe {
		window = deps.Session.RememberWindow
	}

	sid, err := vault.NewSessionID()
	if err != nil {
		return LoginResult{}, err
	}
	refresh, err := vault.NewToken()
	if err != nil {
		return LoginResult{}, err
	}
	access, accessExp, err := deps.IssueAccess(ident.ID, sid, window)
	if err != nil {
		return LoginResult{}, err
	}

	now := deps.Now()
	rec := session.Record{
		ID:               sid,
		IdentityID:       ident.ID,
		RefreshDigest:    deps.Keys.Digest(refresh),
		CreatedAt:        now,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: now.Add(deps.Session.RefreshTTL),
		Window:           window,
		IP:               r.in.IP,
		UserAgent:        r.in.UserAgent,
	}
	if err := deps.Sessions.Save(ctx, rec); err != nil {
		return LoginResult{}, err
	}
	if claim != nil {
		rejected, err := claim(ctx)
		if err != nil || rejected != nil {
			if _, delErr := deps.Sessions.Delete(context.WithoutCancel(ctx), sid); delErr != nil {
				deps.Logger.Error("authcore: unclaimed session cleanup failed", "session_id", sid, "error", delErr)
			}
		}
		if err != nil {
			return LoginResult{}, err
		}
		if rejected != nil {
			return *rejected, nil
		}
	}

	deps.MetricInc(deps.Metrics.SessionCreated)
	deps.MetricInc(deps.Metrics.LoginSuccess)
	r.trail.Record(ActionLoginSucceeded, ident.ID, ident.ID, map[string]string{
		"channel":     string(r.in.Channel),
		"session_id":  sid,
		"remember_me": strconv.FormatBool(r.in.RememberMe),
	})

	return LoginResult{
		Status:           LoginOK,
		Identity:         ident,
		AccessToken:      access,
		RefreshToken:     refresh,
		SessionID:        sid,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.RefreshExpiresAt,
	}, nil
}
