package authcore

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/secondfactor"
	"github.com/MrEthical07/authcore/session"
	"github.com/redis/go-redis/v9"
)

// Engine is the credential authentication and session lifecycle core. It is
// safe for concurrent use once built.
type Engine struct {
	config     Config
	deps       flows.Deps
	sessions   *session.Store
	jwtManager *jwt.Manager
	sweeper    *stores.Sweeper
	audit      *audit.Dispatcher
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Close drains the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns the number of audit events dropped under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditFailed returns the number of audit events lost to a panicking sink.
func (e *Engine) AuditFailed() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Failed()
}

// MetricsSnapshot copies the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil && e.deps.Identities != nil
}

// trail starts an audit trail carrying the client metadata of ctx.
func (e *Engine) trail(ctx context.Context) *audit.Trail {
	return audit.NewTrail(clientIPFromContext(ctx), userAgentFromContext(ctx), e.now)
}

// flush hands the trail to the dispatcher. The dispatcher never blocks the
// caller beyond its buffer policy and swallows sink failures.
func (e *Engine) flush(ctx context.Context, trail *audit.Trail) {
	if e.audit == nil {
		trail.Flush(ctx, nil)
		return
	}
	trail.Flush(context.WithoutCancel(ctx), e.audit)
}

// fault logs an infrastructure error with full detail and returns the opaque
// sentinel for its class.
func (e *Engine) fault(op string, err error) error {
	var out error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, flows.ErrNotReady):
		out = ErrEngineNotReady
	case errors.Is(err, flows.ErrDelivery):
		out = ErrDeliveryUnavailable
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, session.ErrRedisUnavailable),
		errors.Is(err, stores.ErrRedisUnavailable),
		errors.Is(err, stores.ErrContention),
		errors.Is(err, rate.ErrRedisUnavailable),
		errors.Is(err, secondfactor.ErrRedisUnavailable),
		errors.Is(err, session.ErrSessionCorrupt),
		errors.Is(err, stores.ErrRecordCorrupt):
		out = ErrStoreUnavailable
	default:
		out = ErrInternal
	}
	e.logger.Error("authcore: operation failed", "op", op, "class", out.Error(), "error", err)
	return out
}

/*
====================================
LOGIN
====================================
*/

// Login runs one login attempt on the requested channel. Rejections are
// reported in the result with a nil error; only infrastructure faults and
// malformed input return an error.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if err := validateLogin(req); err != nil {
		return nil, err
	}
	if req.Channel == ChannelFederated && e.deps.VerifyAssertion == nil {
		return nil, invalid("channel", "federated login is not configured")
	}

	start := e.now()
	trail := e.trail(ctx)
	res, err := flows.RunLogin(ctx, flows.LoginInput{
		Channel:          req.Channel,
		Email:            req.Email,
		Password:         req.Password,
		Assertion:        req.Assertion,
		Code:             req.Code,
		Purpose:          req.Purpose,
		SecondFactorCode: req.SecondFactorCode,
		RememberMe:       req.RememberMe,
		IP:               clientIPFromContext(ctx),
		UserAgent:        userAgentFromContext(ctx),
	}, e.deps, trail)
	e.flush(ctx, trail)
	if err != nil {
		return nil, e.fault("login", err)
	}
	if e.metrics != nil {
		e.metrics.Observe(MetricLoginLatency, e.now().Sub(start))
	}
	if res.Status == flows.LoginOK {
		switch req.Channel {
		case ChannelPassword:
			e.metricInc(MetricLoginPassword)
		case ChannelFederated:
			e.metricInc(MetricLoginFederated)
		case ChannelOTP:
			e.metricInc(MetricLoginOTP)
		}
	}
	return loginResult(req.Channel, res), nil
}

// VerifyOtp logs in with an emailed one-time code. It is [Engine.Login] on
// the one-time-code channel.
func (e *Engine) VerifyOtp(ctx context.Context, email, code, purpose string, opts LoginOptions) (*LoginResult, error) {
	return e.Login(ctx, LoginRequest{
		Channel:          ChannelOTP,
		Email:            email,
		Code:             code,
		Purpose:          purpose,
		SecondFactorCode: opts.SecondFactorCode,
		RememberMe:       opts.RememberMe,
	})
}

func validateLogin(req LoginRequest) error {
	switch req.Channel {
	case ChannelPassword:
		if strings.TrimSpace(req.Email) == "" {
			return invalid("email", "required")
		}
		if req.Password == "" {
			return invalid("password", "required")
		}
	case ChannelFederated:
		if strings.TrimSpace(req.Assertion) == "" {
			return invalid("assertion", "required")
		}
	case ChannelOTP:
		if !identity.ValidEmail(identity.NormalizeEmail(req.Email)) {
			return invalid("email", "malformed")
		}
		if strings.TrimSpace(req.Code) == "" {
			return invalid("code", "required")
		}
	default:
		return invalid("channel", "unsupported")
	}
	return nil
}

func loginResult(channel Channel, res flows.LoginResult) *LoginResult {
	out := &LoginResult{
		Reason:            RejectReason(res.Reason),
		RemainingAttempts: res.RemainingAttempts,
		UsedBackupCode:    res.UsedBackupCode,
	}
	switch res.Status {
	case flows.LoginOK:
		out.Status = LoginOK
		out.Identity = summary(res.Identity)
		out.AccessToken = res.AccessToken
		out.RefreshToken = res.RefreshToken
		out.SessionID = res.SessionID
		out.AccessExpiresAt = res.AccessExpiresAt
		out.RefreshExpiresAt = res.RefreshExpiresAt
	case flows.LoginSecondFactorRequired:
		out.Status = LoginSecondFactorRequired
	default:
		out.Status = LoginRejected
	}

	if channel == ChannelOTP {
		switch {
		case res.Status != flows.LoginRejected:
			out.OTP = OTPValid
		case res.Reason == flows.ReasonCodeExpired:
			out.OTP = OTPExpired
		case res.Reason == flows.ReasonAttemptsExhausted:
			out.OTP = OTPAttemptsExhausted
		case res.CodeMismatch:
			out.OTP = OTPMismatch
		case res.Reason == flows.ReasonInvalidCode:
			out.OTP = OTPInvalid
		default:
			// The code verified; a later check rejected.
			out.OTP = OTPValid
		}
	}
	return out
}

func summary(ident identity.Identity) *IdentitySummary {
	return &IdentitySummary{
		ID:                  ident.ID,
		Email:               ident.Email,
		EmailVerified:       ident.EmailVerified,
		Provider:            string(ident.Provider),
		SecondFactorEnabled: ident.SecondFactorEnabled,
	}
}

/*
====================================
SESSIONS
====================================
*/

// RefreshSession exchanges a refresh token for a new access token. With
// rotation enabled the returned RefreshToken replaces the one presented.
func (e *Engine) RefreshSession(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if strings.TrimSpace(refreshToken) == "" {
		return nil, invalid("refresh_token", "required")
	}

	trail := e.trail(ctx)
	res, err := flows.RunRefresh(ctx, refreshToken, e.deps, trail)
	e.flush(ctx, trail)
	if err != nil {
		return nil, e.fault("refresh", err)
	}
	return &RefreshResult{
		OK:               res.OK,
		Reason:           RejectReason(res.Reason),
		IdentityID:       res.IdentityID,
		SessionID:        res.SessionID,
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		AccessExpiresAt:  res.AccessExpiresAt,
		RefreshExpiresAt: res.RefreshExpiresAt,
	}, nil
}

// Logout destroys one session. Unknown sessions are not an error.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if strings.TrimSpace(sessionID) == "" {
		return invalid("session_id", "required")
	}

	trail := e.trail(ctx)
	err := flows.RunLogout(ctx, sessionID, e.deps, trail)
	e.flush(ctx, trail)
	if err != nil {
		return e.fault("logout", err)
	}
	return nil
}

// LogoutAll destroys every session of an identity and returns how many were
// removed.
func (e *Engine) LogoutAll(ctx context.Context, identityID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	if strings.TrimSpace(identityID) == "" {
		return 0, invalid("identity_id", "required")
	}
	n, err := e.sessions.DeleteAllForIdentity(ctx, identityID)
	if err != nil {
		return 0, e.fault("logout_all", err)
	}
	e.metrics.Add(MetricSessionDestroyed, uint64(n))

	trail := e.trail(ctx)
	trail.Record(AuditSessionsRevoked, identityID, identityID, map[string]string{
		"reason": "logout_all",
	})
	e.flush(ctx, trail)
	return n, nil
}

// AccessInfo is what a valid access token proves.
type AccessInfo struct {
	IdentityID string
	SessionID  string
	ExpiresAt  time.Time
}

// ValidateAccess verifies an access token's signature and expiry and checks
// that its session still exists, so logout and revocation take effect
// before the token expires.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*AccessInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		return nil, ErrAccessTokenInvalid
	}
	if _, err := e.sessions.Get(ctx, claims.SID); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAccessTokenInvalid
		}
		return nil, e.fault("validate_access", err)
	}
	info := &AccessInfo{IdentityID: claims.UID, SessionID: claims.SID}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// ActiveSessions lists the session ids of an identity.
func (e *Engine) ActiveSessions(ctx context.Context, identityID string) ([]string, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	ids, err := e.sessions.ActiveSessionIDs(ctx, identityID)
	if err != nil {
		return nil, e.fault("active_sessions", err)
	}
	return ids, nil
}

/*
====================================
ONE-TIME CODES
====================================
*/

// RequestOtp issues a one-time code for (email, purpose) and hands it to the
// deliverer. A live code issued within the cooldown, or a send refused by
// the delivery throttle, yields [OTPRequestRateLimited]. A delivery failure
// returns [ErrDeliveryUnavailable] and leaves no code behind.
func (e *Engine) RequestOtp(ctx context.Context, email, purpose string) (OTPRequestOutcome, error) {
	if !e.ready() {
		return OTPRequestIssued, ErrEngineNotReady
	}
	if !identity.ValidEmail(identity.NormalizeEmail(email)) {
		return OTPRequestIssued, invalid("email", "malformed")
	}

	trail := e.trail(ctx)
	status, err := flows.RunRequestOTP(ctx, email, purpose, e.deps, trail)
	e.flush(ctx, trail)
	if err != nil {
		return OTPRequestIssued, e.fault("request_otp", err)
	}
	if status == flows.OTPRequestRateLimited {
		return OTPRequestRateLimited, nil
	}
	return OTPRequestIssued, nil
}

/*
====================================
SINGLE-USE TOKENS
====================================
*/

func tokenOutcome(o flows.TokenOutcome) TokenOutcome {
	switch o {
	case flows.TokenValid:
		return TokenValid
	case flows.TokenUsed:
		return TokenAlreadyUsed
	case flows.TokenExpired:
		return TokenExpired
	default:
		return TokenInvalid
	}
}

// RequestPasswordReset emails a reset link if the address belongs to an
// active account. The result is the same whether or not it does.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if !identity.ValidEmail(identity.NormalizeEmail(email)) {
		return invalid("email", "malformed")
	}

	trail := e.trail(ctx)
	err := flows.RunRequestPasswordReset(ctx, email, e.deps, trail)
	e.flush(ctx, trail)
	if err != nil {
		return e.fault("request_password_reset", err)
	}
	return nil
}

// ValidateResetToken reports whether a reset token is currently usable. It
// has no side effects and may be called any number of times.
func (e *Engine) ValidateResetToken(ctx context.Context, token string) (TokenOutcome, error) {
	if !e.ready() {
		return TokenInvalid, ErrEngineNotReady
	}
	if token == "" {
		return TokenInvalid, nil
	}
	outcome, err := flows.RunValidateToken(ctx, token, flows.PurposePasswordReset, e.deps)
	if err != nil {
		return TokenInvalid, e.fault("validate_reset_token", err)
	}
	return tokenOutcome(outcome), nil
}

// CompletePasswordReset sets a new password and destroys every session of
// the identity. A password that fails the policy returns a
// [ValidationError] without touching the token.
func (e *Engine) CompletePasswordReset(ctx context.Context, token, newPassword string) (TokenOutcome, error) {
	if !e.ready() {
		return TokenInvalid, ErrEngineNotReady
	}
	if token == "" {
		return TokenInvalid, nil
	}

	trail := e.trail(ctx)
	outcome, violations, err := flows.RunCompletePasswordReset(ctx, token, newPassword, e.deps, trail)
	e.flush(ctx, trail)
	if len(violations) > 0 {
		return TokenInvalid, invalid("new_password", strings.Join(violations, ","))
	}
	if errors.Is(err, password.ErrPasswordTooLong) {
		return TokenInvalid, invalid("new_password", "too_long")
	}
	if err != nil {
		return TokenInvalid, e.fault("complete_password_reset", err)
	}
	return tokenOutcome(outcome), nil
}

// RequestEmailVerification emails a verification link to an identity whose
// address is not yet verified.
func (e *Engine) RequestEmailVerification(ctx context.Context, identityID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if strings.TrimSpace(identityID) == "" {
		return invalid("identity_id", "required")
	}

	trail := e.trail(ctx)
	err := flows.RunRequestEmailVerification(ctx, identityID, e.deps, trail)
	e.flush(ctx, trail)
	if errors.Is(err, flows.ErrUnknownIdentity) {
		return invalid("identity_id", "unknown")
	}
	if err != nil {
		return e.fault("request_email_verification", err)
	}
	return nil
}

// CompleteEmailVerification marks the token owner's email verified.
func (e *Engine) CompleteEmailVerification(ctx context.Context, token string) (TokenOutcome, error) {
	if !e.ready() {
		return TokenInvalid, ErrEngineNotReady
	}
	if token == "" {
		return TokenInvalid, nil
	}

	trail := e.trail(ctx)
	outcome, err := flows.RunCompleteEmailVerification(ctx, token, e.deps, trail)
	e.flush(ctx, trail)
	if err != nil {
		return TokenInvalid, e.fault("complete_email_verification", err)
	}
	return tokenOutcome(outcome), nil
}

/*
====================================
SECOND FACTOR
====================================
*/

func (e *Engine) secondFactorError(op string, err error) error {
	switch {
	case errors.Is(err, flows.ErrUnknownIdentity):
		return invalid("identity_id", "unknown")
	case errors.Is(err, secondfactor.ErrAlreadyEnrolled):
		return ErrSecondFactorEnrolled
	case errors.Is(err, secondfactor.ErrNotEnrolled):
		return ErrSecondFactorNotEnrolled
	}
	return e.fault(op, err)
}

func codeResult(outcome secondfactor.Outcome, codes []string) *SecondFactorResult {
	if !outcome.OK() {
		return &SecondFactorResult{Reason: RejectInvalidSecondFactor}
	}
	return &SecondFactorResult{Accepted: true, BackupCodes: codes}
}

// BeginSecondFactorEnrollment creates a pending TOTP secret for identityID.
// It becomes active once [Engine.ConfirmSecondFactorEnrollment] accepts a
// code generated from it.
func (e *Engine) BeginSecondFactorEnrollment(ctx context.Context, identityID string) (*SecondFactorEnrollment, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	enrollment, err := flows.RunBeginEnrollment(ctx, identityID, e.deps)
	if err != nil {
		return nil, e.secondFactorError("begin_second_factor", err)
	}
	return &SecondFactorEnrollment{Secret: enrollment.Secret, URI: enrollment.URI}, nil
}

// ConfirmSecondFactorEnrollment activates the pending secret and returns the
// backup codes.
func (e *Engine) ConfirmSecondFactorEnrollment(ctx context.Context, identityID, code string) (*SecondFactorResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	trail := e.trail(ctx)
	res, err := flows.RunConfirmEnrollment(ctx, identityID, code, e.deps, trail)
	e.flush(ctx, trail)
	if err != nil {
		return nil, e.secondFactorError("confirm_second_factor", err)
	}
	return codeResult(res.Outcome, res.BackupCodes), nil
}

// DisableSecondFactor removes the second factor after a current code or a
// backup code verifies.
func (e *Engine) DisableSecondFactor(ctx context.Context, identityID, code string) (*SecondFactorResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	trail := e.trail(ctx)
	outcome, err := flows.RunDisableSecondFactor(ctx, identityID, code, e.deps, trail)
	e.flush(ctx, trail)
	if errors.Is(err, rate.ErrRateLimited) {
		return &SecondFactorResult{Reason: RejectRateLimited}, nil
	}
	if err != nil {
		return nil, e.secondFactorError("disable_second_factor", err)
	}
	return codeResult(outcome, nil), nil
}

// RegenerateBackupCodes replaces every backup code after a current code or
// an unused backup code verifies.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, identityID, code string) (*SecondFactorResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	trail := e.trail(ctx)
	res, err := flows.RunRegenerateBackupCodes(ctx, identityID, code, e.deps, trail)
	e.flush(ctx, trail)
	if errors.Is(err, rate.ErrRateLimited) {
		return &SecondFactorResult{Reason: RejectRateLimited}, nil
	}
	if err != nil {
		return nil, e.secondFactorError("regenerate_backup_codes", err)
	}
	return codeResult(res.Outcome, res.BackupCodes), nil
}

// BackupCodesRemaining returns how many unused backup codes identityID
// still holds.
func (e *Engine) BackupCodesRemaining(ctx context.Context, identityID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, err := flows.RunBackupCodesRemaining(ctx, identityID, e.deps)
	if err != nil {
		return 0, e.secondFactorError("backup_codes_remaining", err)
	}
	return n, nil
}

/*
====================================
MAINTENANCE
====================================
*/

// Sweep makes one pass over one-time code and token records and removes
// those past retention. It is safe to run next to live traffic.
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	if !e.ready() || e.sweeper == nil {
		return SweepStats{}, ErrEngineNotReady
	}
	st, err := e.sweeper.Sweep(ctx)
	out := SweepStats{
		Scanned:      st.Scanned,
		OTPDeleted:   st.OTPDeleted,
		TokenDeleted: st.TokenDeleted,
		IndexPruned:  st.IndexPruned,
	}
	e.metrics.Add(MetricSweepDeleted, uint64(st.OTPDeleted+st.TokenDeleted+st.IndexPruned))
	if err != nil {
		return out, e.fault("sweep", err)
	}
	e.logger.Debug("authcore: sweep finished",
		"scanned", st.Scanned, "otp_deleted", st.OTPDeleted,
		"token_deleted", st.TokenDeleted, "index_pruned", st.IndexPruned)
	return out, nil
}
