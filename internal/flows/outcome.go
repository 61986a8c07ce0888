package flows

import "errors"

// Reason is the closed set of rejection reasons a flow reports.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInvalidCredentials  Reason = "invalid_credentials"
	ReasonAccountBlocked      Reason = "account_blocked"
	ReasonEmailUnverified     Reason = "email_unverified"
	ReasonInvalidSecondFactor Reason = "invalid_second_factor"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonInvalidCode         Reason = "invalid_code"
	ReasonCodeExpired         Reason = "code_expired"
	ReasonAttemptsExhausted   Reason = "attempts_exhausted"
	ReasonInvalidSession      Reason = "invalid_session"
)

// LoginStatus is the terminal state of one login attempt.
type LoginStatus uint8

const (
	LoginRejected LoginStatus = iota
	LoginOK
	LoginSecondFactorRequired
)

// Audit action tags recorded by the flows.
const (
	ActionLoginSucceeded         = "login_succeeded"
	ActionLoginFailed            = "login_failed"
	ActionSecondFactorRequired   = "second_factor_required"
	ActionSecondFactorFailed     = "second_factor_failed"
	ActionSecondFactorVerified   = "second_factor_verified"
	ActionIdentityCreated        = "identity_created"
	ActionIdentityLinked         = "identity_linked"
	ActionEmailVerified          = "email_verified"
	ActionSessionRefreshed       = "session_refreshed"
	ActionRefreshFailed          = "refresh_failed"
	ActionRefreshReuseDetected   = "refresh_reuse_detected"
	ActionSessionsRevoked        = "sessions_revoked"
	ActionLogout                 = "logout"
	ActionOTPIssued              = "otp_issued"
	ActionOTPRateLimited         = "otp_rate_limited"
	ActionOTPDeliveryFailed      = "otp_delivery_failed"
	ActionOTPFailed              = "otp_failed"
	ActionResetRequested         = "password_reset_requested"
	ActionResetCompleted         = "password_reset_completed"
	ActionResetFailed            = "password_reset_failed"
	ActionVerificationRequested  = "email_verification_requested"
	ActionVerificationFailed     = "email_verification_failed"
	ActionSecondFactorEnrolled   = "second_factor_enrolled"
	ActionSecondFactorDisabled   = "second_factor_disabled"
	ActionBackupCodesRegenerated = "backup_codes_regenerated"
)

var (
	// ErrNotReady is returned when a flow is missing a required dependency.
	ErrNotReady = errors.New("flow dependencies not configured")
	// ErrDelivery wraps a failed hand-off to the delivery collaborator.
	ErrDelivery = errors.New("delivery failed")
	// ErrTokenCollision is returned when token issuance keeps colliding.
	ErrTokenCollision = errors.New("token digest collision retries exhausted")
	// ErrUnknownIdentity is returned by flows addressed by identity id when
	// the id does not resolve.
	ErrUnknownIdentity = errors.New("unknown identity")
)
