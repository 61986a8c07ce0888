package authcore

import (
	"context"
	"time"

	"github.com/MrEthical07/authcore/identity"
)

// Channel selects how the primary credential is proven.
type Channel = identity.Channel

const (
	ChannelPassword  = identity.ChannelPassword
	ChannelFederated = identity.ChannelFederated
	ChannelOTP       = identity.ChannelOTP
)

// LoginRequest is one login attempt. Only the credential fields of the
// selected channel are read: Email and Password for the password channel,
// Assertion for the federated channel, Email, Code and Purpose for the
// one-time-code channel.
type LoginRequest struct {
	Channel          Channel
	Email            string
	Password         string
	Assertion        string
	Code             string
	Purpose          string
	SecondFactorCode string
	RememberMe       bool
}

// LoginOptions carries the non-credential parts of a login for
// [Engine.VerifyOtp].
type LoginOptions struct {
	SecondFactorCode string
	RememberMe       bool
}

// LoginStatus is the terminal state of a login attempt.
type LoginStatus uint8

const (
	// LoginRejected means no session was created; see LoginResult.Reason.
	LoginRejected LoginStatus = iota
	// LoginOK means a session was created.
	LoginOK
	// LoginSecondFactorRequired means the primary credential verified but a
	// second-factor code must accompany the next attempt. No session exists.
	LoginSecondFactorRequired
)

func (s LoginStatus) String() string {
	switch s {
	case LoginOK:
		return "ok"
	case LoginSecondFactorRequired:
		return "second_factor_required"
	default:
		return "rejected"
	}
}

// RejectReason is the closed set of reasons reported to callers. Every
// credential failure maps to [RejectInvalidCredentials] so the response does
// not reveal which check failed; blocked accounts are disclosed on purpose.
type RejectReason string

const (
	RejectNone                RejectReason = ""
	RejectInvalidCredentials  RejectReason = "invalid_credentials"
	RejectAccountBlocked      RejectReason = "account_blocked"
	RejectEmailUnverified     RejectReason = "email_unverified"
	RejectInvalidSecondFactor RejectReason = "invalid_second_factor"
	RejectRateLimited         RejectReason = "rate_limited"
	RejectInvalidCode         RejectReason = "invalid_code"
	RejectCodeExpired         RejectReason = "code_expired"
	RejectAttemptsExhausted   RejectReason = "attempts_exhausted"
	RejectInvalidSession      RejectReason = "invalid_session"
)

// IdentitySummary is the part of an identity returned after login.
type IdentitySummary struct {
	ID                  string
	Email               string
	EmailVerified       bool
	Provider            string
	SecondFactorEnabled bool
}

// OTPOutcome classifies a one-time-code submission.
type OTPOutcome uint8

const (
	// OTPNotApplicable is reported for logins on other channels.
	OTPNotApplicable OTPOutcome = iota
	OTPValid
	OTPInvalid
	OTPExpired
	OTPAttemptsExhausted
	// OTPMismatch means a wrong code; LoginResult.RemainingAttempts says how
	// many tries are left.
	OTPMismatch
)

func (o OTPOutcome) String() string {
	switch o {
	case OTPValid:
		return "valid"
	case OTPInvalid:
		return "invalid"
	case OTPExpired:
		return "expired"
	case OTPAttemptsExhausted:
		return "attempts_exhausted"
	case OTPMismatch:
		return "mismatch"
	default:
		return "not_applicable"
	}
}

// LoginResult is the response to [Engine.Login] and [Engine.VerifyOtp].
// Token fields are set only when Status is [LoginOK].
type LoginResult struct {
	Status   LoginStatus
	Reason   RejectReason
	Identity *IdentitySummary

	AccessToken      string
	RefreshToken     string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time

	OTP               OTPOutcome
	RemainingAttempts int
	UsedBackupCode    bool
}

// RefreshResult is the response to [Engine.RefreshSession]. RefreshToken is
// the token to present next time; without rotation it equals the one sent.
type RefreshResult struct {
	OK     bool
	Reason RejectReason

	IdentityID       string
	SessionID        string
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// OTPRequestOutcome is the response to [Engine.RequestOtp].
type OTPRequestOutcome uint8

const (
	OTPRequestIssued OTPRequestOutcome = iota
	// OTPRequestRateLimited means a live code was issued within the cooldown.
	OTPRequestRateLimited
)

func (o OTPRequestOutcome) String() string {
	if o == OTPRequestRateLimited {
		return "rate_limited"
	}
	return "issued"
}

// TokenOutcome classifies a single-use token.
type TokenOutcome uint8

const (
	TokenValid TokenOutcome = iota
	TokenInvalid
	TokenAlreadyUsed
	TokenExpired
)

func (o TokenOutcome) String() string {
	switch o {
	case TokenValid:
		return "valid"
	case TokenAlreadyUsed:
		return "already_used"
	case TokenExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Valid reports whether the token was accepted.
func (o TokenOutcome) Valid() bool { return o == TokenValid }

// SecondFactorEnrollment is returned when enrolment starts. URI is the
// otpauth:// provisioning URI to render as a QR code.
type SecondFactorEnrollment struct {
	Secret string
	URI    string
}

// SecondFactorResult is the response to the code-gated enrolment
// operations. BackupCodes is set on confirmation and regeneration only and
// is the only time the plaintext codes are available.
type SecondFactorResult struct {
	Accepted    bool
	Reason      RejectReason
	BackupCodes []string
}

// SweepStats reports one storage sweep.
type SweepStats struct {
	Scanned      int
	OTPDeleted   int
	TokenDeleted int
	IndexPruned  int
}

// FederatedProfile is the normalized profile a [FederatedVerifier] extracts
// from a valid assertion.
type FederatedProfile struct {
	Email         string
	EmailVerified bool
	Provider      string
	GivenName     string
	FamilyName    string
}

// FederatedVerifier validates an opaque federated assertion (an OIDC ID
// token, for example). An error means the assertion is not acceptable.
type FederatedVerifier interface {
	Verify(ctx context.Context, assertion string) (FederatedProfile, error)
}

// FederatedVerifierFunc adapts a function to [FederatedVerifier].
type FederatedVerifierFunc func(ctx context.Context, assertion string) (FederatedProfile, error)

func (f FederatedVerifierFunc) Verify(ctx context.Context, assertion string) (FederatedProfile, error) {
	return f(ctx, assertion)
}
