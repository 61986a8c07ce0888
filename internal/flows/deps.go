package flows

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrEthical07/authcore/delivery"
	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/internal/vault"
	"github.com/MrEthical07/authcore/secondfactor"
	"github.com/MrEthical07/authcore/session"
)

// SessionStore is the subset of session.Store the flows need.
type SessionStore interface {
	Save(ctx context.Context, rec session.Record) error
	Get(ctx context.Context, sessionID string) (session.Record, error)
	LookupRefresh(ctx context.Context, digest vault.Digest) (session.Record, session.LookupStatus, error)
	Rotate(ctx context.Context, sessionID string, oldDigest, newDigest vault.Digest, accessExpiresAt time.Time, tombstoneTTL time.Duration) (session.RotateStatus, error)
	Delete(ctx context.Context, sessionID string) (bool, error)
	DeleteAllForIdentity(ctx context.Context, identityID string) (int, error)
}

// OTPStore is the subset of stores.OTPStore the flows need.
type OTPStore interface {
	Issue(ctx context.Context, email, purpose string, digest vault.Digest) (stores.OTPIssueStatus, error)
	Discard(ctx context.Context, email, purpose string, digest vault.Digest) error
	Verify(ctx context.Context, email, purpose string, digest vault.Digest, markConsumed bool) (stores.OTPVerifyResult, error)
}

// TokenStore is the subset of stores.TokenStore the flows need.
type TokenStore interface {
	Insert(ctx context.Context, digest vault.Digest, identityID, purpose string, validity time.Duration) (bool, error)
	Validate(ctx context.Context, digest vault.Digest, purpose string) (stores.TokenRecord, stores.TokenStatus, error)
	Consume(ctx context.Context, digest vault.Digest, purpose string, apply func(context.Context, stores.TokenRecord) error) (stores.TokenRecord, stores.TokenStatus, error)
}

// Limiter is the subset of rate.Limiter the flows need. Check methods return
// rate.ErrRateLimited once a budget is spent.
type Limiter interface {
	CheckLogin(ctx context.Context, subject string) error
	IncrementLogin(ctx context.Context, subject string) error
	ResetLogin(ctx context.Context, subject string) error
	CheckSecondFactor(ctx context.Context, identityID string) error
	IncrementSecondFactor(ctx context.Context, identityID string) error
	ResetSecondFactor(ctx context.Context, identityID string) error
	AllowTokenRequest(ctx context.Context, purpose, identityID string) error
	AllowRefresh(ctx context.Context, sessionID string) error
}

// Hasher is the Secret Hasher as seen by the flows.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	VerifyDummy(password string)
	NeedsUpgrade(encodedHash string) (bool, error)
}

// SecondFactor is the Second-Factor Verifier as seen by the flows.
type SecondFactor interface {
	Begin(ctx context.Context, identityID, account string) (secondfactor.Enrollment, error)
	Confirm(ctx context.Context, identityID, code string) ([]string, secondfactor.Outcome, error)
	Verify(ctx context.Context, identityID, code string) (secondfactor.Outcome, error)
	Disable(ctx context.Context, identityID string) error
	RegenerateBackupCodes(ctx context.Context, identityID string) ([]string, error)
	BackupCodesRemaining(ctx context.Context, identityID string) (int, error)
}

// FederatedProfile is what a federated verifier extracts from an assertion.
type FederatedProfile struct {
	Email         string
	EmailVerified bool
	Provider      identity.Provider
	GivenName     string
	FamilyName    string
}

// SessionConfig carries the session windows resolved at startup.
type SessionConfig struct {
	DefaultWindow  time.Duration
	RememberWindow time.Duration
	RefreshTTL     time.Duration
	RotateRefresh  bool
	TombstoneTTL   time.Duration
}

// TokenConfig carries single-use token validity windows.
type TokenConfig struct {
	ResetTTL        time.Duration
	VerificationTTL time.Duration
	IssueRetries    int
}

// Metrics carries metric IDs incremented by the flows.
type Metrics struct {
	LoginSuccess          int
	LoginFailure          int
	LoginRateLimited      int
	SecondFactorRequired  int
	SecondFactorFailure   int
	SessionCreated        int
	SessionDestroyed      int
	RefreshSuccess        int
	RefreshFailure        int
	RefreshReuse          int
	OTPIssued             int
	OTPRateLimited        int
	OTPVerified           int
	OTPFailure            int
	ResetRequested        int
	ResetCompleted        int
	ResetRejected         int
	VerificationRequested int
	VerificationCompleted int
	VerificationRejected  int
}

// Deps is the full dependency set of the flows. The root engine builds it
// once; tests build it with fakes for the parts they exercise.
type Deps struct {
	Identities   identity.Store
	Sessions     SessionStore
	OTPs         OTPStore
	Tokens       TokenStore
	Limiter      Limiter
	SecondFactor SecondFactor
	Hasher       Hasher
	Keys         *vault.Vault
	Delivery     delivery.Deliverer

	// CheckPassword returns the names of the policy rules a new password
	// violates, or nil.
	CheckPassword func(string) []string
	// IssueAccess signs an access token for (identityID, sessionID).
	IssueAccess func(identityID, sessionID string, ttl time.Duration) (string, time.Time, error)
	// VerifyAssertion validates a federated assertion.
	VerifyAssertion func(ctx context.Context, assertion string) (FederatedProfile, error)

	Session        SessionConfig
	TokenWindows   TokenConfig
	OTPDigits      int
	OTPTTL         time.Duration
	UpgradeOnLogin bool

	Now       func() time.Time
	Logger    *slog.Logger
	MetricInc func(int)
	Metrics   Metrics
}

func (d *Deps) normalize() {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.MetricInc == nil {
		d.MetricInc = func(int) {}
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.TokenWindows.IssueRetries <= 0 {
		d.TokenWindows.IssueRetries = 10
	}
	if d.OTPDigits == 0 {
		d.OTPDigits = 6
	}
}
