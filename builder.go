package authcore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/MrEthical07/authcore/delivery"
	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/internal/vault"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/secondfactor"
	"github.com/MrEthical07/authcore/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an [Engine]. Configure it once during initialization and
// call Build exactly once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	identities identity.Store
	deliverer  delivery.Deliverer
	federated  FederatedVerifier
	logger     *slog.Logger
	auditSink  AuditSink
	now        func() time.Time

	built bool
}

// New returns a Builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions, codes, tokens, limiters
// and second-factor enrolment.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithIdentityStore sets the identity persistence collaborator.
func (b *Builder) WithIdentityStore(store identity.Store) *Builder {
	b.identities = store
	return b
}

// WithDeliverer sets the outbound delivery collaborator. Without one, codes
// and links are only logged, which is useful in development.
func (b *Builder) WithDeliverer(d delivery.Deliverer) *Builder {
	b.deliverer = d
	return b
}

// WithFederatedVerifier enables the federated login channel.
func (b *Builder) WithFederatedVerifier(v FederatedVerifier) *Builder {
	b.federated = v
	return b
}

// WithLogger sets the structured logger. The default discards everything.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink sets where audit events go. Audit.Enabled must also be set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithClock replaces the time source of every component. Tests use it with
// miniredis FastForward.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires the engine. It performs no I/O.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.identities == nil {
		return nil, errors.New("identity store required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	keys := vault.New(cfg.Tokens.DigestPepper)

	hasher, err := password.NewArgon2(cfg.Password.hasher())
	if err != nil {
		return nil, err
	}
	policy := password.NewPolicy(cfg.PasswordPolicy)

	tokens, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		KeyID:         cfg.JWT.KeyID,
		Leeway:        cfg.JWT.Leeway,
		RequireIAT:    true,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	prefix := cfg.Session.RedisPrefix

	sessions := session.NewStore(b.redis, prefix)
	sessions.SetClock(now)

	otps := stores.NewOTPStore(b.redis, prefix, keys, stores.OTPConfig{
		TTL:         cfg.OTP.TTL,
		Cooldown:    cfg.OTP.Cooldown,
		MaxAttempts: cfg.OTP.MaxAttempts,
		Retention:   cfg.OTP.Retention,
	})
	otps.SetClock(now)

	tokenStore := stores.NewTokenStore(b.redis, prefix, cfg.Tokens.Retention)
	tokenStore.SetClock(now)

	sweeper := stores.NewSweeper(b.redis, prefix, max(cfg.OTP.Retention, cfg.Tokens.Retention), cfg.Sweeper.BatchSize)
	sweeper.SetClock(now)

	verifier, err := secondfactor.NewVerifier(cfg.SecondFactor, secondfactor.NewRedisStore(b.redis, prefix), keys)
	if err != nil {
		return nil, err
	}
	verifier.SetClock(now)

	limiter := rate.New(b.redis, prefix, rate.Config{
		MaxFailedLogins:         cfg.RateLimit.MaxFailedLogins,
		FailedLoginWindow:       cfg.RateLimit.FailedLoginWindow,
		MaxSecondFactorFailures: cfg.RateLimit.MaxSecondFactorFailures,
		SecondFactorWindow:      cfg.RateLimit.SecondFactorWindow,
		MaxTokenRequests:        cfg.RateLimit.MaxTokenRequests,
		TokenRequestWindow:      cfg.RateLimit.TokenRequestWindow,
		MaxRefreshAttempts:      cfg.RateLimit.MaxRefreshAttempts,
		RefreshWindow:           cfg.RateLimit.RefreshWindow,
	})

	deliverer := b.deliverer
	if deliverer == nil {
		logger.Warn("authcore: no deliverer configured, codes and links are only logged")
		deliverer = delivery.NewLogDeliverer(logger)
	}
	if cfg.Delivery.PerSecond > 0 {
		deliverer = delivery.NewThrottle(deliverer, cfg.Delivery.PerSecond, cfg.Delivery.Burst)
	}

	metrics := NewMetrics(cfg.Metrics)

	deps := flows.Deps{
		Identities:   guardedStore{next: b.identities},
		Sessions:     sessions,
		OTPs:         otps,
		Tokens:       tokenStore,
		Limiter:      limiter,
		SecondFactor: verifier,
		Hasher:       hasher,
		Keys:         keys,
		Delivery:     deliverer,
		CheckPassword: func(candidate string) []string {
			violations := policy.Check(candidate)
			if len(violations) == 0 {
				return nil
			}
			out := make([]string, len(violations))
			for i, v := range violations {
				out[i] = string(v)
			}
			return out
		},
		IssueAccess: tokens.CreateAccess,
		Session: flows.SessionConfig{
			DefaultWindow:  cfg.Session.DefaultWindow,
			RememberWindow: cfg.Session.RememberWindow,
			RefreshTTL:     cfg.Session.RefreshTTL,
			RotateRefresh:  cfg.Session.RotateRefreshTokens,
			TombstoneTTL:   cfg.Session.RefreshTTL,
		},
		TokenWindows: flows.TokenConfig{
			ResetTTL:        cfg.Tokens.ResetTTL,
			VerificationTTL: cfg.Tokens.VerificationTTL,
			IssueRetries:    cfg.Tokens.IssueRetries,
		},
		OTPDigits:      cfg.OTP.Digits,
		OTPTTL:         cfg.OTP.TTL,
		UpgradeOnLogin: cfg.Password.UpgradeOnLogin,
		Now:            now,
		Logger:         logger,
		MetricInc:      func(id int) { metrics.Inc(MetricID(id)) },
		Metrics:        flowMetrics,
	}
	if b.federated != nil {
		fv := b.federated
		deps.VerifyAssertion = func(ctx context.Context, assertion string) (flows.FederatedProfile, error) {
			p, err := fv.Verify(ctx, assertion)
			if err != nil {
				return flows.FederatedProfile{}, err
			}
			return flows.FederatedProfile{
				Email:         p.Email,
				EmailVerified: p.EmailVerified,
				Provider:      identity.Provider(p.Provider),
				GivenName:     p.GivenName,
				FamilyName:    p.FamilyName,
			}, nil
		}
	}

	b.built = true

	return &Engine{
		config:     cfg,
		deps:       deps,
		sessions:   sessions,
		jwtManager: tokens,
		sweeper:    sweeper,
		audit:      audit.NewDispatcher(cfg.Audit, b.auditSink, logger),
		metrics:    metrics,
		logger:     logger,
		now:        now,
	}, nil
}

var flowMetrics = flows.Metrics{
	LoginSuccess:          int(MetricLoginSuccess),
	LoginFailure:          int(MetricLoginFailure),
	LoginRateLimited:      int(MetricLoginRateLimited),
	SecondFactorRequired:  int(MetricSecondFactorRequired),
	SecondFactorFailure:   int(MetricSecondFactorFailure),
	SessionCreated:        int(MetricSessionCreated),
	SessionDestroyed:      int(MetricSessionDestroyed),
	RefreshSuccess:        int(MetricRefreshSuccess),
	RefreshFailure:        int(MetricRefreshFailure),
	RefreshReuse:          int(MetricRefreshReuseDetected),
	OTPIssued:             int(MetricOTPIssued),
	OTPRateLimited:        int(MetricOTPRateLimited),
	OTPVerified:           int(MetricOTPVerified),
	OTPFailure:            int(MetricOTPFailure),
	ResetRequested:        int(MetricPasswordResetRequest),
	ResetCompleted:        int(MetricPasswordResetSuccess),
	ResetRejected:         int(MetricPasswordResetFailure),
	VerificationRequested: int(MetricEmailVerificationRequest),
	VerificationCompleted: int(MetricEmailVerificationSuccess),
	VerificationRejected:  int(MetricEmailVerificationFailure),
}
