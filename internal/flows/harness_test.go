package flows

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/delivery"
	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/internal/vault"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/secondfactor"
	"github.com/MrEthical07/authcore/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
)

type harness struct {
	t          *testing.T
	now        time.Time
	rdb        *redis.Client
	identities *identity.MemoryStore
	sessions   *session.Store
	otps       *stores.OTPStore
	tokens     *stores.TokenStore
	verifier   *secondfactor.Verifier
	hasher     *password.Argon2
	recorder   *delivery.Recorder
	deps       Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	h := &harness{t: t, now: time.Unix(1_800_000_000, 0), rdb: rdb}
	clock := func() time.Time { return h.now }
	keys := vault.New([]byte("flows-test-pepper"))

	h.identities = identity.NewMemoryStore()
	h.sessions = session.NewStore(rdb, "ac")
	h.sessions.SetClock(clock)
	h.otps = stores.NewOTPStore(rdb, "ac", keys, stores.OTPConfig{
		TTL:         10 * time.Minute,
		Cooldown:    60 * time.Second,
		MaxAttempts: 5,
		Retention:   24 * time.Hour,
	})
	h.otps.SetClock(clock)
	h.tokens = stores.NewTokenStore(rdb, "ac", 24*time.Hour)
	h.tokens.SetClock(clock)

	h.verifier, err = secondfactor.NewVerifier(secondfactor.Config{
		Issuer:           "authcore-test",
		Period:           30,
		Digits:           6,
		Skew:             1,
		Algorithm:        "SHA1",
		BackupCodeCount:  4,
		BackupCodeLength: 10,
		EnrollmentTTL:    10 * time.Minute,
	}, secondfactor.NewRedisStore(rdb, "ac"), keys)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	h.verifier.SetClock(clock)

	h.hasher, err = password.NewArgon2(password.Config{Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatalf("new argon2: %v", err)
	}

	tokens, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "authcore-test",
		Now:           clock,
	})
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}

	h.recorder = delivery.NewRecorder()
	h.deps = Deps{
		Identities:   h.identities,
		Sessions:     h.sessions,
		OTPs:         h.otps,
		Tokens:       h.tokens,
		Limiter:      rate.New(rdb, "ac", rate.Config{MaxFailedLogins: 5, FailedLoginWindow: 15 * time.Minute, MaxSecondFactorFailures: 5, SecondFactorWindow: 15 * time.Minute, MaxTokenRequests: 3, TokenRequestWindow: time.Hour}),
		SecondFactor: h.verifier,
		Hasher:       h.hasher,
		Keys:         keys,
		Delivery:     h.recorder,
		CheckPassword: func(p string) []string {
			if len(p) < 10 {
				return []string{"too_short"}
			}
			return nil
		},
		IssueAccess: tokens.CreateAccess,
		Session: SessionConfig{
			DefaultWindow:  15 * time.Minute,
			RememberWindow: 24 * time.Hour,
			RefreshTTL:     30 * 24 * time.Hour,
			RotateRefresh:  true,
			TombstoneTTL:   30 * 24 * time.Hour,
		},
		TokenWindows: TokenConfig{ResetTTL: time.Hour, VerificationTTL: 24 * time.Hour},
		OTPDigits:    6,
		OTPTTL:       10 * time.Minute,
		Now:          clock,
	}
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) trail() *audit.Trail {
	return audit.NewTrail("203.0.113.7", "flows-test", func() time.Time { return h.now })
}

func (h *harness) createPasswordIdentity(email, plain string) identity.Identity {
	h.t.Helper()
	digest, err := h.hasher.Hash(plain)
	if err != nil {
		h.t.Fatalf("hash: %v", err)
	}
	ident, err := identity.CreateFromChannel(context.Background(), h.identities, identity.ChannelPassword, identity.Profile{
		Email:          email,
		PasswordDigest: digest,
	}, h.now)
	if err != nil {
		h.t.Fatalf("create identity: %v", err)
	}
	return ident
}

// enrollSecondFactor enrolls ident and returns the TOTP secret and backup
// codes. The clock is advanced past the confirmation step so the next code
// is not a replay.
func (h *harness) enrollSecondFactor(ident identity.Identity) (string, []string) {
	h.t.Helper()
	ctx := context.Background()
	enrollment, err := RunBeginEnrollment(ctx, ident.ID, h.deps)
	if err != nil {
		h.t.Fatalf("begin enrollment: %v", err)
	}
	res, err := RunConfirmEnrollment(ctx, ident.ID, h.totp(enrollment.Secret), h.deps, h.trail())
	if err != nil || !res.Outcome.OK() {
		h.t.Fatalf("confirm enrollment: outcome=%v err=%v", res.Outcome, err)
	}
	h.advance(time.Minute)
	return enrollment.Secret, res.BackupCodes
}

func (h *harness) totp(secret string) string {
	h.t.Helper()
	code, err := totp.GenerateCodeCustom(secret, h.now, totp.ValidateOpts{Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1})
	if err != nil {
		h.t.Fatalf("generate totp: %v", err)
	}
	return code
}

func (h *harness) sessionCount(identityID string) int {
	h.t.Helper()
	ids, err := h.sessions.ActiveSessionIDs(context.Background(), identityID)
	if err != nil {
		h.t.Fatalf("active sessions: %v", err)
	}
	return len(ids)
}

func (h *harness) lastSecret(kind delivery.Kind, to string) string {
	h.t.Helper()
	msg, ok := h.recorder.Last(kind, to)
	if !ok {
		h.t.Fatalf("no %s message delivered to %s", kind, to)
	}
	return msg.Secret
}

func countActions(trail *audit.Trail, action, reason string) int {
	n := 0
	for _, ev := range trail.Events() {
		if ev.Action != action {
			continue
		}
		if reason != "" && !strings.Contains(ev.Metadata["reason"], reason) {
			continue
		}
		n++
	}
	return n
}

func newStrongerHasher() (*password.Argon2, error) {
	return password.NewArgon2(password.Config{Memory: 16384, Time: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32})
}
