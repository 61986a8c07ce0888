package flows

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/delivery"
	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/session"
)

type spyStore struct {
	identity.Store
	writes atomic.Int32
}

func (s *spyStore) Create(ctx context.Context, ident identity.Identity) error {
	s.writes.Add(1)
	return s.Store.Create(ctx, ident)
}

func (s *spyStore) LinkFederation(ctx context.Context, id string, p identity.Provider) error {
	s.writes.Add(1)
	return s.Store.LinkFederation(ctx, id, p)
}

func (s *spyStore) MarkEmailVerified(ctx context.Context, id string) error {
	s.writes.Add(1)
	return s.Store.MarkEmailVerified(ctx, id)
}

func TestPasswordLoginIssuesSession(t *testing.T) {
	h := newHarness(t)
	ident := h.createPasswordIdentity("A@X.com", "correct-password")

	trail := h.trail()
	res, err := RunLogin(context.Background(), LoginInput{
		Channel:  identity.ChannelPassword,
		Email:    "  a@x.COM ",
		Password: "correct-password",
		IP:       "203.0.113.7",
	}, h.deps, trail)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Status != LoginOK || res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Identity.ID != ident.ID {
		t.Fatalf("expected identity %s, got %s", ident.ID, res.Identity.ID)
	}
	if got := res.AccessExpiresAt.Sub(h.now); got != 15*time.Minute {
		t.Fatalf("expected default window, got %v", got)
	}
	if h.sessionCount(ident.ID) != 1 {
		t.Fatal("expected one session")
	}
	if countActions(trail, ActionLoginSucceeded, "") != 1 {
		t.Fatalf("expected login_succeeded event, got %+v", trail.Events())
	}
}

func TestPasswordLoginRememberMeUsesLongerWindow(t *testing.T) {
	h := newHarness(t)
	h.createPasswordIdentity("a@x.com", "correct-password")

	res, err := RunLogin(context.Background(), LoginInput{
		Channel:    identity.ChannelPassword,
		Email:      "a@x.com",
		Password:   "correct-password",
		RememberMe: true,
	}, h.deps, h.trail())
	if err != nil || res.Status != LoginOK {
		t.Fatalf("login: res=%+v err=%v", res, err)
	}
	if got := res.AccessExpiresAt.Sub(h.now); got != 24*time.Hour {
		t.Fatalf("expected remember-me window, got %v", got)
	}
}

func TestPasswordLoginWrongPasswordEmitsOneEvent(t *testing.T) {
	h := newHarness(t)
	ident := h.createPasswordIdentity("a@x.com", "correct-password")

	trail := h.trail()
	res, err := RunLogin(context.Background(), LoginInput{
		Channel:  identity.ChannelPassword,
		Email:    "a@x.com",
		Password: "wrong-password",
	}, h.deps, trail)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Status != LoginRejected || res.Reason != ReasonInvalidCredentials {
		t.Fatalf("expected generic rejection, got %+v", res)
	}
	events := trail.Events()
	if len(events) != 1 {
		t.Fatalf("expected exactly one audit event, got %d: %+v", len(events), events)
	}
	if events[0].Action != ActionLoginFailed || events[0].Metadata["reason"] != "invalid_password" {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if h.sessionCount(ident.ID) != 0 {
		t.Fatal("expected no session")
	}
}

func TestPasswordLoginUnknownEmailIsGeneric(t *testing.T) {
	h := newHarness(t)
	h.createPasswordIdentity("a@x.com", "correct-password")

	trail := h.trail()
	res, err := RunLogin(context.Background(), LoginInput{
		Channel:  identity.ChannelPassword,
		Email:    "nobody@x.com",
		Password: "correct-password",
	}, h.deps, trail)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Reason != ReasonInvalidCredentials {
		t.Fatalf("expected same reason as wrong password, got %q", res.Reason)
	}
	if countActions(trail, ActionLoginFailed, "not_found") != 1 {
		t.Fatalf("expected not_found event, got %+v", trail.Events())
	}
}

func TestPasswordLoginBlockedAccountIsDisclosed(t *testing.T) {
	h := newHarness(t)
	ident := h.createPasswordIdentity("a@x.com", "correct-password")
	if err := h.identities.SetStatus(ident.ID, identity.StatusSuspended); err != nil {
		t.Fatalf("set status: %v", err)
	}

	res, err := RunLogin(context.Background(), LoginInput{
		Channel:  identity.ChannelPassword,
		Email:    "a@x.com",
		Password: "correct-password",
	}, h.deps, h.trail())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Reason != ReasonAccountBlocked {
		t.Fatalf("expected account_blocked, got %+v", res)
	}
}

func TestPasswordLoginCodeOnlyAccountRejected(t *testing.T) {
	h := newHarness(t)
	_, err := identity.CreateFromChannel(context.Background(), h.identities, identity.ChannelOTP, identity.Profile{
		Email:         "otp@x.com",
		EmailVerified: true,
	}, h.now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	trail := h.trail()
	res, err := RunLogin(context.Background(), LoginInput{
		Channel:  identity.ChannelPassword,
		Email:    "otp@x.com",
		Password: "anything",
	}, h.deps, trail)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Reason != ReasonInvalidCredentials || countActions(trail, ActionLoginFailed, "no_password") != 1 {
		t.Fatalf("expected no_password rejection, got %+v / %+v", res, trail.Events())
	}
}

func TestPasswordLoginRateLimited(t *testing.T) {
	h := newHarness(t)
	h.createPasswordIdentity("a@x.com", "correct-password")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelPassword, Email: "a@x.com", Password: "wrong-password"}, h.deps, h.trail())
		if err != nil || res.Reason != ReasonInvalidCredentials {
			t.Fatalf("attempt %d: res=%+v err=%v", i, res, err)
		}
	}
	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelPassword, Email: "a@x.com", Password: "correct-password"}, h.deps, h.trail())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Reason != ReasonRateLimited {
		t.Fatalf("expected rate limited, got %+v", res)
	}
}

func TestPasswordLoginUpgradesWeakDigest(t *testing.T) {
	h := newHarness(t)
	h.createPasswordIdentity("a@x.com", "correct-password")
	ctx := context.Background()

	stronger, err := newStrongerHasher()
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	h.deps.Hasher = stronger
	h.deps.UpgradeOnLogin = true

	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelPassword, Email: "a@x.com", Password: "correct-password"}, h.deps, h.trail())
	if err != nil || res.Status != LoginOK {
		t.Fatalf("login: res=%+v err=%v", res, err)
	}
	ident, err := h.identities.FindByEmail(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	needs, err := stronger.NeedsUpgrade(ident.PasswordDigest)
	if err != nil || needs {
		t.Fatalf("expected digest upgraded, needs=%v err=%v", needs, err)
	}
}

func TestSecondFactorRequiredCreatesNoSession(t *testing.T) {
	h := newHarness(t)
	ident := h.createPasswordIdentity("a@x.com", "correct-password")
	h.enrollSecondFactor(ident)

	trail := h.trail()
	res, err := RunLogin(context.Background(), LoginInput{
		Channel:  identity.ChannelPassword,
		Email:    "a@x.com",
		Password: "correct-password",
	}, h.deps, trail)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Status != LoginSecondFactorRequired {
		t.Fatalf("expected second factor required, got %+v", res)
	}
	if res.AccessToken != "" || res.RefreshToken != "" {
		t.Fatal("expected no tokens while second factor is outstanding")
	}
	if h.sessionCount(ident.ID) != 0 {
		t.Fatal("expected no session while second factor is outstanding")
	}
	if countActions(trail, ActionSecondFactorRequired, "") != 1 {
		t.Fatalf("expected second_factor_required event, got %+v", trail.Events())
	}
}

func TestSecondFactorCodesAtLogin(t *testing.T) {
	h := newHarness(t)
	ident := h.createPasswordIdentity("a@x.com", "correct-password")
	secret, backup := h.enrollSecondFactor(ident)
	ctx := context.Background()

	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelPassword, Email: "a@x.com", Password: "correct-password", SecondFactorCode: "000000"}, h.deps, h.trail())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Reason != ReasonInvalidSecondFactor || h.sessionCount(ident.ID) != 0 {
		t.Fatalf("expected invalid second factor without session, got %+v", res)
	}

	res, err = RunLogin(ctx, LoginInput{Channel: identity.ChannelPassword, Email: "a@x.com", Password: "correct-password", SecondFactorCode: h.totp(secret)}, h.deps, h.trail())
	if err != nil || res.Status != LoginOK {
		t.Fatalf("expected totp login, got res=%+v err=%v", res, err)
	}

	res, err = RunLogin(ctx, LoginInput{Channel: identity.ChannelPassword, Email: "a@x.com", Password: "correct-password", SecondFactorCode: backup[0]}, h.deps, h.trail())
	if err != nil || res.Status != LoginOK || !res.UsedBackupCode {
		t.Fatalf("expected backup code login, got res=%+v err=%v", res, err)
	}

	res, err = RunLogin(ctx, LoginInput{Channel: identity.ChannelPassword, Email: "a@x.com", Password: "correct-password", SecondFactorCode: backup[0]}, h.deps, h.trail())
	if err != nil || res.Reason != ReasonInvalidSecondFactor {
		t.Fatalf("expected reused backup code rejected, got res=%+v err=%v", res, err)
	}
	if h.sessionCount(ident.ID) != 2 {
		t.Fatalf("expected two sessions, got %d", h.sessionCount(ident.ID))
	}
}

func TestFederatedUnverifiedEmailTouchesNothing(t *testing.T) {
	h := newHarness(t)
	spy := &spyStore{Store: h.identities}
	h.deps.Identities = spy
	h.deps.VerifyAssertion = func(context.Context, string) (FederatedProfile, error) {
		return FederatedProfile{Email: "g@x.com", EmailVerified: false, Provider: identity.ProviderGoogle}, nil
	}

	res, err := RunLogin(context.Background(), LoginInput{Channel: identity.ChannelFederated, Assertion: "assertion"}, h.deps, h.trail())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Status != LoginRejected {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if spy.writes.Load() != 0 || h.identities.Len() != 0 {
		t.Fatalf("expected no identity writes, got %d writes and %d identities", spy.writes.Load(), h.identities.Len())
	}
}

func TestFederatedCreatesAndLinks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deps.VerifyAssertion = func(_ context.Context, assertion string) (FederatedProfile, error) {
		if assertion == "bad" {
			return FederatedProfile{}, errors.New("signature mismatch")
		}
		return FederatedProfile{Email: assertion, EmailVerified: true, Provider: identity.ProviderGoogle}, nil
	}

	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelFederated, Assertion: "bad"}, h.deps, h.trail())
	if err != nil || res.Reason != ReasonInvalidCredentials {
		t.Fatalf("expected invalid assertion rejection, got res=%+v err=%v", res, err)
	}

	res, err = RunLogin(ctx, LoginInput{Channel: identity.ChannelFederated, Assertion: "new@x.com"}, h.deps, h.trail())
	if err != nil || res.Status != LoginOK {
		t.Fatalf("federated create: res=%+v err=%v", res, err)
	}
	created, err := h.identities.FindByEmail(ctx, "new@x.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if created.PasswordDigest == "" || !created.EmailVerified || created.Provider != identity.ProviderGoogle {
		t.Fatalf("unexpected federated identity %+v", created)
	}

	existing := h.createPasswordIdentity("old@x.com", "correct-password")
	trail := h.trail()
	res, err = RunLogin(ctx, LoginInput{Channel: identity.ChannelFederated, Assertion: "old@x.com"}, h.deps, trail)
	if err != nil || res.Status != LoginOK {
		t.Fatalf("federated link: res=%+v err=%v", res, err)
	}
	linked, _ := h.identities.FindByID(ctx, existing.ID)
	if linked.Provider != identity.ProviderGoogle || !linked.EmailVerified {
		t.Fatalf("expected identity linked in place, got %+v", linked)
	}
	if h.identities.Len() != 2 || countActions(trail, ActionIdentityLinked, "") != 1 {
		t.Fatalf("expected link without a second account, identities=%d", h.identities.Len())
	}
}

func requestCode(t *testing.T, h *harness, email string) string {
	t.Helper()
	status, err := RunRequestOTP(context.Background(), email, "login", h.deps, h.trail())
	if err != nil || status != OTPRequestIssued {
		t.Fatalf("request otp: status=%v err=%v", status, err)
	}
	return h.lastSecret(delivery.KindOTP, identity.NormalizeEmail(email))
}

func TestOTPLoginCreatesVerifiedIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := requestCode(t, h, "fresh@x.com")

	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "fresh@x.com", Code: code, Purpose: "login"}, h.deps, h.trail())
	if err != nil || res.Status != LoginOK {
		t.Fatalf("otp login: res=%+v err=%v", res, err)
	}
	ident, err := h.identities.FindByEmail(ctx, "fresh@x.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ident.PasswordDigest != "" || !ident.EmailVerified {
		t.Fatalf("unexpected otp identity %+v", ident)
	}

	res, err = RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "fresh@x.com", Code: code, Purpose: "login"}, h.deps, h.trail())
	if err != nil || res.Reason != ReasonInvalidCode {
		t.Fatalf("expected consumed code rejected, got res=%+v err=%v", res, err)
	}
}

func TestOTPLoginMarksExistingIdentityVerified(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ident := h.createPasswordIdentity("a@x.com", "correct-password")
	code := requestCode(t, h, "a@x.com")

	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code}, h.deps, h.trail())
	if err != nil || res.Status != LoginOK {
		t.Fatalf("otp login: res=%+v err=%v", res, err)
	}
	got, _ := h.identities.FindByID(ctx, ident.ID)
	if !got.EmailVerified {
		t.Fatal("expected email marked verified")
	}
}

func TestOTPSurvivesFailedSecondFactor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ident := h.createPasswordIdentity("a@x.com", "correct-password")
	secret, _ := h.enrollSecondFactor(ident)
	code := requestCode(t, h, "a@x.com")

	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code}, h.deps, h.trail())
	if err != nil || res.Status != LoginSecondFactorRequired {
		t.Fatalf("expected second factor prompt, got res=%+v err=%v", res, err)
	}

	res, err = RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code, SecondFactorCode: "000000"}, h.deps, h.trail())
	if err != nil || res.Reason != ReasonInvalidSecondFactor {
		t.Fatalf("expected wrong second factor rejected, got res=%+v err=%v", res, err)
	}

	res, err = RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code, SecondFactorCode: h.totp(secret)}, h.deps, h.trail())
	if err != nil || res.Status != LoginOK {
		t.Fatalf("expected retry with same code to succeed, got res=%+v err=%v", res, err)
	}

	h.advance(time.Minute)
	res, err = RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code, SecondFactorCode: h.totp(secret)}, h.deps, h.trail())
	if err != nil || res.Reason != ReasonInvalidCode {
		t.Fatalf("expected code consumed after full success, got res=%+v err=%v", res, err)
	}
}

func TestOTPAttemptsExhaustThenReissue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := requestCode(t, h, "a@x.com")
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	var last LoginResult
	for i := 0; i < 6; i++ {
		res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: wrong}, h.deps, h.trail())
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if i < 5 && (res.Reason != ReasonInvalidCode || res.RemainingAttempts != 4-i) {
			t.Fatalf("attempt %d: unexpected %+v", i, res)
		}
		last = res
	}
	if last.Reason != ReasonAttemptsExhausted {
		t.Fatalf("expected attempts exhausted on sixth attempt, got %+v", last)
	}

	status, err := RunRequestOTP(ctx, "a@x.com", "login", h.deps, h.trail())
	if err != nil || status != OTPRequestIssued {
		t.Fatalf("expected fresh code after exhaustion, status=%v err=%v", status, err)
	}
}

func TestOTPExpiredCode(t *testing.T) {
	h := newHarness(t)
	code := requestCode(t, h, "a@x.com")
	h.advance(11 * time.Minute)

	res, err := RunLogin(context.Background(), LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code}, h.deps, h.trail())
	if err != nil || res.Reason != ReasonCodeExpired {
		t.Fatalf("expected expired code, got res=%+v err=%v", res, err)
	}
}

func TestOTPSuspendedIdentityChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ident := h.createPasswordIdentity("a@x.com", "correct-password")
	if err := h.identities.SetStatus(ident.ID, identity.StatusSuspended); err != nil {
		t.Fatalf("set status: %v", err)
	}
	code := requestCode(t, h, "a@x.com")

	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code}, h.deps, h.trail())
	if err != nil || res.Reason != ReasonAccountBlocked {
		t.Fatalf("expected blocked rejection, got res=%+v err=%v", res, err)
	}
	got, _ := h.identities.FindByID(ctx, ident.ID)
	if got.EmailVerified {
		t.Fatal("expected email left unverified for a blocked identity")
	}

	if err := h.identities.SetStatus(ident.ID, identity.StatusActive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	res, err = RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code}, h.deps, h.trail())
	if err != nil || res.Status != LoginOK {
		t.Fatalf("expected code still usable after reactivation, got res=%+v err=%v", res, err)
	}
}

type flakySessionStore struct {
	SessionStore
	failures int
}

func (s *flakySessionStore) Save(ctx context.Context, rec session.Record) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("redis down")
	}
	return s.SessionStore.Save(ctx, rec)
}

func TestOTPCodeSurvivesSessionSaveFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := requestCode(t, h, "a@x.com")
	h.deps.Sessions = &flakySessionStore{SessionStore: h.sessions, failures: 1}

	if _, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code}, h.deps, h.trail()); err == nil {
		t.Fatal("expected the session store failure to surface")
	}

	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code}, h.deps, h.trail())
	if err != nil || res.Status != LoginOK {
		t.Fatalf("expected retry with the same code to succeed, got res=%+v err=%v", res, err)
	}
	if h.sessionCount(res.Identity.ID) != 1 {
		t.Fatal("expected exactly one session")
	}
}

func TestOTPLostClaimRemovesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := requestCode(t, h, "a@x.com")

	first, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code}, h.deps, h.trail())
	if err != nil || first.Status != LoginOK {
		t.Fatalf("first login: res=%+v err=%v", first, err)
	}

	r := &loginRun{in: LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: code, Purpose: DefaultOTPPurpose}, deps: h.deps, trail: h.trail()}
	r.deps.normalize()
	out, err := r.issue(ctx, first.Identity, func(context.Context) (*LoginResult, error) {
		rejected := LoginResult{Status: LoginRejected, Reason: ReasonInvalidCode}
		return &rejected, nil
	})
	if err != nil || out.Status != LoginRejected {
		t.Fatalf("expected claim rejection, got res=%+v err=%v", out, err)
	}
	if h.sessionCount(first.Identity.ID) != 1 {
		t.Fatal("expected the unclaimed session removed")
	}
}
