package flows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/secondfactor"
)

func TestEnrollmentLifecycle(t *testing.T) {
	h := newHarness(t)
	ident := h.createPasswordIdentity("a@x.com", "correct-password")
	ctx := context.Background()

	secret, backup := h.enrollSecondFactor(ident)
	if len(backup) != 4 {
		t.Fatalf("expected 4 backup codes, got %d", len(backup))
	}
	got, _ := h.identities.FindByID(ctx, ident.ID)
	if !got.SecondFactorEnabled {
		t.Fatal("expected second factor flag set")
	}
	if _, err := RunBeginEnrollment(ctx, ident.ID, h.deps); !errors.Is(err, secondfactor.ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}

	regen, err := RunRegenerateBackupCodes(ctx, ident.ID, h.totp(secret), h.deps, h.trail())
	if err != nil || !regen.Outcome.OK() || len(regen.BackupCodes) != 4 {
		t.Fatalf("regenerate: %+v err=%v", regen, err)
	}
	h.advance(time.Minute)

	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelPassword, Email: "a@x.com", Password: "correct-password", SecondFactorCode: backup[0]}, h.deps, h.trail())
	if err != nil || res.Reason != ReasonInvalidSecondFactor {
		t.Fatalf("expected old backup code revoked, got res=%+v err=%v", res, err)
	}

	outcome, err := RunDisableSecondFactor(ctx, ident.ID, "000000", h.deps, h.trail())
	if err != nil || outcome.OK() {
		t.Fatalf("expected disable with wrong code refused, outcome=%v err=%v", outcome, err)
	}
	outcome, err = RunDisableSecondFactor(ctx, ident.ID, h.totp(secret), h.deps, h.trail())
	if err != nil || !outcome.OK() {
		t.Fatalf("disable: outcome=%v err=%v", outcome, err)
	}
	got, _ = h.identities.FindByID(ctx, ident.ID)
	if got.SecondFactorEnabled {
		t.Fatal("expected second factor flag cleared")
	}
	loginOK(t, h, "a@x.com", "correct-password")
}

func TestConfirmEnrollmentWrongCode(t *testing.T) {
	h := newHarness(t)
	ident := h.createPasswordIdentity("a@x.com", "correct-password")
	ctx := context.Background()

	enrollment, err := RunBeginEnrollment(ctx, ident.ID, h.deps)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	wrong := "000000"
	if h.totp(enrollment.Secret) == wrong {
		wrong = "111111"
	}
	res, err := RunConfirmEnrollment(ctx, ident.ID, wrong, h.deps, h.trail())
	if err != nil || res.Outcome.OK() || res.BackupCodes != nil {
		t.Fatalf("expected confirmation refused, got %+v err=%v", res, err)
	}
	got, _ := h.identities.FindByID(ctx, ident.ID)
	if got.SecondFactorEnabled {
		t.Fatal("expected flag unset after failed confirmation")
	}
}

func TestEnrollmentUnknownIdentity(t *testing.T) {
	h := newHarness(t)
	if _, err := RunBeginEnrollment(context.Background(), "missing", h.deps); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
}

type flakyFlagStore struct {
	identity.Store
	failures int
}

func (s *flakyFlagStore) SetSecondFactorEnabled(ctx context.Context, id string, enabled bool) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("db down")
	}
	return s.Store.SetSecondFactorEnabled(ctx, id, enabled)
}

func TestConfirmEnrollmentRollsBackOnFlagWriteFailure(t *testing.T) {
	h := newHarness(t)
	ident := h.createPasswordIdentity("a@x.com", "correct-password")
	ctx := context.Background()
	h.deps.Identities = &flakyFlagStore{Store: h.identities, failures: 1}

	enrollment, err := RunBeginEnrollment(ctx, ident.ID, h.deps)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := RunConfirmEnrollment(ctx, ident.ID, h.totp(enrollment.Secret), h.deps, h.trail()); err == nil {
		t.Fatal("expected the flag write failure to surface")
	}
	if n, err := h.verifier.BackupCodesRemaining(ctx, ident.ID); !errors.Is(err, secondfactor.ErrNotEnrolled) {
		t.Fatalf("expected secret rolled back, remaining=%d err=%v", n, err)
	}

	h.advance(time.Minute)
	secret, backup := h.enrollSecondFactor(ident)
	if secret == enrollment.Secret || len(backup) != 4 {
		t.Fatalf("expected a fresh enrolment, backup=%d", len(backup))
	}
	got, _ := h.identities.FindByID(ctx, ident.ID)
	if !got.SecondFactorEnabled {
		t.Fatal("expected second factor flag set after retry")
	}
}

func TestBackupCodesRemaining(t *testing.T) {
	h := newHarness(t)
	ident := h.createPasswordIdentity("a@x.com", "correct-password")
	ctx := context.Background()

	if _, err := RunBackupCodesRemaining(ctx, ident.ID, h.deps); !errors.Is(err, secondfactor.ErrNotEnrolled) {
		t.Fatalf("expected ErrNotEnrolled before enrolment, got %v", err)
	}

	_, backup := h.enrollSecondFactor(ident)
	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelPassword, Email: "a@x.com", Password: "correct-password", SecondFactorCode: backup[0]}, h.deps, h.trail())
	if err != nil || res.Status != LoginOK || !res.UsedBackupCode {
		t.Fatalf("backup code login: res=%+v err=%v", res, err)
	}

	n, err := RunBackupCodesRemaining(ctx, ident.ID, h.deps)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 codes left, got %d err=%v", n, err)
	}
}

func TestRegenerateBackupCodesAcceptsBackupCode(t *testing.T) {
	h := newHarness(t)
	ident := h.createPasswordIdentity("a@x.com", "correct-password")
	ctx := context.Background()
	_, backup := h.enrollSecondFactor(ident)

	res, err := RunRegenerateBackupCodes(ctx, ident.ID, backup[1], h.deps, h.trail())
	if err != nil || !res.Outcome.OK() || len(res.BackupCodes) != 4 {
		t.Fatalf("regenerate with backup code: %+v err=%v", res, err)
	}
	if res, err := RunRegenerateBackupCodes(ctx, ident.ID, backup[2], h.deps, h.trail()); err != nil || res.Outcome.OK() {
		t.Fatalf("expected old backup codes revoked, got %+v err=%v", res, err)
	}
}
