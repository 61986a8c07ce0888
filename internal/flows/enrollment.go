package flows

import (
	"context"
	"errors"
	"strconv"

	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/secondfactor"
)

// EnrollmentResult is the outcome of a code-gated enrolment step and the
// backup codes it produced, if any.
type EnrollmentResult struct {
	Outcome     secondfactor.Outcome
	BackupCodes []string
}

func enrollmentIdentity(ctx context.Context, identityID string, deps Deps) (identity.Identity, error) {
	ident, err := deps.Identities.FindByID(ctx, identityID)
	if errors.Is(err, identity.ErrNotFound) {
		return identity.Identity{}, ErrUnknownIdentity
	}
	return ident, err
}

// RunBeginEnrollment starts second-factor enrolment and returns the secret
// and provisioning URI for the authenticator app.
func RunBeginEnrollment(ctx context.Context, identityID string, deps Deps) (secondfactor.Enrollment, error) {
	deps.normalize()
	if deps.Identities == nil || deps.SecondFactor == nil {
		return secondfactor.Enrollment{}, ErrNotReady
	}
	ident, err := enrollmentIdentity(ctx, identityID, deps)
	if err != nil {
		return secondfactor.Enrollment{}, err
	}
	if ident.SecondFactorEnabled {
		return secondfactor.Enrollment{}, secondfactor.ErrAlreadyEnrolled
	}
	return deps.SecondFactor.Begin(ctx, ident.ID, ident.Email)
}

// RunConfirmEnrollment activates a pending enrolment once the first code
// from the authenticator verifies, and returns the one-time backup codes.
func RunConfirmEnrollment(ctx context.Context, identityID, code string, deps Deps, trail *audit.Trail) (EnrollmentResult, error) {
	deps.normalize()
	if deps.Identities == nil || deps.SecondFactor == nil {
		return EnrollmentResult{}, ErrNotReady
	}
	ident, err := enrollmentIdentity(ctx, identityID, deps)
	if err != nil {
		return EnrollmentResult{}, err
	}

	codes, outcome, err := deps.SecondFactor.Confirm(ctx, ident.ID, code)
	if err != nil {
		return EnrollmentResult{}, err
	}
	if !outcome.OK() {
		deps.MetricInc(deps.Metrics.SecondFactorFailure)
		trail.Record(ActionSecondFactorFailed, ident.ID, ident.ID, map[string]string{
			"stage":  "enrollment",
			"reason": outcome.String(),
		})
		return EnrollmentResult{Outcome: outcome}, nil
	}
	if err := deps.Identities.SetSecondFactorEnabled(ctx, ident.ID, true); err != nil {
		// Undo the activation so enrolment can be started again.
		if rbErr := deps.SecondFactor.Disable(context.WithoutCancel(ctx), ident.ID); rbErr != nil {
			deps.Logger.Error("authcore: second factor rollback failed", "identity_id", ident.ID, "error", rbErr)
		}
		return EnrollmentResult{}, err
	}

	trail.Record(ActionSecondFactorEnrolled, ident.ID, ident.ID, map[string]string{
		"backup_codes": strconv.Itoa(len(codes)),
	})
	return EnrollmentResult{Outcome: outcome, BackupCodes: codes}, nil
}

// verifyCurrent checks a code for an enrolled identity the same way login
// does, counting failures against the second-factor limiter.
func verifyCurrent(ctx context.Context, ident identity.Identity, code, stage string, deps Deps, trail *audit.Trail) (secondfactor.Outcome, error) {
	if !ident.SecondFactorEnabled {
		return secondfactor.Invalid, secondfactor.ErrNotEnrolled
	}
	if deps.Limiter != nil {
		if err := deps.Limiter.CheckSecondFactor(ctx, ident.ID); err != nil {
			return secondfactor.Invalid, err
		}
	}
	outcome, err := deps.SecondFactor.Verify(ctx, ident.ID, code)
	if err != nil {
		return secondfactor.Invalid, err
	}
	if !outcome.OK() {
		if deps.Limiter != nil {
			if err := deps.Limiter.IncrementSecondFactor(ctx, ident.ID); err != nil {
				deps.Logger.Warn("authcore: second factor counter update failed", "identity_id", ident.ID, "error", err)
			}
		}
		deps.MetricInc(deps.Metrics.SecondFactorFailure)
		trail.Record(ActionSecondFactorFailed, ident.ID, ident.ID, map[string]string{
			"stage":  stage,
			"reason": outcome.String(),
		})
	}
	return outcome, nil
}

// RunDisableSecondFactor removes the enrolment after a current code (or a
// backup code) verifies.
func RunDisableSecondFactor(ctx context.Context, identityID, code string, deps Deps, trail *audit.Trail) (secondfactor.Outcome, error) {
	deps.normalize()
	if deps.Identities == nil || deps.SecondFactor == nil {
		return secondfactor.Invalid, ErrNotReady
	}
	ident, err := enrollmentIdentity(ctx, identityID, deps)
	if err != nil {
		return secondfactor.Invalid, err
	}

	outcome, err := verifyCurrent(ctx, ident, code, "disable", deps, trail)
	if err != nil || !outcome.OK() {
		return outcome, err
	}
	if err := deps.Identities.SetSecondFactorEnabled(ctx, ident.ID, false); err != nil {
		return secondfactor.Invalid, err
	}
	if err := deps.SecondFactor.Disable(ctx, ident.ID); err != nil {
		return secondfactor.Invalid, err
	}

	trail.Record(ActionSecondFactorDisabled, ident.ID, ident.ID, nil)
	return outcome, nil
}

// RunRegenerateBackupCodes replaces every backup code after a current
// authenticator code (or an unused backup code) verifies.
func RunRegenerateBackupCodes(ctx context.Context, identityID, code string, deps Deps, trail *audit.Trail) (EnrollmentResult, error) {
	deps.normalize()
	if deps.Identities == nil || deps.SecondFactor == nil {
		return EnrollmentResult{}, ErrNotReady
	}
	ident, err := enrollmentIdentity(ctx, identityID, deps)
	if err != nil {
		return EnrollmentResult{}, err
	}

	outcome, err := verifyCurrent(ctx, ident, code, "regenerate_backup_codes", deps, trail)
	if err != nil || !outcome.OK() {
		return EnrollmentResult{Outcome: outcome}, err
	}
	codes, err := deps.SecondFactor.RegenerateBackupCodes(ctx, ident.ID)
	if err != nil {
		return EnrollmentResult{}, err
	}

	trail.Record(ActionBackupCodesRegenerated, ident.ID, ident.ID, map[string]string{
		"backup_codes": strconv.Itoa(len(codes)),
	})
	return EnrollmentResult{Outcome: outcome, BackupCodes: codes}, nil
}

// RunBackupCodesRemaining counts the unused backup codes of an enrolled
// identity.
func RunBackupCodesRemaining(ctx context.Context, identityID string, deps Deps) (int, error) {
	deps.normalize()
	if deps.Identities == nil || deps.SecondFactor == nil {
		return 0, ErrNotReady
	}
	ident, err := enrollmentIdentity(ctx, identityID, deps)
	if err != nil {
		return 0, err
	}
	if !ident.SecondFactorEnabled {
		return 0, secondfactor.ErrNotEnrolled
	}
	return deps.SecondFactor.BackupCodesRemaining(ctx, ident.ID)
}
