package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authcore/delivery"
	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/internal/vault"
)

// OTPRequestStatus is the outcome of asking for a one-time code.
type OTPRequestStatus uint8

const (
	OTPRequestIssued OTPRequestStatus = iota
	OTPRequestRateLimited
)

// RunRequestOTP issues a one-time code for (email, purpose) and hands it to
// the delivery collaborator. A failed delivery removes the stored code again
// so the caller can retry without waiting for the cooldown. A throttled
// delivery is reported as rate limited.
func RunRequestOTP(ctx context.Context, email, purpose string, deps Deps, trail *audit.Trail) (OTPRequestStatus, error) {
	deps.normalize()
	if deps.OTPs == nil || deps.Delivery == nil || deps.Keys == nil {
		return OTPRequestIssued, ErrNotReady
	}
	email = identity.NormalizeEmail(email)
	if purpose == "" {
		purpose = DefaultOTPPurpose
	}

	code, err := vault.NewNumericCode(deps.OTPDigits)
	if err != nil {
		return OTPRequestIssued, err
	}
	digest := otpDigest(deps.Keys, email, purpose, code)

	status, err := deps.OTPs.Issue(ctx, email, purpose, digest)
	if err != nil {
		return OTPRequestIssued, err
	}
	if status == stores.OTPCoolingDown {
		deps.MetricInc(deps.Metrics.OTPRateLimited)
		trail.Record(ActionOTPRateLimited, "", "", map[string]string{"purpose": purpose})
		return OTPRequestRateLimited, nil
	}

	msg := delivery.Message{
		Kind:      delivery.KindOTP,
		To:        email,
		Purpose:   purpose,
		Secret:    code,
		ExpiresAt: deps.Now().Add(deps.OTPTTL),
	}
	if err := deps.Delivery.Deliver(ctx, msg); err != nil {
		if discardErr := deps.OTPs.Discard(context.WithoutCancel(ctx), email, purpose, digest); discardErr != nil {
			deps.Logger.Warn("authcore: one-time code rollback failed", "error", discardErr)
		}
		if errors.Is(err, delivery.ErrThrottled) {
			deps.MetricInc(deps.Metrics.OTPRateLimited)
			trail.Record(ActionOTPRateLimited, "", "", map[string]string{"purpose": purpose, "reason": "delivery_throttled"})
			return OTPRequestRateLimited, nil
		}
		trail.Record(ActionOTPDeliveryFailed, "", "", map[string]string{"purpose": purpose})
		return OTPRequestIssued, fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	deps.MetricInc(deps.Metrics.OTPIssued)
	trail.Record(ActionOTPIssued, "", "", map[string]string{"purpose": purpose})
	return OTPRequestIssued, nil
}
