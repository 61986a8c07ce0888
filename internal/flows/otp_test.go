package flows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/delivery"
	"github.com/MrEthical07/authcore/identity"
)

func TestRequestOTPCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	status, err := RunRequestOTP(ctx, "a@x.com", "login", h.deps, h.trail())
	if err != nil || status != OTPRequestIssued {
		t.Fatalf("first request: status=%v err=%v", status, err)
	}
	msg, ok := h.recorder.Last(delivery.KindOTP, "a@x.com")
	if !ok || len(msg.Secret) != 6 {
		t.Fatalf("expected a six digit code delivered, got %+v", msg)
	}

	trail := h.trail()
	status, err = RunRequestOTP(ctx, "a@x.com", "login", h.deps, trail)
	if err != nil || status != OTPRequestRateLimited {
		t.Fatalf("second request: status=%v err=%v", status, err)
	}
	if countActions(trail, ActionOTPRateLimited, "") != 1 {
		t.Fatalf("expected otp_rate_limited event, got %+v", trail.Events())
	}

	h.advance(61 * time.Second)
	status, err = RunRequestOTP(ctx, "a@x.com", "login", h.deps, h.trail())
	if err != nil || status != OTPRequestIssued {
		t.Fatalf("after cooldown: status=%v err=%v", status, err)
	}
}

func TestRequestOTPDeliveryFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.recorder.FailWith(errors.New("provider down"))

	_, err := RunRequestOTP(ctx, "a@x.com", "login", h.deps, h.trail())
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}

	h.recorder.FailWith(nil)
	status, err := RunRequestOTP(ctx, "a@x.com", "login", h.deps, h.trail())
	if err != nil || status != OTPRequestIssued {
		t.Fatalf("expected immediate retry to issue, status=%v err=%v", status, err)
	}
}

func TestOTPPurposesAreIndependent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if status, err := RunRequestOTP(ctx, "a@x.com", "login", h.deps, h.trail()); err != nil || status != OTPRequestIssued {
		t.Fatalf("login purpose: status=%v err=%v", status, err)
	}
	loginCode := h.lastSecret(delivery.KindOTP, "a@x.com")
	if status, err := RunRequestOTP(ctx, "a@x.com", "checkout", h.deps, h.trail()); err != nil || status != OTPRequestIssued {
		t.Fatalf("checkout purpose: status=%v err=%v", status, err)
	}

	res, err := RunLogin(ctx, LoginInput{Channel: identity.ChannelOTP, Email: "a@x.com", Code: loginCode, Purpose: "checkout"}, h.deps, h.trail())
	if err != nil || res.Status == LoginOK {
		t.Fatalf("expected code bound to its purpose, got res=%+v err=%v", res, err)
	}
}

func TestRequestOTPThrottledDeliveryDiscardsCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deps.Delivery = delivery.NewThrottle(h.recorder, 0.001, 1)

	if status, err := RunRequestOTP(ctx, "a@x.com", "login", h.deps, h.trail()); err != nil || status != OTPRequestIssued {
		t.Fatalf("first request: status=%v err=%v", status, err)
	}
	trail := h.trail()
	status, err := RunRequestOTP(ctx, "b@x.com", "login", h.deps, trail)
	if err != nil || status != OTPRequestRateLimited {
		t.Fatalf("expected rate limited, status=%v err=%v", status, err)
	}
	if countActions(trail, ActionOTPRateLimited, "delivery_throttled") != 1 {
		t.Fatalf("expected throttled event, got %+v", trail.Events())
	}

	h.deps.Delivery = h.recorder
	status, err = RunRequestOTP(ctx, "b@x.com", "login", h.deps, h.trail())
	if err != nil || status != OTPRequestIssued {
		t.Fatalf("expected no cooldown left behind, status=%v err=%v", status, err)
	}
}
