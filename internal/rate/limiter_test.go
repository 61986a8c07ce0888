package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
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
	return New(rdb, "ac", cfg), mr
}

func TestLoginBudget(t *testing.T) {
	l, mr := newTestLimiter(t, Config{MaxFailedLogins: 3, FailedLoginWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.CheckLogin(ctx, "subject"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if err := l.IncrementLogin(ctx, "subject"); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
	if err := l.CheckLogin(ctx, "subject"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	mr.FastForward(61 * time.Second)
	if err := l.CheckLogin(ctx, "subject"); err != nil {
		t.Fatalf("expected window to reset, got %v", err)
	}
}

func TestResetLogin(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxFailedLogins: 1, FailedLoginWindow: time.Minute})
	ctx := context.Background()
	if err := l.IncrementLogin(ctx, "s"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := l.CheckLogin(ctx, "s"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected budget spent, got %v", err)
	}
	if err := l.ResetLogin(ctx, "s"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := l.CheckLogin(ctx, "s"); err != nil {
		t.Fatalf("expected counter cleared, got %v", err)
	}
}

func TestSecondFactorBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxSecondFactorFailures: 2, SecondFactorWindow: time.Minute})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.IncrementSecondFactor(ctx, "id-1"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if err := l.CheckSecondFactor(ctx, "id-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := l.ResetSecondFactor(ctx, "id-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := l.CheckSecondFactor(ctx, "id-1"); err != nil {
		t.Fatalf("expected cleared counter, got %v", err)
	}
}

func TestTokenRequestBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxTokenRequests: 2, TokenRequestWindow: time.Hour})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.AllowTokenRequest(ctx, "password_reset", "id-1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.AllowTokenRequest(ctx, "password_reset", "id-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := l.AllowTokenRequest(ctx, "email_verification", "id-1"); err != nil {
		t.Fatalf("other purpose must have its own budget, got %v", err)
	}
}

func TestRefreshBudget(t *testing.T) {
	l, mr := newTestLimiter(t, Config{MaxRefreshAttempts: 3, RefreshWindow: time.Minute})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.AllowRefresh(ctx, "sid-1"); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	if err := l.AllowRefresh(ctx, "sid-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := l.AllowRefresh(ctx, "sid-2"); err != nil {
		t.Fatalf("other session must have its own budget, got %v", err)
	}

	mr.FastForward(61 * time.Second)
	if err := l.AllowRefresh(ctx, "sid-1"); err != nil {
		t.Fatalf("expected window to reset, got %v", err)
	}
}

func TestDisabledLimitersAllowEverything(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = l.IncrementLogin(ctx, "s")
		if err := l.CheckLogin(ctx, "s"); err != nil {
			t.Fatalf("disabled login limiter returned %v", err)
		}
		if err := l.AllowTokenRequest(ctx, "p", "id"); err != nil {
			t.Fatalf("disabled request limiter returned %v", err)
		}
		if err := l.AllowRefresh(ctx, "sid"); err != nil {
			t.Fatalf("disabled refresh limiter returned %v", err)
		}
	}
}
