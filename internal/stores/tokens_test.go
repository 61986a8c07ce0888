package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/internal/vault"
)

func newTestTokenStore(t *testing.T) (*TokenStore, *testClock) {
	t.Helper()
	rdb, _ := newTestRedis(t)
	clock := newTestClock()
	s := NewTokenStore(rdb, "ac", 24*time.Hour)
	s.SetClock(clock.Now)
	return s, clock
}

func TestTokenValidateExpiry(t *testing.T) {
	s, clock := newTestTokenStore(t)
	ctx := context.Background()
	d := vault.New(nil).Digest("token-1")

	ok, err := s.Insert(ctx, d, "id-1", "password_reset", time.Hour)
	if err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}

	rec, status, err := s.Validate(ctx, d, "password_reset")
	if err != nil || status != TokenValid || rec.IdentityID != "id-1" {
		t.Fatalf("validate: status=%v rec=%+v err=%v", status, rec, err)
	}
	if _, status, _ := s.Validate(ctx, d, "password_reset"); status != TokenValid {
		t.Fatalf("validate must be repeatable, got %v", status)
	}

	clock.Advance(time.Hour + time.Second)
	if _, status, err := s.Validate(ctx, d, "password_reset"); err != nil || status != TokenExpired {
		t.Fatalf("expected expired, got %v err=%v", status, err)
	}
}

func TestTokenInsertCollision(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()
	d := vault.New(nil).Digest("token-1")

	if ok, err := s.Insert(ctx, d, "id-1", "password_reset", time.Hour); err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	if ok, err := s.Insert(ctx, d, "id-2", "password_reset", time.Hour); err != nil || ok {
		t.Fatalf("expected collision to be refused, ok=%v err=%v", ok, err)
	}
}

func TestTokenPurposeMismatchIsInvalid(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()
	d := vault.New(nil).Digest("token-1")
	if _, err := s.Insert(ctx, d, "id-1", "email_verification", time.Hour); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, status, _ := s.Validate(ctx, d, "password_reset"); status != TokenInvalid {
		t.Fatalf("expected invalid for other purpose, got %v", status)
	}
	_, status, err := s.Consume(ctx, d, "password_reset", func(context.Context, TokenRecord) error { return nil })
	if err != nil || status != TokenInvalid {
		t.Fatalf("expected consume with other purpose to be invalid, got %v err=%v", status, err)
	}
}

func TestTokenConsumeOnce(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()
	d := vault.New(nil).Digest("token-1")
	if _, err := s.Insert(ctx, d, "id-1", "password_reset", time.Hour); err != nil {
		t.Fatalf("insert: %v", err)
	}

	applied := 0
	apply := func(_ context.Context, rec TokenRecord) error {
		if rec.IdentityID != "id-1" {
			t.Fatalf("unexpected identity %q", rec.IdentityID)
		}
		applied++
		return nil
	}

	if _, status, err := s.Consume(ctx, d, "password_reset", apply); err != nil || status != TokenValid {
		t.Fatalf("first consume: status=%v err=%v", status, err)
	}
	if _, status, err := s.Consume(ctx, d, "password_reset", apply); err != nil || status != TokenUsed {
		t.Fatalf("second consume: status=%v err=%v", status, err)
	}
	if applied != 1 {
		t.Fatalf("side effect applied %d times", applied)
	}
	if _, status, _ := s.Validate(ctx, d, "password_reset"); status != TokenUsed {
		t.Fatalf("expected used, got %v", status)
	}
	if n := s.redis.Exists(ctx, s.indexKey("password_reset", "id-1")).Val(); n != 0 {
		t.Fatal("expected index cleared after consumption")
	}
}

func TestTokenConsumeReleasesOnFailure(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()
	d := vault.New(nil).Digest("token-1")
	if _, err := s.Insert(ctx, d, "id-1", "password_reset", time.Hour); err != nil {
		t.Fatalf("insert: %v", err)
	}

	boom := errors.New("store down")
	_, _, err := s.Consume(ctx, d, "password_reset", func(context.Context, TokenRecord) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected side effect error, got %v", err)
	}
	if _, status, _ := s.Validate(ctx, d, "password_reset"); status != TokenValid {
		t.Fatalf("expected token usable after failed side effect, got %v", status)
	}
	if _, status, err := s.Consume(ctx, d, "password_reset", func(context.Context, TokenRecord) error { return nil }); err != nil || status != TokenValid {
		t.Fatalf("retry consume: status=%v err=%v", status, err)
	}
}

func TestTokenConsumeExpired(t *testing.T) {
	s, clock := newTestTokenStore(t)
	ctx := context.Background()
	d := vault.New(nil).Digest("token-1")
	if _, err := s.Insert(ctx, d, "id-1", "password_reset", time.Hour); err != nil {
		t.Fatalf("insert: %v", err)
	}
	clock.Advance(2 * time.Hour)
	_, status, err := s.Consume(ctx, d, "password_reset", func(context.Context, TokenRecord) error {
		t.Fatal("side effect must not run for an expired token")
		return nil
	})
	if err != nil || status != TokenExpired {
		t.Fatalf("expected expired, got %v err=%v", status, err)
	}
}

func TestTokenNewIssueSupersedesOutstanding(t *testing.T) {
	s, _ := newTestTokenStore(t)
	ctx := context.Background()
	v := vault.New(nil)
	first, second := v.Digest("token-1"), v.Digest("token-2")

	if _, err := s.Insert(ctx, first, "id-1", "password_reset", time.Hour); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if _, err := s.Insert(ctx, second, "id-1", "password_reset", time.Hour); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	if _, status, _ := s.Validate(ctx, first, "password_reset"); status != TokenInvalid {
		t.Fatalf("expected superseded token to be invalid, got %v", status)
	}
	if got := s.redis.Get(ctx, s.indexKey("password_reset", "id-1")).Val(); got != second.Hex() {
		t.Fatalf("expected index to point at the second token, got %q", got)
	}
}
