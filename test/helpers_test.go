//go:build integration
// +build integration

package test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/delivery"
	"github.com/MrEthical07/authcore/identity"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// harness runs against REDIS_ADDR when set and an in-process miniredis
// otherwise. Each harness uses its own key prefix so runs against a shared
// server do not collide.
type harness struct {
	engine   *authcore.Engine
	recorder *delivery.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, PoolSize: 32})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}

	cfg := authcore.DefaultConfig()
	cfg.Session.RedisPrefix = fmt.Sprintf("it%d", time.Now().UnixNano())
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("integration-hmac-key-0123456789ab")
	cfg.Tokens.DigestPepper = []byte("integration-pepper")
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1

	recorder := delivery.NewRecorder()
	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityStore(identity.NewMemoryStore()).
		WithDeliverer(recorder).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(engine.Close)
	return &harness{engine: engine, recorder: recorder}
}

func (h *harness) code(t *testing.T, email string) string {
	t.Helper()
	if _, err := h.engine.RequestOtp(context.Background(), email, ""); err != nil {
		t.Fatalf("request otp: %v", err)
	}
	msg, ok := h.recorder.Last(delivery.KindOTP, email)
	if !ok {
		t.Fatal("no code delivered")
	}
	return msg.Secret
}

func (h *harness) login(t *testing.T, email string) *authcore.LoginResult {
	t.Helper()
	res, err := h.engine.VerifyOtp(context.Background(), email, h.code(t, email), "", authcore.LoginOptions{})
	if err != nil || res.Status != authcore.LoginOK {
		t.Fatalf("login: %+v err=%v", res, err)
	}
	return res
}

// race runs fn from n goroutines released together.
func race(n int, fn func(i int)) {
	start := make(chan struct{})
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			<-start
			fn(i)
			done <- struct{}{}
		}(i)
	}
	close(start)
	for i := 0; i < n; i++ {
		<-done
	}
}
