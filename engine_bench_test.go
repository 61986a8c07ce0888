package authcore

import (
	"context"
	"testing"
)

func BenchmarkValidateAccess(b *testing.B) {
	env := newTestEnv(b)
	env.createIdentity("bench@example.com", "Correct-Horse-Battery-9!")
	res := env.passwordLogin("bench@example.com", "Correct-Horse-Battery-9!", "")
	if res.Status != LoginOK {
		b.Fatalf("login: %+v", res)
	}
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := env.engine.ValidateAccess(ctx, res.AccessToken); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRefreshWithoutRotation(b *testing.B) {
	env := newTestEnv(b, func(bl *Builder) {
		cfg := testConfig()
		cfg.Session.RotateRefreshTokens = false
		cfg.Audit.Enabled = false
		cfg.RateLimit.MaxRefreshAttempts = 0
		bl.WithConfig(cfg)
	})
	env.createIdentity("bench@example.com", "Correct-Horse-Battery-9!")
	res := env.passwordLogin("bench@example.com", "Correct-Horse-Battery-9!", "")
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out, err := env.engine.RefreshSession(ctx, res.RefreshToken)
		if err != nil || !out.OK {
			b.Fatalf("refresh: %+v err=%v", out, err)
		}
	}
}

func BenchmarkMetricsInc(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Inc(MetricLoginSuccess)
		}
	})
}
