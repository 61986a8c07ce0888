package authcore

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts logins that issued a session, all channels.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected login attempts.
	MetricLoginFailure
	// MetricLoginRateLimited counts password logins refused by the failed-login budget.
	MetricLoginRateLimited
	// MetricLoginPassword counts successful password-channel logins.
	MetricLoginPassword
	// MetricLoginFederated counts successful federated-channel logins.
	MetricLoginFederated
	// MetricLoginOTP counts successful one-time-code logins.
	MetricLoginOTP
	// MetricSecondFactorRequired counts primary verifications that stopped at the second factor.
	MetricSecondFactorRequired
	// MetricSecondFactorFailure counts rejected second-factor codes.
	MetricSecondFactorFailure
	// MetricSessionCreated counts minted sessions.
	MetricSessionCreated
	// MetricSessionDestroyed counts sessions removed by logout, reuse or revocation.
	MetricSessionDestroyed
	// MetricRefreshSuccess counts successful refreshes.
	MetricRefreshSuccess
	// MetricRefreshFailure counts rejected refreshes.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts rotated-out refresh tokens presented again.
	MetricRefreshReuseDetected
	// MetricOTPIssued counts one-time codes handed to delivery.
	MetricOTPIssued
	// MetricOTPRateLimited counts code requests refused by the cooldown or the
	// delivery throttle.
	MetricOTPRateLimited
	// MetricOTPVerified counts consumed one-time codes.
	MetricOTPVerified
	// MetricOTPFailure counts invalid, expired or exhausted code submissions.
	MetricOTPFailure
	// MetricPasswordResetRequest counts reset tokens issued.
	MetricPasswordResetRequest
	// MetricPasswordResetSuccess counts completed resets.
	MetricPasswordResetSuccess
	// MetricPasswordResetFailure counts rejected reset completions.
	MetricPasswordResetFailure
	// MetricEmailVerificationRequest counts verification tokens issued.
	MetricEmailVerificationRequest
	// MetricEmailVerificationSuccess counts verified emails.
	MetricEmailVerificationSuccess
	// MetricEmailVerificationFailure counts rejected verification completions.
	MetricEmailVerificationFailure
	// MetricSweepDeleted counts records removed by the sweeper.
	MetricSweepDeleted
	// MetricLoginLatency is the login latency histogram.
	MetricLoginLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters plus the login latency
// histogram. A disabled Metrics ignores every update.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter. Histogram
// buckets are per-bucket counts, not cumulative.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether updates are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Add adds n to id.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount || n == 0 {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

// Observe records one latency sample. Only [MetricLoginLatency] keeps a
// histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != MetricLoginLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value returns the current value of id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricLoginLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricLoginLatency].buckets[i])
		}
		s.Histograms[MetricLoginLatency] = buckets
	}

	return s
}

// Login latency is dominated by argon2, so the buckets start at 25ms.
func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 25:
		return 0
	case ms <= 50:
		return 1
	case ms <= 100:
		return 2
	case ms <= 250:
		return 3
	case ms <= 500:
		return 4
	case ms <= 1000:
		return 5
	case ms <= 2500:
		return 6
	default:
		return 7
	}
}
