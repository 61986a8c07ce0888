package internaldefs

import (
	"github.com/MrEthical07/authcore"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for export.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter. Names are stable.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Logins that issued a session."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Rejected login attempts."},
	{ID: authcore.MetricLoginRateLimited, Name: "authcore_login_rate_limited_total", Help: "Password logins refused by the failed-login budget."},
	{ID: authcore.MetricLoginPassword, Name: "authcore_login_password_total", Help: "Successful password-channel logins."},
	{ID: authcore.MetricLoginFederated, Name: "authcore_login_federated_total", Help: "Successful federated-channel logins."},
	{ID: authcore.MetricLoginOTP, Name: "authcore_login_otp_total", Help: "Successful one-time-code logins."},
	{ID: authcore.MetricSecondFactorRequired, Name: "authcore_second_factor_required_total", Help: "Primary verifications that stopped at the second factor."},
	{ID: authcore.MetricSecondFactorFailure, Name: "authcore_second_factor_failure_total", Help: "Rejected second-factor codes."},
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created_total", Help: "Created sessions."},
	{ID: authcore.MetricSessionDestroyed, Name: "authcore_session_destroyed_total", Help: "Sessions removed by logout, reuse or revocation."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refreshes."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Rejected refreshes."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Rotated-out refresh tokens presented again."},
	{ID: authcore.MetricOTPIssued, Name: "authcore_otp_issued_total", Help: "One-time codes handed to delivery."},
	{ID: authcore.MetricOTPRateLimited, Name: "authcore_otp_rate_limited_total", Help: "Code requests refused by the cooldown or the delivery throttle."},
	{ID: authcore.MetricOTPVerified, Name: "authcore_otp_verified_total", Help: "Consumed one-time codes."},
	{ID: authcore.MetricOTPFailure, Name: "authcore_otp_failure_total", Help: "Invalid, expired or exhausted code submissions."},
	{ID: authcore.MetricPasswordResetRequest, Name: "authcore_password_reset_request_total", Help: "Reset tokens issued."},
	{ID: authcore.MetricPasswordResetSuccess, Name: "authcore_password_reset_success_total", Help: "Completed password resets."},
	{ID: authcore.MetricPasswordResetFailure, Name: "authcore_password_reset_failure_total", Help: "Rejected reset completions."},
	{ID: authcore.MetricEmailVerificationRequest, Name: "authcore_email_verification_request_total", Help: "Verification tokens issued."},
	{ID: authcore.MetricEmailVerificationSuccess, Name: "authcore_email_verification_success_total", Help: "Verified emails."},
	{ID: authcore.MetricEmailVerificationFailure, Name: "authcore_email_verification_failure_total", Help: "Rejected verification completions."},
	{ID: authcore.MetricSweepDeleted, Name: "authcore_sweep_deleted_total", Help: "Records removed by the sweeper."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricLoginLatency, Name: "authcore_login_latency_seconds", Help: "Login latency histogram."},
}

// HistogramBounds are the upper bounds of the engine's latency buckets.
var HistogramBounds = []string{
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds spelled for metric names.
var HistogramBoundSuffix = []string{
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"1",
	"2_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the engine's bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
