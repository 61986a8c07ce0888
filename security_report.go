package authcore

import "time"

// SecurityReport summarizes the security-relevant settings an engine runs
// with. It holds no key material and is safe to log at startup.
type SecurityReport struct {
	SigningAlgorithm       string
	DefaultWindow          time.Duration
	RememberWindow         time.Duration
	RefreshTTL             time.Duration
	RefreshRotationEnabled bool
	Argon2                 PasswordConfigReport
	OTPDigits              int
	OTPTTL                 time.Duration
	OTPMaxAttempts         int
	BackupCodesEnabled     bool
	FederatedEnabled       bool
	LoginThrottleActive    bool
	SecondFactorThrottle   bool
	TokenRequestThrottle   bool
	RefreshThrottle        bool
	DeliveryThrottled      bool
	AuditEnabled           bool
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	c := e.config

	return SecurityReport{
		SigningAlgorithm:       c.JWT.SigningMethod,
		DefaultWindow:          c.Session.DefaultWindow,
		RememberWindow:         c.Session.RememberWindow,
		RefreshTTL:             c.Session.RefreshTTL,
		RefreshRotationEnabled: c.Session.RotateRefreshTokens,
		Argon2: PasswordConfigReport{
			Memory:      c.Password.Memory,
			Time:        c.Password.Time,
			Parallelism: c.Password.Parallelism,
			SaltLength:  c.Password.SaltLength,
			KeyLength:   c.Password.KeyLength,
		},
		OTPDigits:            c.OTP.Digits,
		OTPTTL:               c.OTP.TTL,
		OTPMaxAttempts:       c.OTP.MaxAttempts,
		BackupCodesEnabled:   c.SecondFactor.BackupCodeCount > 0,
		FederatedEnabled:     e.deps.VerifyAssertion != nil,
		LoginThrottleActive:  c.RateLimit.MaxFailedLogins > 0 && c.RateLimit.FailedLoginWindow > 0,
		SecondFactorThrottle: c.RateLimit.MaxSecondFactorFailures > 0 && c.RateLimit.SecondFactorWindow > 0,
		TokenRequestThrottle: c.RateLimit.MaxTokenRequests > 0 && c.RateLimit.TokenRequestWindow > 0,
		RefreshThrottle:      c.RateLimit.MaxRefreshAttempts > 0 && c.RateLimit.RefreshWindow > 0,
		DeliveryThrottled:    c.Delivery.PerSecond > 0,
		AuditEnabled:         c.Audit.Enabled && e.audit != nil,
	}
}
