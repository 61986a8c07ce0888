package authcore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/secondfactor"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration. It is resolved once at
// startup ([DefaultConfig], then optionally [LoadConfig]) and passed by value
// to [Builder.WithConfig].
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	Session        SessionConfig         `yaml:"session"`
	JWT            JWTConfig             `yaml:"jwt"`
	Password       PasswordConfig        `yaml:"password"`
	PasswordPolicy password.PolicyConfig `yaml:"password_policy"`
	OTP            OTPConfig             `yaml:"otp"`
	Tokens         TokenConfig           `yaml:"tokens"`
	SecondFactor   secondfactor.Config   `yaml:"second_factor"`
	RateLimit      RateLimitConfig       `yaml:"rate_limit"`
	Delivery       DeliveryConfig        `yaml:"delivery"`
	Audit          AuditConfig           `yaml:"audit"`
	Metrics        MetricsConfig         `yaml:"metrics"`
	Sweeper        SweeperConfig         `yaml:"sweeper"`
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session windows and refresh token handling.
// DefaultWindow and RememberWindow are access token lifetimes; RefreshTTL is
// the fixed refresh token lifetime independent of either.
type SessionConfig struct {
	RedisPrefix         string        `yaml:"redis_prefix"`
	DefaultWindow       time.Duration `yaml:"default_window"`
	RememberWindow      time.Duration `yaml:"remember_window"`
	RefreshTTL          time.Duration `yaml:"refresh_ttl"`
	RotateRefreshTokens bool          `yaml:"rotate_refresh_tokens"`
}

/*
====================================
JWT CONFIG
====================================
*/

// KeyBytes is key material read from YAML. A value prefixed with "base64:"
// is decoded; anything else (a PEM block, an HMAC secret) is taken verbatim.
type KeyBytes []byte

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *KeyBytes) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	raw, err := parseKey(s)
	if err != nil {
		return err
	}
	*k = raw
	return nil
}

func parseKey(s string) (KeyBytes, error) {
	if rest, ok := strings.CutPrefix(s, "base64:"); ok {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("decode base64 key: %w", err)
		}
		return raw, nil
	}
	return KeyBytes(s), nil
}

// JWTConfig configures access token signing.
type JWTConfig struct {
	SigningMethod string        `yaml:"signing_method"` // "ed25519" (default) or "hs256"
	PrivateKey    KeyBytes      `yaml:"private_key"`
	PublicKey     KeyBytes      `yaml:"public_key"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	KeyID         string        `yaml:"key_id"`
	Leeway        time.Duration `yaml:"leeway"`
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id parameters. Memory is in KiB.
type PasswordConfig struct {
	Memory           uint32 `yaml:"memory"`
	Time             uint32 `yaml:"time"`
	Parallelism      uint8  `yaml:"parallelism"`
	SaltLength       uint32 `yaml:"salt_length"`
	KeyLength        uint32 `yaml:"key_length"`
	MaxPasswordBytes int    `yaml:"max_password_bytes"`
	UpgradeOnLogin   bool   `yaml:"upgrade_on_login"`
}

func (c PasswordConfig) hasher() password.Config {
	return password.Config{
		Memory:           c.Memory,
		Time:             c.Time,
		Parallelism:      c.Parallelism,
		SaltLength:       c.SaltLength,
		KeyLength:        c.KeyLength,
		MaxPasswordBytes: c.MaxPasswordBytes,
	}
}

/*
====================================
OTP AND TOKEN CONFIG
====================================
*/

// OTPConfig bounds emailed one-time codes.
type OTPConfig struct {
	Digits      int           `yaml:"digits"`
	TTL         time.Duration `yaml:"ttl"`
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxAttempts int           `yaml:"max_attempts"`
	Retention   time.Duration `yaml:"retention"`
}

// TokenConfig bounds password-reset and email-verification tokens.
// DigestPepper keys every stored digest (tokens, codes, refresh tokens).
type TokenConfig struct {
	ResetTTL        time.Duration `yaml:"reset_ttl"`
	VerificationTTL time.Duration `yaml:"verification_ttl"`
	Retention       time.Duration `yaml:"retention"`
	IssueRetries    int           `yaml:"issue_retries"`
	DigestPepper    KeyBytes      `yaml:"digest_pepper"`
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig holds the fixed-window budgets. A zero budget disables the
// corresponding limiter.
type RateLimitConfig struct {
	MaxFailedLogins         int           `yaml:"max_failed_logins"`
	FailedLoginWindow       time.Duration `yaml:"failed_login_window"`
	MaxSecondFactorFailures int           `yaml:"max_second_factor_failures"`
	SecondFactorWindow      time.Duration `yaml:"second_factor_window"`
	MaxTokenRequests        int           `yaml:"max_token_requests"`
	TokenRequestWindow      time.Duration `yaml:"token_request_window"`
	MaxRefreshAttempts      int           `yaml:"max_refresh_attempts"`
	RefreshWindow           time.Duration `yaml:"refresh_window"`
}

// DeliveryConfig bounds outbound sends. PerSecond zero disables throttling.
type DeliveryConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

/*
====================================
AUDIT, METRICS AND SWEEPER CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig = audit.Config

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

// SweeperConfig drives [Engine.Sweep] and cmd/authcore-sweeper.
type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns a production-leaning configuration. JWT keys and the
// digest pepper are left empty and must be supplied.
func DefaultConfig() Config {
	return Config{
		Session: SessionConfig{
			RedisPrefix:         "ac",
			DefaultWindow:       15 * time.Minute,
			RememberWindow:      7 * 24 * time.Hour,
			RefreshTTL:          30 * 24 * time.Hour,
			RotateRefreshTokens: true,
		},
		JWT: JWTConfig{
			SigningMethod: "ed25519",
			Issuer:        "authcore",
			Leeway:        30 * time.Second,
		},
		Password: PasswordConfig{
			Memory:           65536,
			Time:             3,
			Parallelism:      2,
			SaltLength:       16,
			KeyLength:        32,
			MaxPasswordBytes: password.DefaultMaxPasswordBytes,
			UpgradeOnLogin:   true,
		},
		PasswordPolicy: password.PolicyConfig{
			MinLength:    10,
			MaxLength:    256,
			RequireLower: true,
			RequireDigit: true,
		},
		OTP: OTPConfig{
			Digits:      6,
			TTL:         10 * time.Minute,
			Cooldown:    60 * time.Second,
			MaxAttempts: 5,
			Retention:   24 * time.Hour,
		},
		Tokens: TokenConfig{
			ResetTTL:        time.Hour,
			VerificationTTL: 24 * time.Hour,
			Retention:       24 * time.Hour,
			IssueRetries:    10,
		},
		SecondFactor: secondfactor.Config{
			Issuer:           "authcore",
			Period:           30,
			Digits:           6,
			Skew:             1,
			Algorithm:        "SHA1",
			BackupCodeCount:  10,
			BackupCodeLength: 10,
			EnrollmentTTL:    10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			MaxFailedLogins:         5,
			FailedLoginWindow:       15 * time.Minute,
			MaxSecondFactorFailures: 5,
			SecondFactorWindow:      15 * time.Minute,
			MaxTokenRequests:        3,
			TokenRequestWindow:      time.Hour,
			MaxRefreshAttempts:      20,
			RefreshWindow:           time.Minute,
		},
		Delivery: DeliveryConfig{
			PerSecond: 0,
			Burst:     1,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Sweeper: SweeperConfig{
			Interval:  5 * time.Minute,
			BatchSize: 500,
		},
	}
}

// LoadConfig reads a YAML file over [DefaultConfig] and validates the
// result. Keys absent from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig is [LoadConfig] over an in-memory document.
func ParseConfig(raw []byte) (Config, error) {
	cfg, err := DecodeConfig(raw)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DecodeConfig reads a YAML document over [DefaultConfig] without
// validating it, so secrets can be applied with [Config.ApplyEnv] first.
func DecodeConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Environment variables read by [Config.ApplyEnv]. Values use the same
// "base64:" convention as the YAML keys.
const (
	EnvJWTPrivateKey = "AUTHCORE_JWT_PRIVATE_KEY"
	EnvJWTPublicKey  = "AUTHCORE_JWT_PUBLIC_KEY"
	EnvDigestPepper  = "AUTHCORE_DIGEST_PEPPER"
)

// ApplyEnv overrides key material with the variables lookup reports as set.
// Pass os.LookupEnv in production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, v := range []struct {
		name string
		dst  *KeyBytes
	}{
		{EnvJWTPrivateKey, &c.JWT.PrivateKey},
		{EnvJWTPublicKey, &c.JWT.PublicKey},
		{EnvDigestPepper, &c.Tokens.DigestPepper},
	} {
		s, ok := lookup(v.name)
		if !ok || s == "" {
			continue
		}
		key, err := parseKey(s)
		if err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
		*v.dst = key
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Tokens.DigestPepper = cloneBytes(cfg.Tokens.DigestPepper)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Session
	if c.Session.DefaultWindow <= 0 {
		return errors.New("Session DefaultWindow must be > 0")
	}
	if c.Session.RememberWindow < c.Session.DefaultWindow {
		return errors.New("Session RememberWindow must be >= DefaultWindow")
	}
	if c.Session.RefreshTTL <= 0 {
		return errors.New("Session RefreshTTL must be > 0")
	}
	if c.Session.RefreshTTL < c.Session.RememberWindow {
		return errors.New("Session RefreshTTL must be >= RememberWindow")
	}
	if strings.ContainsAny(c.Session.RedisPrefix, " *?[]") {
		return errors.New("Session RedisPrefix must not contain spaces or glob characters")
	}

	// JWT
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.PasswordPolicy.MinLength < 8 {
		return errors.New("PasswordPolicy MinLength must be >= 8")
	}
	if c.PasswordPolicy.MaxLength > 0 && c.PasswordPolicy.MaxLength < c.PasswordPolicy.MinLength {
		return errors.New("PasswordPolicy MaxLength must be >= MinLength")
	}

	// OTP
	if c.OTP.Digits < 6 || c.OTP.Digits > 10 {
		return errors.New("OTP Digits must be between 6 and 10")
	}
	if c.OTP.TTL <= 0 || c.OTP.TTL > time.Hour {
		return errors.New("OTP TTL must be between 0 and 1h")
	}
	if c.OTP.Cooldown < 0 || c.OTP.Cooldown > c.OTP.TTL {
		return errors.New("OTP Cooldown must be between 0 and TTL")
	}
	if c.OTP.MaxAttempts < 1 || c.OTP.MaxAttempts > 10 {
		return errors.New("OTP MaxAttempts must be between 1 and 10")
	}
	if c.OTP.Retention < 0 {
		return errors.New("OTP Retention must be >= 0")
	}

	// Tokens
	if c.Tokens.ResetTTL <= 0 {
		return errors.New("Tokens ResetTTL must be > 0")
	}
	if c.Tokens.VerificationTTL <= 0 {
		return errors.New("Tokens VerificationTTL must be > 0")
	}
	if c.Tokens.Retention < 0 {
		return errors.New("Tokens Retention must be >= 0")
	}
	if c.Tokens.IssueRetries < 1 {
		return errors.New("Tokens IssueRetries must be >= 1")
	}
	if len(c.Tokens.DigestPepper) < 16 {
		return errors.New("Tokens DigestPepper must be at least 16 bytes")
	}

	// Second factor
	if err := c.SecondFactor.Validate(); err != nil {
		return fmt.Errorf("SecondFactor: %w", err)
	}

	// Rate limits
	if c.RateLimit.MaxFailedLogins < 0 || c.RateLimit.MaxSecondFactorFailures < 0 || c.RateLimit.MaxTokenRequests < 0 || c.RateLimit.MaxRefreshAttempts < 0 {
		return errors.New("RateLimit budgets must be >= 0")
	}
	if c.RateLimit.MaxFailedLogins > 0 && c.RateLimit.FailedLoginWindow <= 0 {
		return errors.New("RateLimit FailedLoginWindow must be > 0 when MaxFailedLogins is set")
	}
	if c.RateLimit.MaxSecondFactorFailures > 0 && c.RateLimit.SecondFactorWindow <= 0 {
		return errors.New("RateLimit SecondFactorWindow must be > 0 when MaxSecondFactorFailures is set")
	}
	if c.RateLimit.MaxTokenRequests > 0 && c.RateLimit.TokenRequestWindow <= 0 {
		return errors.New("RateLimit TokenRequestWindow must be > 0 when MaxTokenRequests is set")
	}
	if c.RateLimit.MaxRefreshAttempts > 0 && c.RateLimit.RefreshWindow <= 0 {
		return errors.New("RateLimit RefreshWindow must be > 0 when MaxRefreshAttempts is set")
	}

	// Delivery
	if c.Delivery.PerSecond < 0 {
		return errors.New("Delivery PerSecond must be >= 0")
	}
	if c.Delivery.PerSecond > 0 && c.Delivery.Burst < 1 {
		return errors.New("Delivery Burst must be >= 1 when PerSecond is set")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	// Sweeper
	if c.Sweeper.Interval <= 0 {
		return errors.New("Sweeper Interval must be > 0")
	}
	if c.Sweeper.BatchSize <= 0 {
		return errors.New("Sweeper BatchSize must be > 0")
	}

	return nil
}
