package secondfactor

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal/vault"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// BackupCodeAlphabet avoids characters that are easy to confuse.
const BackupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var (
	// ErrNotEnrolled is returned when the identity has no active or pending
	// second factor.
	ErrNotEnrolled = errors.New("second factor not enrolled")
	// ErrAlreadyEnrolled is returned by Begin for an identity that already
	// has an active second factor.
	ErrAlreadyEnrolled = errors.New("second factor already enrolled")
)

// Outcome is the result of checking a second-factor code.
type Outcome uint8

const (
	Valid Outcome = iota
	ValidBackupCode
	Invalid
	// Replay means the code was correct but its time step was already used.
	Replay
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case ValidBackupCode:
		return "valid_backup_code"
	case Replay:
		return "replay"
	default:
		return "invalid"
	}
}

// OK reports whether the outcome accepts the code.
func (o Outcome) OK() bool {
	return o == Valid || o == ValidBackupCode
}

// Config configures TOTP parameters and backup codes.
type Config struct {
	Issuer           string        `yaml:"issuer"`
	Period           uint          `yaml:"period"`
	Digits           int           `yaml:"digits"`
	Skew             uint          `yaml:"skew"`
	Algorithm        string        `yaml:"algorithm"`
	BackupCodeCount  int           `yaml:"backup_code_count"`
	BackupCodeLength int           `yaml:"backup_code_length"`
	EnrollmentTTL    time.Duration `yaml:"enrollment_ttl"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("second factor issuer must be set")
	}
	if c.Period < 15 || c.Period > 120 {
		return errors.New("second factor period must be between 15 and 120 seconds")
	}
	if c.Digits != 6 && c.Digits != 8 {
		return errors.New("second factor digits must be 6 or 8")
	}
	if c.Skew > 2 {
		return errors.New("second factor skew must be at most 2")
	}
	if _, err := algorithm(c.Algorithm); err != nil {
		return err
	}
	if c.BackupCodeCount < 1 || c.BackupCodeCount > 20 {
		return errors.New("backup code count must be between 1 and 20")
	}
	if c.BackupCodeLength < 8 || c.BackupCodeLength > 20 {
		return errors.New("backup code length must be between 8 and 20")
	}
	if c.BackupCodeLength == c.Digits {
		return errors.New("backup code length must differ from totp digits")
	}
	if c.EnrollmentTTL <= 0 {
		return errors.New("enrollment ttl must be > 0")
	}
	return nil
}

// Enrollment is returned when a second factor is first set up. Secret is the
// base32 shared secret and URI the otpauth:// provisioning URI.
type Enrollment struct {
	Secret string
	URI    string
}

// Verifier enrolls identities and checks TOTP and backup codes.
type Verifier struct {
	config Config
	store  Store
	keys   *vault.Vault
	now    func() time.Time
}

// NewVerifier validates cfg and returns a Verifier over store. keys derives
// backup code digests.
func NewVerifier(cfg Config, store Store, keys *vault.Vault) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("second factor store is required")
	}
	return &Verifier{config: cfg, store: store, keys: keys, now: time.Now}, nil
}

// SetClock replaces the verifier's time source.
func (v *Verifier) SetClock(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Begin creates a pending enrollment for identityID. It becomes active only
// after [Verifier.Confirm] sees a valid code for it.
func (v *Verifier) Begin(ctx context.Context, identityID, account string) (Enrollment, error) {
	active, err := v.store.Enrolled(ctx, identityID)
	if err != nil {
		return Enrollment{}, err
	}
	if active {
		return Enrollment{}, ErrAlreadyEnrolled
	}

	alg, _ := algorithm(v.config.Algorithm)
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.config.Issuer,
		AccountName: account,
		Period:      v.config.Period,
		Digits:      otp.Digits(v.config.Digits),
		Algorithm:   alg,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}
	if err := v.store.SavePending(ctx, identityID, key.Secret(), v.config.EnrollmentTTL); err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Secret: key.Secret(), URI: key.URL()}, nil
}

// Confirm activates a pending enrollment if code is valid for it and returns
// freshly generated backup codes.
func (v *Verifier) Confirm(ctx context.Context, identityID, code string) ([]string, Outcome, error) {
	secret, err := v.store.Pending(ctx, identityID)
	if err != nil {
		return nil, Invalid, err
	}
	ok, counter, err := v.matchTOTP(secret, code)
	if err != nil {
		return nil, Invalid, err
	}
	if !ok {
		return nil, Invalid, nil
	}

	codes, digests, err := v.newBackupCodes()
	if err != nil {
		return nil, Invalid, err
	}
	if err := v.store.Activate(ctx, identityID, secret, counter, digests); err != nil {
		return nil, Invalid, err
	}
	return codes, Valid, nil
}

// Verify checks a TOTP code or a backup code for an enrolled identity. A
// TOTP code is accepted once per time step; a backup code once ever.
func (v *Verifier) Verify(ctx context.Context, identityID, code string) (Outcome, error) {
	code = strings.TrimSpace(code)
	if backup := normalizeBackupCode(code); len(backup) == v.config.BackupCodeLength && isBackupCode(backup) {
		used, err := v.store.ConsumeBackupCode(ctx, identityID, v.backupDigest(backup))
		if err != nil {
			return Invalid, err
		}
		if used {
			return ValidBackupCode, nil
		}
		return Invalid, nil
	}

	secret, err := v.store.Secret(ctx, identityID)
	if err != nil {
		return Invalid, err
	}
	ok, counter, err := v.matchTOTP(secret, code)
	if err != nil || !ok {
		return Invalid, err
	}
	advanced, err := v.store.AdvanceCounter(ctx, identityID, counter)
	if err != nil {
		return Invalid, err
	}
	if !advanced {
		return Replay, nil
	}
	return Valid, nil
}

// Disable removes the identity's second factor and backup codes.
func (v *Verifier) Disable(ctx context.Context, identityID string) error {
	return v.store.Remove(ctx, identityID)
}

// BackupCodesRemaining returns how many unused backup codes an enrolled
// identity holds.
func (v *Verifier) BackupCodesRemaining(ctx context.Context, identityID string) (int, error) {
	active, err := v.store.Enrolled(ctx, identityID)
	if err != nil {
		return 0, err
	}
	if !active {
		return 0, ErrNotEnrolled
	}
	return v.store.BackupCodesRemaining(ctx, identityID)
}

// RegenerateBackupCodes replaces every backup code of an enrolled identity.
func (v *Verifier) RegenerateBackupCodes(ctx context.Context, identityID string) ([]string, error) {
	active, err := v.store.Enrolled(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrNotEnrolled
	}
	codes, digests, err := v.newBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := v.store.ReplaceBackupCodes(ctx, identityID, digests); err != nil {
		return nil, err
	}
	return codes, nil
}

func (v *Verifier) matchTOTP(secret, code string) (bool, int64, error) {
	if len(code) != v.config.Digits || !isNumeric(code) {
		return false, 0, nil
	}
	alg, _ := algorithm(v.config.Algorithm)
	opts := totp.ValidateOpts{
		Period:    v.config.Period,
		Digits:    otp.Digits(v.config.Digits),
		Algorithm: alg,
	}

	period := int64(v.config.Period)
	base := v.now().Unix() / period
	skew := int64(v.config.Skew)
	for step := -skew; step <= skew; step++ {
		counter := base + step
		if counter < 0 {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(counter*period, 0), opts)
		if err != nil {
			return false, 0, fmt.Errorf("generate totp code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true, counter, nil
		}
	}
	return false, 0, nil
}

func (v *Verifier) newBackupCodes() ([]string, []vault.Digest, error) {
	codes := make([]string, v.config.BackupCodeCount)
	digests := make([]vault.Digest, v.config.BackupCodeCount)
	for i := range codes {
		var b strings.Builder
		for j := 0; j < v.config.BackupCodeLength; j++ {
			idx, err := vault.RandomIndex(len(BackupCodeAlphabet))
			if err != nil {
				return nil, nil, err
			}
			b.WriteByte(BackupCodeAlphabet[idx])
		}
		codes[i] = b.String()
		digests[i] = v.backupDigest(codes[i])
	}
	return codes, digests, nil
}

func (v *Verifier) backupDigest(code string) vault.Digest {
	return v.keys.Digest("backup-code:" + code)
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(code)
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func isBackupCode(code string) bool {
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(BackupCodeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func algorithm(name string) (otp.Algorithm, error) {
	switch strings.ToUpper(name) {
	case "", "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	default:
		return otp.AlgorithmSHA1, errors.New("unsupported totp algorithm")
	}
}
