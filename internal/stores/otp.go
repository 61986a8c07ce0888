package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/internal/vault"
	"github.com/redis/go-redis/v9"
)

// OTPStatus is the outcome of a one-time code verification.
type OTPStatus uint8

const (
	OTPValid OTPStatus = iota
	OTPInvalid
	OTPExpired
	OTPExhausted
	OTPMismatch
)

// OTPIssueStatus is the outcome of storing a fresh one-time code.
type OTPIssueStatus uint8

const (
	OTPIssued OTPIssueStatus = iota
	OTPCoolingDown
)

// OTPConfig bounds one-time code records.
type OTPConfig struct {
	TTL         time.Duration
	Cooldown    time.Duration
	MaxAttempts int
	Retention   time.Duration
}

// OTPVerifyResult carries the verification status and, for
// [OTPMismatch], the attempts left before the record is invalidated.
type OTPVerifyResult struct {
	Status    OTPStatus
	Remaining int
}

type otpRecord struct {
	digest     vault.Digest
	attempts   int
	issuedAt   int64
	expiresAt  int64
	consumed   bool
	consumedAt int64
}

// OTPStore keeps one code record per (purpose, email). The email is only
// present in the key as a digest.
type OTPStore struct {
	redis  redis.UniversalClient
	prefix string
	keys   *vault.Vault
	config OTPConfig
	now    func() time.Time
}

// NewOTPStore creates an [OTPStore]. keys derives the email component of the
// record key.
func NewOTPStore(redisClient redis.UniversalClient, prefix string, keys *vault.Vault, cfg OTPConfig) *OTPStore {
	if prefix == "" {
		prefix = "ac"
	}
	return &OTPStore{
		redis:  redisClient,
		prefix: prefix,
		keys:   keys,
		config: cfg,
		now:    time.Now,
	}
}

// SetClock replaces the store's time source.
func (s *OTPStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *OTPStore) key(email, purpose string) string {
	return s.prefix + ":otp:" + purpose + ":" + s.keys.Digest("otp-email:"+email).Hex()
}

// Issue stores a new code digest for (email, purpose). Expired, consumed or
// exhausted records are replaced; a live record younger than the cooldown
// is kept and [OTPCoolingDown] is returned.
func (s *OTPStore) Issue(ctx context.Context, email, purpose string, digest vault.Digest) (OTPIssueStatus, error) {
	key := s.key(email, purpose)

	for i := 0; i < maxTxRetries; i++ {
		status := OTPIssued
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			now := s.now()
			rec, found, err := readOTP(ctx, tx, key)
			if err != nil {
				return err
			}
			if found && s.live(rec, now) && now.UnixMilli()-rec.issuedAt < s.config.Cooldown.Milliseconds() {
				status = OTPCoolingDown
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.HSet(ctx, key,
					"digest", digest.Hex(),
					"attempts", 0,
					"issued_at", now.UnixMilli(),
					"expires_at", now.Add(s.config.TTL).UnixMilli(),
					"consumed", 0,
				)
				pipe.PExpire(ctx, key, s.config.TTL+s.config.Retention)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return OTPIssued, wrapRedis(err)
		}
		return status, nil
	}
	return OTPIssued, ErrContention
}

// Discard deletes the record for (email, purpose) if it still holds digest.
// It undoes an [OTPStore.Issue] whose code could not be delivered.
func (s *OTPStore) Discard(ctx context.Context, email, purpose string, digest vault.Digest) error {
	key := s.key(email, purpose)
	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			rec, found, err := readOTP(ctx, tx, key)
			if err != nil || !found || !vault.Equal(rec.digest, digest) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return wrapRedis(err)
		}
		return nil
	}
	return ErrContention
}

// Verify checks digest against the record for (email, purpose). Attempts are
// counted in the same transaction as the comparison. With markConsumed a
// matching record is consumed; otherwise it stays usable.
func (s *OTPStore) Verify(ctx context.Context, email, purpose string, digest vault.Digest, markConsumed bool) (OTPVerifyResult, error) {
	key := s.key(email, purpose)

	for i := 0; i < maxTxRetries; i++ {
		var result OTPVerifyResult
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			now := s.now()
			rec, found, err := readOTP(ctx, tx, key)
			if err != nil {
				return err
			}
			if !found || rec.consumed {
				result = OTPVerifyResult{Status: OTPInvalid}
				return nil
			}

			var apply func(redis.Pipeliner)
			switch {
			case rec.expiresAt <= now.UnixMilli():
				result = OTPVerifyResult{Status: OTPExpired}
				apply = func(pipe redis.Pipeliner) { pipe.Del(ctx, key) }
			case rec.attempts >= s.config.MaxAttempts:
				result = OTPVerifyResult{Status: OTPExhausted}
				apply = func(pipe redis.Pipeliner) { pipe.Del(ctx, key) }
			case !vault.Equal(rec.digest, digest):
				result = OTPVerifyResult{Status: OTPMismatch, Remaining: s.config.MaxAttempts - rec.attempts - 1}
				apply = func(pipe redis.Pipeliner) { pipe.HIncrBy(ctx, key, "attempts", 1) }
			case markConsumed:
				result = OTPVerifyResult{Status: OTPValid}
				apply = func(pipe redis.Pipeliner) {
					pipe.HSet(ctx, key, "consumed", 1, "consumed_at", now.UnixMilli())
					pipe.PExpire(ctx, key, s.config.Retention)
				}
			default:
				result = OTPVerifyResult{Status: OTPValid}
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				apply(pipe)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return OTPVerifyResult{}, wrapRedis(err)
		}
		return result, nil
	}
	return OTPVerifyResult{}, ErrContention
}

func (s *OTPStore) live(rec otpRecord, now time.Time) bool {
	return !rec.consumed && rec.expiresAt > now.UnixMilli() && rec.attempts < s.config.MaxAttempts
}

func readOTP(ctx context.Context, tx *redis.Tx, key string) (otpRecord, bool, error) {
	fields, err := tx.HGetAll(ctx, key).Result()
	if err != nil {
		return otpRecord{}, false, err
	}
	if len(fields) == 0 {
		return otpRecord{}, false, nil
	}

	digest, err := vault.ParseDigest(fields["digest"])
	if err != nil {
		return otpRecord{}, false, ErrRecordCorrupt
	}
	rec := otpRecord{digest: digest, consumed: fields["consumed"] == "1"}
	for name, dst := range map[string]*int64{
		"issued_at":  &rec.issuedAt,
		"expires_at": &rec.expiresAt,
	} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return otpRecord{}, false, ErrRecordCorrupt
		}
		*dst = v
	}
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return otpRecord{}, false, ErrRecordCorrupt
	}
	rec.attempts = attempts
	if v, ok := fields["consumed_at"]; ok {
		rec.consumedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return rec, true, nil
}

func wrapRedis(err error) error {
	if errors.Is(err, ErrRecordCorrupt) || errors.Is(err, ErrContention) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
}
