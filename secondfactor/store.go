package secondfactor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/internal/vault"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps backend failures of [RedisStore].
var ErrRedisUnavailable = errors.New("second factor redis unavailable")

// Store persists enrollments. Secrets are base32 TOTP shared secrets and
// must be retrievable; backup codes are kept only as digests.
type Store interface {
	SavePending(ctx context.Context, identityID, secret string, ttl time.Duration) error
	Pending(ctx context.Context, identityID string) (string, error)
	Activate(ctx context.Context, identityID, secret string, counter int64, backup []vault.Digest) error
	Enrolled(ctx context.Context, identityID string) (bool, error)
	Secret(ctx context.Context, identityID string) (string, error)
	// AdvanceCounter records counter as the last used time step and reports
	// false if it is not newer than the stored one.
	AdvanceCounter(ctx context.Context, identityID string, counter int64) (bool, error)
	ConsumeBackupCode(ctx context.Context, identityID string, digest vault.Digest) (bool, error)
	ReplaceBackupCodes(ctx context.Context, identityID string, backup []vault.Digest) error
	BackupCodesRemaining(ctx context.Context, identityID string) (int, error)
	Remove(ctx context.Context, identityID string) error
}

const advanceCounterScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local last = tonumber(redis.call("HGET", KEYS[1], "last_counter") or "-1")
local candidate = tonumber(ARGV[1])
if candidate <= last then
  return 0
end
redis.call("HSET", KEYS[1], "last_counter", ARGV[1])
return 1
`

var advanceCounterLua = redis.NewScript(advanceCounterScript)

// RedisStore is the Redis implementation of [Store].
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a [RedisStore] under prefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ac"
	}
	return &RedisStore{redis: rdb, prefix: prefix}
}

func (s *RedisStore) secretKey(id string) string  { return s.prefix + ":2fa:secret:" + id }
func (s *RedisStore) pendingKey(id string) string { return s.prefix + ":2fa:pending:" + id }
func (s *RedisStore) backupKey(id string) string  { return s.prefix + ":2fa:backup:" + id }

func (s *RedisStore) SavePending(ctx context.Context, identityID, secret string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.pendingKey(identityID), secret, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Pending(ctx context.Context, identityID string) (string, error) {
	secret, err := s.redis.Get(ctx, s.pendingKey(identityID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotEnrolled
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return secret, nil
}

func (s *RedisStore) Activate(ctx context.Context, identityID, secret string, counter int64, backup []vault.Digest) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.secretKey(identityID), s.backupKey(identityID), s.pendingKey(identityID))
		pipe.HSet(ctx, s.secretKey(identityID), "secret", secret, "last_counter", strconv.FormatInt(counter, 10))
		if len(backup) > 0 {
			pipe.SAdd(ctx, s.backupKey(identityID), digestMembers(backup)...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Enrolled(ctx context.Context, identityID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.secretKey(identityID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Secret(ctx context.Context, identityID string) (string, error) {
	secret, err := s.redis.HGet(ctx, s.secretKey(identityID), "secret").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotEnrolled
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return secret, nil
}

func (s *RedisStore) AdvanceCounter(ctx context.Context, identityID string, counter int64) (bool, error) {
	res, err := advanceCounterLua.Run(ctx, s.redis, []string{s.secretKey(identityID)}, counter).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if res < 0 {
		return false, ErrNotEnrolled
	}
	return res == 1, nil
}

func (s *RedisStore) ConsumeBackupCode(ctx context.Context, identityID string, digest vault.Digest) (bool, error) {
	n, err := s.redis.SRem(ctx, s.backupKey(identityID), digest.Hex()).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n == 1, nil
}

func (s *RedisStore) ReplaceBackupCodes(ctx context.Context, identityID string, backup []vault.Digest) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.backupKey(identityID))
		if len(backup) > 0 {
			pipe.SAdd(ctx, s.backupKey(identityID), digestMembers(backup)...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisStore) BackupCodesRemaining(ctx context.Context, identityID string) (int, error) {
	n, err := s.redis.SCard(ctx, s.backupKey(identityID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(n), nil
}

func (s *RedisStore) Remove(ctx context.Context, identityID string) error {
	if err := s.redis.Del(ctx, s.secretKey(identityID), s.backupKey(identityID), s.pendingKey(identityID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func digestMembers(ds []vault.Digest) []any {
	members := make([]any, len(ds))
	for i, d := range ds {
		members[i] = d.Hex()
	}
	return members
}
