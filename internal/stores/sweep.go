package stores

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS: record. ARGV: now ms, retention ms.
const sweepRecordScript = `
local f = redis.call("HMGET", KEYS[1], "consumed", "consumed_at", "expires_at")
if not f[3] then
  return 0
end
local now = tonumber(ARGV[1])
local keep = tonumber(ARGV[2])
if (f[1] == "1" and tonumber(f[2] or "0") + keep <= now) or tonumber(f[3]) + keep <= now then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`

// KEYS: index. ARGV: record prefix.
const sweepIndexScript = `
local digest = redis.call("GET", KEYS[1])
if not digest then
  return 0
end
if redis.call("EXISTS", ARGV[1] .. digest) == 0 then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`

var (
	sweepRecordLua = redis.NewScript(sweepRecordScript)
	sweepIndexLua  = redis.NewScript(sweepIndexScript)
)

// SweepStats counts the work done by one [Sweeper.Sweep].
type SweepStats struct {
	Scanned      int
	OTPDeleted   int
	TokenDeleted int
	IndexPruned  int
}

// Sweeper removes one-time code and single-use token records that are past
// their retention window, and token indexes pointing at nothing. Every delete
// re-checks its condition inside Redis, so it is safe next to live traffic.
type Sweeper struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
	batch     int64
	now       func() time.Time
}

// NewSweeper creates a [Sweeper] over the same prefix as the OTP and token
// stores.
func NewSweeper(redisClient redis.UniversalClient, prefix string, retention time.Duration, batch int) *Sweeper {
	if prefix == "" {
		prefix = "ac"
	}
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{
		redis:     redisClient,
		prefix:    prefix,
		retention: retention,
		batch:     int64(batch),
		now:       time.Now,
	}
}

// SetClock replaces the sweeper's time source.
func (s *Sweeper) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Sweep makes one full SCAN pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	nowMs := s.now().UnixMilli()
	keep := s.retention.Milliseconds()

	err := s.scan(ctx, s.prefix+":otp:*", func(key string) error {
		stats.Scanned++
		n, err := sweepRecordLua.Run(ctx, s.redis, []string{key}, nowMs, keep).Int64()
		stats.OTPDeleted += int(n)
		return err
	})
	if err != nil {
		return stats, err
	}

	err = s.scan(ctx, s.prefix+":tok:*", func(key string) error {
		stats.Scanned++
		n, err := sweepRecordLua.Run(ctx, s.redis, []string{key}, nowMs, keep).Int64()
		stats.TokenDeleted += int(n)
		return err
	})
	if err != nil {
		return stats, err
	}

	err = s.scan(ctx, s.prefix+":toki:*", func(key string) error {
		stats.Scanned++
		n, err := sweepIndexLua.Run(ctx, s.redis, []string{key}, s.prefix+":tok:").Int64()
		stats.IndexPruned += int(n)
		return err
	})
	return stats, err
}

func (s *Sweeper) scan(ctx context.Context, pattern string, fn func(string) error) error {
	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, s.batch).Result()
		if err != nil {
			return wrapRedis(err)
		}
		for _, key := range keys {
			if err := fn(key); err != nil && !errors.Is(err, redis.Nil) {
				return wrapRedis(err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
