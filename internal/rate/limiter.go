package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds limiter budgets. A zero budget disables that limiter.
type Config struct {
	MaxFailedLogins         int
	FailedLoginWindow       time.Duration
	MaxSecondFactorFailures int
	SecondFactorWindow      time.Duration
	MaxTokenRequests        int
	TokenRequestWindow      time.Duration
	MaxRefreshAttempts      int
	RefreshWindow           time.Duration
}

// Limiter keeps fixed-window Redis counters for failed password logins,
// failed second-factor codes, reset or verification requests and refreshes
// per session. Subjects are opaque strings chosen by the caller.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string, cfg Config) *Limiter {
	if prefix == "" {
		prefix = "ac"
	}
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		config: cfg,
	}
}

func (l *Limiter) loginKey(subject string) string {
	return l.prefix + ":rl:login:" + subject
}

func (l *Limiter) secondFactorKey(identityID string) string {
	return l.prefix + ":rl:2fa:" + identityID
}

func (l *Limiter) requestKey(purpose, identityID string) string {
	return l.prefix + ":rl:req:" + purpose + ":" + identityID
}

func (l *Limiter) refreshKey(sessionID string) string {
	return l.prefix + ":rl:refresh:" + sessionID
}

// CheckLogin returns [ErrRateLimited] once the failed-login budget for
// subject is spent.
func (l *Limiter) CheckLogin(ctx context.Context, subject string) error {
	return l.checkCounter(ctx, l.loginKey(subject), l.config.MaxFailedLogins)
}

// IncrementLogin records a failed login for subject.
func (l *Limiter) IncrementLogin(ctx context.Context, subject string) error {
	if l.config.MaxFailedLogins <= 0 {
		return nil
	}
	_, err := l.incrementWithTTL(ctx, l.loginKey(subject), l.config.FailedLoginWindow)
	return err
}

// ResetLogin clears the failed-login counter after a successful login.
func (l *Limiter) ResetLogin(ctx context.Context, subject string) error {
	if err := l.redis.Del(ctx, l.loginKey(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// CheckSecondFactor returns [ErrRateLimited] once the identity has used up
// its failed second-factor budget.
func (l *Limiter) CheckSecondFactor(ctx context.Context, identityID string) error {
	return l.checkCounter(ctx, l.secondFactorKey(identityID), l.config.MaxSecondFactorFailures)
}

// IncrementSecondFactor records a failed second-factor code.
func (l *Limiter) IncrementSecondFactor(ctx context.Context, identityID string) error {
	if l.config.MaxSecondFactorFailures <= 0 {
		return nil
	}
	_, err := l.incrementWithTTL(ctx, l.secondFactorKey(identityID), l.config.SecondFactorWindow)
	return err
}

// ResetSecondFactor clears the counter after a valid code.
func (l *Limiter) ResetSecondFactor(ctx context.Context, identityID string) error {
	if err := l.redis.Del(ctx, l.secondFactorKey(identityID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// AllowTokenRequest counts one reset or verification request and returns
// [ErrRateLimited] when it exceeds the budget.
func (l *Limiter) AllowTokenRequest(ctx context.Context, purpose, identityID string) error {
	if l.config.MaxTokenRequests <= 0 {
		return nil
	}
	count, err := l.incrementWithTTL(ctx, l.requestKey(purpose, identityID), l.config.TokenRequestWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxTokenRequests) {
		return ErrRateLimited
	}
	return nil
}

// AllowRefresh counts one refresh of sessionID and returns [ErrRateLimited]
// once the session exceeds its budget for the window.
func (l *Limiter) AllowRefresh(ctx context.Context, sessionID string) error {
	if l.config.MaxRefreshAttempts <= 0 {
		return nil
	}
	count, err := l.incrementWithTTL(ctx, l.refreshKey(sessionID), l.config.RefreshWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxRefreshAttempts) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) checkCounter(ctx context.Context, key string, maxAttempts int) error {
	if maxAttempts <= 0 {
		return nil
	}
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if count >= int64(maxAttempts) {
		return ErrRateLimited
	}

	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed window: the TTL is only set by the first hit.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
