package stores

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/internal/vault"
	"github.com/redis/go-redis/v9"
)

// TokenStatus is the outcome of validating or consuming a single-use token.
type TokenStatus uint8

const (
	TokenValid TokenStatus = iota
	TokenInvalid
	TokenUsed
	TokenExpired
)

// TokenRecord is the stored half of a single-use token. The plaintext is
// never persisted.
type TokenRecord struct {
	Digest     vault.Digest
	IdentityID string
	Purpose    string
	Consumed   bool
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

const (
	claimTokenScript = `
local f = redis.call("HMGET", KEYS[1], "purpose", "consumed", "expires_at", "identity", "issued_at")
if not f[1] or f[1] ~= ARGV[1] then
  return {1}
end
if f[2] == "1" then
  return {2}
end
if tonumber(f[3]) <= tonumber(ARGV[2]) then
  return {3}
end
redis.call("HSET", KEYS[1], "consumed", "1", "consumed_at", ARGV[2])
return {0, f[4], f[5], f[3]}
`
	releaseTokenScript = `
if redis.call("HGET", KEYS[1], "consumed") == "1" then
  redis.call("HSET", KEYS[1], "consumed", "0")
  redis.call("HDEL", KEYS[1], "consumed_at")
  return 1
end
return 0
`
	insertTokenScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "identity", ARGV[1], "purpose", ARGV[2], "consumed", "0", "issued_at", ARGV[3], "expires_at", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
local previous = redis.call("GET", KEYS[2])
if previous and previous ~= ARGV[6] then
  redis.call("DEL", ARGV[7] .. previous)
end
redis.call("SET", KEYS[2], ARGV[6], "PX", ARGV[5])
return 1
`
	finishTokenScript = `
redis.call("PEXPIRE", KEYS[1], ARGV[2])
if redis.call("GET", KEYS[2]) == ARGV[1] then
  redis.call("DEL", KEYS[2])
end
return 1
`
)

var (
	claimTokenLua   = redis.NewScript(claimTokenScript)
	releaseTokenLua = redis.NewScript(releaseTokenScript)
	insertTokenLua  = redis.NewScript(insertTokenScript)
	finishTokenLua  = redis.NewScript(finishTokenScript)
)

// TokenStore persists password-reset and email-verification token digests.
// Each (purpose, identity) has at most one outstanding token: inserting a new
// one deletes the record it supersedes.
type TokenStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewTokenStore creates a [TokenStore]. Records outlive their expiry by
// retention so an expired token is reported as expired rather than unknown.
func NewTokenStore(redisClient redis.UniversalClient, prefix string, retention time.Duration) *TokenStore {
	if prefix == "" {
		prefix = "ac"
	}
	return &TokenStore{
		redis:     redisClient,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}
}

// SetClock replaces the store's time source.
func (s *TokenStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *TokenStore) recordPrefix() string {
	return s.prefix + ":tok:"
}

func (s *TokenStore) key(digest vault.Digest) string {
	return s.recordPrefix() + digest.Hex()
}

func (s *TokenStore) indexKey(purpose, identityID string) string {
	return s.prefix + ":toki:" + purpose + ":" + identityID
}

// Insert stores a new token record unless its digest is already present, in
// which case it returns false and the caller must draw a new token.
func (s *TokenStore) Insert(ctx context.Context, digest vault.Digest, identityID, purpose string, validity time.Duration) (bool, error) {
	now := s.now()
	keep := validity + s.retention
	res, err := insertTokenLua.Run(ctx, s.redis,
		[]string{s.key(digest), s.indexKey(purpose, identityID)},
		identityID, purpose, now.UnixMilli(), now.Add(validity).UnixMilli(), keep.Milliseconds(),
		digest.Hex(), s.recordPrefix(),
	).Int64()
	if err != nil {
		return false, wrapRedis(err)
	}
	return res == 1, nil
}

// Validate reports the state of the token with the given digest without
// changing it.
func (s *TokenStore) Validate(ctx context.Context, digest vault.Digest, purpose string) (TokenRecord, TokenStatus, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(digest)).Result()
	if err != nil {
		return TokenRecord{}, TokenInvalid, wrapRedis(err)
	}
	if len(fields) == 0 || fields["purpose"] != purpose {
		return TokenRecord{}, TokenInvalid, nil
	}
	rec, err := decodeToken(digest, fields)
	if err != nil {
		return TokenRecord{}, TokenInvalid, err
	}
	switch {
	case rec.Consumed:
		return rec, TokenUsed, nil
	case !rec.ExpiresAt.After(s.now()):
		return rec, TokenExpired, nil
	default:
		return rec, TokenValid, nil
	}
}

// Consume claims the token and runs apply while holding the claim. If apply
// fails the claim is released and its error returned, so the token stays
// usable and the change is never half applied. Concurrent callers observe
// [TokenUsed] while a claim is held.
func (s *TokenStore) Consume(ctx context.Context, digest vault.Digest, purpose string, apply func(context.Context, TokenRecord) error) (TokenRecord, TokenStatus, error) {
	key := s.key(digest)
	res, err := claimTokenLua.Run(ctx, s.redis, []string{key}, purpose, s.now().UnixMilli()).Slice()
	if err != nil {
		return TokenRecord{}, TokenInvalid, wrapRedis(err)
	}
	code, _ := res[0].(int64)
	switch code {
	case 1:
		return TokenRecord{}, TokenInvalid, nil
	case 2:
		return TokenRecord{}, TokenUsed, nil
	case 3:
		return TokenRecord{}, TokenExpired, nil
	}
	if len(res) != 4 {
		return TokenRecord{}, TokenInvalid, ErrRecordCorrupt
	}

	rec := TokenRecord{Digest: digest, Purpose: purpose, Consumed: true}
	rec.IdentityID, _ = res[1].(string)
	issued, _ := strconv.ParseInt(asString(res[2]), 10, 64)
	expires, _ := strconv.ParseInt(asString(res[3]), 10, 64)
	rec.IssuedAt = time.UnixMilli(issued)
	rec.ExpiresAt = time.UnixMilli(expires)

	if err := apply(ctx, rec); err != nil {
		// Release even when ctx was cancelled by the side effect.
		if relErr := releaseTokenLua.Run(context.WithoutCancel(ctx), s.redis, []string{key}).Err(); relErr != nil {
			return rec, TokenInvalid, errors.Join(err, wrapRedis(relErr))
		}
		return rec, TokenInvalid, err
	}

	if err := finishTokenLua.Run(ctx, s.redis,
		[]string{key, s.indexKey(purpose, rec.IdentityID)},
		digest.Hex(), s.retention.Milliseconds(),
	).Err(); err != nil {
		return rec, TokenValid, wrapRedis(err)
	}
	return rec, TokenValid, nil
}

func decodeToken(digest vault.Digest, fields map[string]string) (TokenRecord, error) {
	issued, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return TokenRecord{}, ErrRecordCorrupt
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return TokenRecord{}, ErrRecordCorrupt
	}
	return TokenRecord{
		Digest:     digest,
		IdentityID: fields["identity"],
		Purpose:    fields["purpose"],
		Consumed:   fields["consumed"] == "1",
		IssuedAt:   time.UnixMilli(issued),
		ExpiresAt:  time.UnixMilli(expires),
	}, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
