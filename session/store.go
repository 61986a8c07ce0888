package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/internal/vault"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every backend failure returned by [Store].
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrSessionCorrupt is returned when a stored session hash cannot be decoded.
var ErrSessionCorrupt = errors.New("session record corrupt")

const (
	fieldIdentity   = "identity"
	fieldRefresh    = "refresh"
	fieldCreated    = "created"
	fieldAccessExp  = "access_exp"
	fieldRefreshExp = "refresh_exp"
	fieldWindow     = "window"
	fieldIP         = "ip"
	fieldUserAgent  = "ua"
)

const deleteSessionScript = `
local identity = redis.call("HGET", KEYS[1], "identity")
local refresh = redis.call("HGET", KEYS[1], "refresh")
local existed = redis.call("DEL", KEYS[1])
if refresh then
  local owner = redis.call("GET", ARGV[2] .. refresh)
  if owner == ARGV[1] then
    redis.call("DEL", ARGV[2] .. refresh)
  end
end
if identity then
  redis.call("SREM", ARGV[3] .. identity, ARGV[1])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// KEYS: session hash, old refresh index, new refresh index, tombstone
// ARGV: session id, old digest, new digest, now ms, access expiry ms, tombstone ttl ms
const rotateRefreshScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 1
end
local stored = redis.call("HGET", KEYS[1], "refresh")
local refresh_exp = tonumber(redis.call("HGET", KEYS[1], "refresh_exp") or "0")
local now = tonumber(ARGV[4])
if refresh_exp <= now then
  return 2
end
if stored ~= ARGV[2] then
  return 3
end
local remaining = refresh_exp - now
redis.call("HSET", KEYS[1], "access_exp", ARGV[5])
if ARGV[2] ~= ARGV[3] then
  redis.call("HSET", KEYS[1], "refresh", ARGV[3])
  redis.call("DEL", KEYS[2])
  redis.call("SET", KEYS[3], ARGV[1], "PX", remaining)
  local tomb = tonumber(ARGV[6])
  if tomb > remaining then
    tomb = remaining
  end
  if tomb > 0 then
    redis.call("SET", KEYS[4], ARGV[1], "PX", tomb)
  end
end
return 0
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// Store is a Redis-backed session store. Each session is a hash keyed by
// session id, with a refresh-digest index, a per-identity membership set and
// short-lived tombstones for refresh tokens that were rotated out.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace.
func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ac"
	}
	return &Store{redis: rdb, prefix: prefix, now: time.Now}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) refreshPrefix() string {
	return s.prefix + ":r:"
}

func (s *Store) tombstonePrefix() string {
	return s.prefix + ":rt:"
}

func (s *Store) identityPrefix() string {
	return s.prefix + ":u:"
}

// Save persists rec until its refresh expiry.
func (s *Store) Save(ctx context.Context, rec Record) error {
	ttl := rec.RefreshExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("session refresh expiry must be in the future")
	}
	digest := rec.RefreshDigest.Hex()
	sessionKey := s.sessionKey(rec.ID)
	identityKey := s.identityPrefix() + rec.IdentityID

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey,
			fieldIdentity, rec.IdentityID,
			fieldRefresh, digest,
			fieldCreated, rec.CreatedAt.UnixMilli(),
			fieldAccessExp, rec.AccessExpiresAt.UnixMilli(),
			fieldRefreshExp, rec.RefreshExpiresAt.UnixMilli(),
			fieldWindow, int64(rec.Window/time.Millisecond),
			fieldIP, rec.IP,
			fieldUserAgent, rec.UserAgent,
		)
		pipe.PExpire(ctx, sessionKey, ttl)
		pipe.Set(ctx, s.refreshPrefix()+digest, rec.ID, ttl)
		pipe.SAdd(ctx, identityKey, rec.ID)
		pipe.PExpire(ctx, identityKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get returns the session with the given id, or redis.Nil if it does not
// exist.
func (s *Store) Get(ctx context.Context, sessionID string) (Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return Record{}, redis.Nil
	}
	return decode(sessionID, fields)
}

// LookupRefresh finds the session owning a refresh digest. An expired
// session is deleted before [LookupExpired] is reported. A digest that was
// rotated out reports [LookupReused] together with the session id it
// belonged to.
func (s *Store) LookupRefresh(ctx context.Context, digest vault.Digest) (Record, LookupStatus, error) {
	hex := digest.Hex()
	sessionID, err := s.redis.Get(ctx, s.refreshPrefix()+hex).Result()
	if errors.Is(err, redis.Nil) {
		owner, tombErr := s.redis.Get(ctx, s.tombstonePrefix()+hex).Result()
		if errors.Is(tombErr, redis.Nil) {
			return Record{}, LookupNotFound, nil
		}
		if tombErr != nil {
			return Record{}, LookupNotFound, fmt.Errorf("%w: %v", ErrRedisUnavailable, tombErr)
		}
		return Record{ID: owner}, LookupReused, nil
	}
	if err != nil {
		return Record{}, LookupNotFound, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	rec, err := s.Get(ctx, sessionID)
	if errors.Is(err, redis.Nil) {
		return Record{}, LookupNotFound, nil
	}
	if err != nil {
		return Record{}, LookupNotFound, err
	}
	if !vault.Equal(rec.RefreshDigest, digest) {
		return Record{}, LookupNotFound, nil
	}
	if !rec.RefreshExpiresAt.After(s.now()) {
		if _, err := s.Delete(ctx, rec.ID); err != nil {
			return Record{}, LookupExpired, err
		}
		return rec, LookupExpired, nil
	}
	return rec, LookupFound, nil
}

// Rotate atomically replaces the refresh digest of a session, provided the
// stored digest still equals oldDigest, and records the new access expiry.
// Passing the same digest for old and new only extends the access expiry.
// The rotated-out digest is remembered for tombstoneTTL, capped at the
// session's remaining refresh lifetime.
func (s *Store) Rotate(ctx context.Context, sessionID string, oldDigest, newDigest vault.Digest, accessExpiresAt time.Time, tombstoneTTL time.Duration) (RotateStatus, error) {
	oldHex, newHex := oldDigest.Hex(), newDigest.Hex()
	keys := []string{
		s.sessionKey(sessionID),
		s.refreshPrefix() + oldHex,
		s.refreshPrefix() + newHex,
		s.tombstonePrefix() + oldHex,
	}
	res, err := rotateRefreshLua.Run(ctx, s.redis, keys,
		sessionID, oldHex, newHex,
		s.now().UnixMilli(), accessExpiresAt.UnixMilli(), tombstoneTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return RotateNotFound, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	switch res {
	case 0:
		return RotateOK, nil
	case 2:
		return RotateExpired, nil
	case 3:
		return RotateMismatch, nil
	default:
		return RotateNotFound, nil
	}
}

// Delete removes a session and its indexes. Deleting a missing session is
// not an error; the returned bool reports whether it existed.
func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	existed, err := deleteSessionLua.Run(ctx, s.redis,
		[]string{s.sessionKey(sessionID)},
		sessionID, s.refreshPrefix(), s.identityPrefix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return existed == 1, nil
}

// DeleteAllForIdentity removes every session of an identity and returns how
// many existed. A session created concurrently with this call may survive
// it; the caller re-checks identity status on every refresh.
func (s *Store) DeleteAllForIdentity(ctx context.Context, identityID string) (int, error) {
	identityKey := s.identityPrefix() + identityID
	ids, err := s.redis.SMembers(ctx, identityKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	deleted := 0
	for _, id := range ids {
		existed, err := s.Delete(ctx, id)
		if err != nil {
			return deleted, err
		}
		if existed {
			deleted++
		}
	}
	if err := s.redis.Del(ctx, identityKey).Err(); err != nil {
		return deleted, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return deleted, nil
}

// ActiveSessionIDs returns the ids of sessions of an identity that still
// exist, pruning stale members from the index.
func (s *Store) ActiveSessionIDs(ctx context.Context, identityID string) ([]string, error) {
	identityKey := s.identityPrefix() + identityID
	ids, err := s.redis.SMembers(ctx, identityKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, s.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	active := make([]string, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			active = append(active, ids[i])
		} else {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, identityKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return active, nil
}

// Ping reports Redis availability and round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func decode(sessionID string, fields map[string]string) (Record, error) {
	digest, err := vault.ParseDigest(fields[fieldRefresh])
	if err != nil || fields[fieldIdentity] == "" {
		return Record{}, ErrSessionCorrupt
	}
	ms := func(name string) (int64, error) {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return 0, ErrSessionCorrupt
		}
		return v, nil
	}

	created, err := ms(fieldCreated)
	if err != nil {
		return Record{}, err
	}
	accessExp, err := ms(fieldAccessExp)
	if err != nil {
		return Record{}, err
	}
	refreshExp, err := ms(fieldRefreshExp)
	if err != nil {
		return Record{}, err
	}
	window, err := ms(fieldWindow)
	if err != nil {
		return Record{}, err
	}

	return Record{
		ID:               sessionID,
		IdentityID:       fields[fieldIdentity],
		RefreshDigest:    digest,
		CreatedAt:        time.UnixMilli(created),
		AccessExpiresAt:  time.UnixMilli(accessExp),
		RefreshExpiresAt: time.UnixMilli(refreshExp),
		Window:           time.Duration(window) * time.Millisecond,
		IP:               fields[fieldIP],
		UserAgent:        fields[fieldUserAgent],
	}, nil
}
