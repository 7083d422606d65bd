package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/seawall/seawall/internal/redis"
)

// consumeScript redeems a token hash atomically.
// KEYS[1] token hash, KEYS[2] active index.
// ARGV[1] now in unix ms, ARGV[2] token.
// Returns {0} unknown, {1} used, {2} expired, or
// {3, purpose, created_at_ms, expires_at_ms}.
var consumeScript = goredis.NewScript(`
local r = redis.call('HMGET', KEYS[1], 'expires_at', 'consumed', 'purpose', 'created_at')
if not r[1] then
  return {0}
end
if tonumber(r[1]) <= tonumber(ARGV[1]) then
  return {2}
end
if r[2] == '1' then
  return {1}
end
redis.call('HSET', KEYS[1], 'consumed', '1')
redis.call('ZREM', KEYS[2], ARGV[2])
return {3, r[3], r[4], r[1]}
`)

// RedisStore shares magic-link records between replicas. Each token is a
// hash expiring RetentionGrace after the token does; a sorted set scored by
// expiry tracks the active tokens. All keys share one hash tag so the
// consume script stays on a single cluster slot.
type RedisStore struct {
	client redis.Client
	prefix string
}

// NewRedisStore creates a store writing keys under prefix.
func NewRedisStore(client redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "{links}:"}
}

func (s *RedisStore) tokenKey(token string) string { return s.prefix + "t:" + token }
func (s *RedisStore) indexKey() string             { return s.prefix + "active" }

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	key := s.tokenKey(rec.Token)
	exp := rec.ExpiresAt.UnixMilli()
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key,
			"purpose", rec.Purpose,
			"created_at", rec.CreatedAt.UnixMilli(),
			"expires_at", exp,
			"consumed", "0",
		)
		p.PExpire(ctx, key, rec.ExpiresAt.Sub(rec.CreatedAt)+RetentionGrace)
		p.ZAdd(ctx, s.indexKey(), goredis.Z{Score: float64(exp), Member: rec.Token})
		return nil
	})
	return s.wrap(err)
}

// Consume implements Store.
func (s *RedisStore) Consume(ctx context.Context, token string, now time.Time) (Record, error) {
	res, err := consumeScript.Run(ctx, s.client,
		[]string{s.tokenKey(token), s.indexKey()},
		now.UnixMilli(), token,
	).Slice()
	if err != nil {
		return Record{}, s.wrap(err)
	}
	if len(res) == 0 {
		return Record{}, s.wrap(errors.New("empty script reply"))
	}

	code, _ := res[0].(int64)
	switch code {
	case 0:
		return Record{}, ErrTokenNotFound
	case 1:
		return Record{}, ErrTokenConsumed
	case 2:
		return Record{}, ErrLinkExpired
	}
	if len(res) != 4 {
		return Record{}, s.wrap(fmt.Errorf("unexpected script reply %v", res))
	}

	purpose, _ := res[1].(string)
	created, err := parseMillis(res[2])
	if err != nil {
		return Record{}, s.wrap(err)
	}
	expires, err := parseMillis(res[3])
	if err != nil {
		return Record{}, s.wrap(err)
	}
	return Record{Token: token, Purpose: purpose, CreatedAt: created, ExpiresAt: expires}, nil
}

// Cleanup implements Store. Token hashes expire on their own; this only
// trims expired members from the active index.
func (s *RedisStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	n, err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, s.wrap(err)
	}
	return int(n), nil
}

// Active implements Store.
func (s *RedisStore) Active(ctx context.Context, now time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.indexKey(), "("+strconv.FormatInt(now.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, s.wrap(err)
	}
	return int(n), nil
}

// wrap marks every backend failure as ErrStoreUnavailable so callers never
// mistake it for a bad token.
func (s *RedisStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	if redis.IsConnectivityErr(err) || errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("%w: unreachable: %w", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func parseMillis(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("magic link: unexpected timestamp %v", v)
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("magic link: %w", err)
	}
	return time.UnixMilli(ms), nil
}
