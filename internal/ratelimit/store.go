// Package ratelimit admits or rejects inbound requests with a fixed-window
// counter kept in Redis.
//
// The window starts at the first hit and its expiry is never extended by
// later hits, so a client can land up to twice the limit across a window
// boundary. That burst property is kept on purpose.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"artbeat/internal/kv"
)

// incrScript increments the counter and arms the expiry only when this
// increment opened the window.
var incrScript = redis.NewScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
if n == tonumber(ARGV[1]) then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

var decrScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n <= 0 then
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// Hits is the state of one key's window.
type Hits struct {
	Count   int64
	ResetAt time.Time
}

type Store struct {
	rdb    redis.UniversalClient
	window time.Duration
	now    func() time.Time
}

func NewStore(rdb redis.UniversalClient, window time.Duration) *Store {
	if window <= 0 {
		window = time.Minute
	}
	return &Store{rdb: rdb, window: window, now: time.Now}
}

func (s *Store) Window() time.Duration {
	return s.window
}

// Increment counts one hit for key and returns the running count.
func (s *Store) Increment(ctx context.Context, key string) (Hits, error) {
	return s.incrementBy(ctx, key, 1)
}

func (s *Store) incrementBy(ctx context.Context, key string, count int64) (Hits, error) {
	res, err := incrScript.Run(ctx, s.rdb, []string{kv.RateLimitKey(key)}, count, s.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Hits{}, fmt.Errorf("failed to increment rate limit key %s: %w", key, err)
	}
	return Hits{Count: res[0], ResetAt: s.resetAt(res[1])}, nil
}

// Decrement gives a slot back. The counter never drops below zero.
func (s *Store) Decrement(ctx context.Context, key string) error {
	if err := decrScript.Run(ctx, s.rdb, []string{kv.RateLimitKey(key)}).Err(); err != nil {
		return fmt.Errorf("failed to decrement rate limit key %s: %w", key, err)
	}
	return nil
}

// ResetKey clears the window for key.
func (s *Store) ResetKey(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, kv.RateLimitKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit key %s: %w", key, err)
	}
	return nil
}

// Peek reads the window without counting a hit.
func (s *Store) Peek(ctx context.Context, key string) (Hits, error) {
	pipe := s.rdb.Pipeline()
	get := pipe.Get(ctx, kv.RateLimitKey(key))
	ttl := pipe.PTTL(ctx, kv.RateLimitKey(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Hits{}, fmt.Errorf("failed to read rate limit key %s: %w", key, err)
	}

	count, err := get.Int64()
	if err == redis.Nil {
		return Hits{ResetAt: s.now().Add(s.window)}, nil
	}
	if err != nil {
		return Hits{}, fmt.Errorf("failed to parse rate limit key %s: %w", key, err)
	}
	remaining := ttl.Val()
	if remaining < 0 {
		return Hits{Count: count, ResetAt: s.resetAt(-1)}, nil
	}
	return Hits{Count: count, ResetAt: s.resetAt(remaining.Milliseconds())}, nil
}

func (s *Store) resetAt(ttlMillis int64) time.Time {
	if ttlMillis < 0 {
		return s.now().Add(s.window)
	}
	return s.now().Add(time.Duration(ttlMillis) * time.Millisecond)
}
