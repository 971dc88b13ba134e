package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-issuance-engine/internal/rateLimit"
)

// RateLimitStore keeps rate limit windows in Redis so every replica shares one budget.
// INCR serializes calls per key; the window is the key's TTL.
type RateLimitStore struct {
	client    *redis.Client
	namespace string
}

func NewRateLimitStore(client *redis.Client, namespace string) *RateLimitStore {
	return &RateLimitStore{client: client, namespace: "rl:" + namespace + ":"}
}

func (s *RateLimitStore) fullKey(key string) string {
	return s.namespace + key
}

func (s *RateLimitStore) Get(ctx context.Context, key string, window time.Duration, now time.Time) (rateLimit.Window, error) {
	k := s.fullKey(key)
	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return rateLimit.Window{}, errors.Wrap(err, "read rate limit window")
	}

	count, err := get.Int()
	if errors.Is(err, redis.Nil) {
		return rateLimit.Window{Start: now, ResetAt: now.Add(window)}, nil
	}
	if err != nil {
		return rateLimit.Window{}, errors.Wrap(err, "parse rate limit count")
	}
	return windowFrom(count, ttl.Val(), window, now), nil
}

func (s *RateLimitStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (rateLimit.Window, error) {
	k := s.fullKey(key)
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return rateLimit.Window{}, errors.Wrap(err, "increment rate limit window")
	}

	remaining := ttl.Val()
	if remaining < 0 {
		// first hit of a new window, or a key that lost its expiry
		if err := s.client.PExpire(ctx, k, window).Err(); err != nil {
			return rateLimit.Window{}, errors.Wrap(err, "expire rate limit window")
		}
		remaining = window
	}
	return windowFrom(int(incr.Val()), remaining, window, now), nil
}

func windowFrom(count int, ttl, window time.Duration, now time.Time) rateLimit.Window {
	if ttl < 0 {
		ttl = window
	}
	resetAt := now.Add(ttl)
	return rateLimit.Window{Count: count, Start: resetAt.Add(-window), ResetAt: resetAt}
}

func (s *RateLimitStore) Reset(ctx context.Context, key string) error {
	return errors.Wrap(s.client.Del(ctx, s.fullKey(key)).Err(), "reset rate limit window")
}

func (s *RateLimitStore) Clear(ctx context.Context) error {
	keys, err := s.keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return errors.Wrap(s.client.Del(ctx, keys...).Err(), "clear rate limit windows")
}

// Sweep only counts keys; Redis expires windows on its own.
func (s *RateLimitStore) Sweep(ctx context.Context, _ time.Time) (int, error) {
	keys, err := s.keys(ctx)
	return len(keys), err
}

// Count reports namespaced keys; every key Redis still holds has a live window.
func (s *RateLimitStore) Count(ctx context.Context, _ time.Time) (int, error) {
	keys, err := s.keys(ctx)
	return len(keys), err
}

func (s *RateLimitStore) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.namespace+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan rate limit windows")
	}
	return keys, nil
}
