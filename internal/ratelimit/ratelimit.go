// Package ratelimit defines the interface point for per-IP and per-pod rate
// limiting. The core spec names these as configuration fields the source
// never enforced (max_connections_per_pod, max_connections_per_ip,
// rate_limit_per_ip) and explicitly treats the policy as future work. This
// package only provides the seam; NoopLimiter is wired in by default and
// RedisLimiter exists as an available-but-unused fixed-window backend for
// whoever picks a policy later.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a new unit of work (a connection, a command) from
// key should be allowed right now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NoopLimiter allows everything. This is the default: no policy is
// guessed, per the open question in the core spec.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// RedisLimiter implements a fixed-window counter over Redis. It is not
// wired into the gateway by default; it exists so a concrete policy
// (connections per IP, messages per pod) can be dropped in without writing
// a new backend.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

// NewRedisLimiter builds a RedisLimiter allowing at most limit calls to
// Allow for the same key per window.
func NewRedisLimiter(client *redis.Client, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: "cakesmtpd:ratelimit:"}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	fullKey := r.prefix + key
	count, err := r.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		r.client.Expire(ctx, fullKey, r.window)
	}
	return count <= r.limit, nil
}
