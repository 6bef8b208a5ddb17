// Package ratelimit throttles login attempts. Failures are counted per
// email|ip pair in Redis; once the limit is hit the pair is locked out until
// the window expires. Keeping the counters in Redis means the lockout
// survives restarts and is shared across instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	client      *redis.Client
	maxAttempts int
	window      time.Duration
}

func New(client *redis.Client, maxAttempts int, window time.Duration) *Limiter {
	return &Limiter{client: client, maxAttempts: maxAttempts, window: window}
}

func (l *Limiter) key(email, ip string) string {
	return "loginfail:" + email + "|" + ip
}

// Locked reports whether the email|ip pair is currently locked out, and if
// so, how long until the lockout lifts.
func (l *Limiter) Locked(ctx context.Context, email, ip string) (bool, time.Duration, error) {
	key := l.key(email, ip)
	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("read attempt count: %w", err)
	}
	if count < l.maxAttempts {
		return false, 0, nil
	}
	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read lockout ttl: %w", err)
	}
	if ttl < 0 {
		ttl = l.window
	}
	return true, ttl, nil
}

// RecordFailure counts a failed attempt. The window starts at the first
// failure; later failures inside the window do not extend it.
func (l *Limiter) RecordFailure(ctx context.Context, email, ip string) error {
	key := l.key(email, ip)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("count attempt: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("set attempt window: %w", err)
		}
	}
	return nil
}

// Clear resets the counter after a successful login.
func (l *Limiter) Clear(ctx context.Context, email, ip string) error {
	if err := l.client.Del(ctx, l.key(email, ip)).Err(); err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	return nil
}
