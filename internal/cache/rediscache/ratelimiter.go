package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// RateLimiter is a fixed-window counter.
type RateLimiter struct {
	cache *RedisCache
}

func NewRateLimiter(cache *RedisCache) *RateLimiter {
	return &RateLimiter{cache: cache}
}

// Allow increments key and sets its TTL in one transaction.
// Returns (allowed, currentCount).
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.cache.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}

// AllowOTP limits verification attempts per order and OTP type.
func (rl *RateLimiter) AllowOTP(ctx context.Context, orderID, otpType string, perMinute int64) (bool, error) {
	if perMinute <= 0 {
		return true, nil
	}
	ok, _, err := rl.Allow(ctx, "otp:"+orderID+":"+otpType, perMinute, time.Minute)
	return ok, err
}
