package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// RateLimiter implements domain.RateLimiter with one token bucket per key.
// A bucket refills limit tokens per window and bursts up to limit.
type RateLimiter struct {
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter tracks at most size keys; idle buckets expire after ttl.
func NewRateLimiter(size int, ttl time.Duration) *RateLimiter {
	return &RateLimiter{buckets: expirable.NewLRU[string, *rate.Limiter](size, nil, ttl)}
}

// Allow consumes one token for key and reports whether it was available.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, fmt.Errorf("memory: rate limit %d per %s", limit, window)
	}
	bucketKey := fmt.Sprintf("%s|%d|%d", key, limit, window)
	lim, ok := rl.buckets.Get(bucketKey)
	if !ok {
		lim = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		rl.buckets.Add(bucketKey, lim)
	}
	return lim.Allow(), nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
