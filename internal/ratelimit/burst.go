package ratelimit

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// BurstLimiter is an in-process token bucket per key, used in front of the
// HTTP surface. Idle buckets are evicted after ttl.
type BurstLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *lru.LRU[string, *rate.Limiter]
}

func NewBurstLimiter(r float64, burst, size int, ttl time.Duration) *BurstLimiter {
	if size <= 0 {
		size = 65536
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &BurstLimiter{
		limit:    rate.Limit(r),
		burst:    burst,
		limiters: lru.NewLRU[string, *rate.Limiter](size, nil, ttl),
	}
}

// Allow reports whether key may proceed at now. A non-positive rate disables the limiter.
func (b *BurstLimiter) Allow(key string, now time.Time) bool {
	if b.limit <= 0 {
		return true
	}
	return b.get(key).AllowN(now, 1)
}

func (b *BurstLimiter) get(key string) *rate.Limiter {
	if l, ok := b.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(b.limit, b.burst)
	b.limiters.Add(key, l)
	return l
}
