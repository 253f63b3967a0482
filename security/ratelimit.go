package security

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces one token bucket per source IP against
// ConnectionRequest packets, so a flood from one address can't starve
// the handshake path for everyone else. Idle buckets are pruned on a
// TTL so a churn of throwaway source addresses doesn't leak memory.
type RateLimiter struct {
	refill time.Duration
	rps    rate.Limit
	burst  int
	idle   time.Duration

	buckets map[string]*bucket
}

type bucket struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// NewRateLimiter returns a limiter allowing rps requests per second per
// source IP, with burst headroom, pruning entries idle longer than
// idleTTL.
func NewRateLimiter(rps float64, burst int, idleTTL time.Duration) *RateLimiter {
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    idleTTL,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether a ConnectionRequest from addr may proceed. A
// denied request must be dropped silently, never answered, to avoid
// the limiter itself becoming a reflection amplifier.
func (r *RateLimiter) Allow(addr string, now time.Time) bool {
	b, ok := r.buckets[addr]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.rps, r.burst)}
		r.buckets[addr] = b
	}
	b.lastSeenAt = now
	return b.limiter.AllowN(now, 1)
}

// Prune discards buckets that have been idle longer than idleTTL,
// returning how many were removed.
func (r *RateLimiter) Prune(now time.Time) int {
	removed := 0
	for addr, b := range r.buckets {
		if now.Sub(b.lastSeenAt) > r.idle {
			delete(r.buckets, addr)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked source addresses.
func (r *RateLimiter) Len() int { return len(r.buckets) }
