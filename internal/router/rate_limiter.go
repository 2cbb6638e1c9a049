package router

import (
	"sync"
	"time"

	"github.com/bsm/ratelimit"
)

// RateLimiter throttles outbound publishes per topic.
type RateLimiter struct {
	mu       sync.Mutex
	rate     int
	per      time.Duration
	limiters map[string]*ratelimit.RateLimiter
}

// NewRateLimiter allows rate publishes per topic in every per window.
// A non-positive rate disables limiting.
func NewRateLimiter(rate int, per time.Duration) *RateLimiter {
	return &RateLimiter{
		rate:     rate,
		per:      per,
		limiters: make(map[string]*ratelimit.RateLimiter),
	}
}

// Allow reports whether a publish to topic may proceed now.
func (rl *RateLimiter) Allow(topic string) bool {
	if rl.rate <= 0 {
		return true
	}

	rl.mu.Lock()
	limiter, exists := rl.limiters[topic]
	if !exists {
		limiter = ratelimit.New(rl.rate, rl.per)
		rl.limiters[topic] = limiter
	}
	rl.mu.Unlock()

	return !limiter.Limit()
}

// Forget drops the state kept for topic.
func (rl *RateLimiter) Forget(topic string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, topic)
}
