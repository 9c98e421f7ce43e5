package webhooks

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket per endpoint. A bucket holds up to
// maxTokens and regains one token every refillPeriod.
type RateLimiter struct {
	buckets      map[string]*tokenBucket
	mutex        sync.Mutex
	maxTokens    int
	refillPeriod time.Duration
	now          func() time.Time
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows maxRequests per period for each endpoint
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	return &RateLimiter{
		buckets:      make(map[string]*tokenBucket),
		maxTokens:    maxRequests,
		refillPeriod: period / time.Duration(maxRequests),
		now:          time.Now,
	}
}

// Allow takes a token for the endpoint if one is available
func (rl *RateLimiter) Allow(endpointID string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	b := rl.bucket(endpointID)
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Remaining returns the tokens currently available to the endpoint
func (rl *RateLimiter) Remaining(endpointID string) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if _, ok := rl.buckets[endpointID]; !ok {
		return rl.maxTokens
	}
	return rl.bucket(endpointID).tokens
}

// Reset forgets the endpoint's bucket
func (rl *RateLimiter) Reset(endpointID string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.buckets, endpointID)
}

// bucket returns the refilled bucket for id. Callers hold rl.mutex.
func (rl *RateLimiter) bucket(id string) *tokenBucket {
	now := rl.now()
	b, ok := rl.buckets[id]
	if !ok {
		b = &tokenBucket{tokens: rl.maxTokens, lastRefill: now}
		rl.buckets[id] = b
		return b
	}

	if rl.refillPeriod <= 0 {
		b.tokens = rl.maxTokens
		return b
	}
	if elapsed := now.Sub(b.lastRefill); elapsed >= rl.refillPeriod {
		periods := int(elapsed / rl.refillPeriod)
		b.tokens = min(b.tokens+periods, rl.maxTokens)
		b.lastRefill = b.lastRefill.Add(time.Duration(periods) * rl.refillPeriod)
	}
	return b
}
