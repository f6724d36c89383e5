package httpapi

import (
	"math"
	"sync"
	"time"
)

// idleAfter is how long a caller may go unseen before cleanup forgets it.
const idleAfter = 5 * time.Minute

// tokenBucket is one caller's allowance.
type tokenBucket struct {
	tokens float64
	seen   time.Time
}

// RateLimiter is a per-caller token bucket: each caller may spend up to
// burst requests at once, refilled at rate per second.
type RateLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	callers map[string]*tokenBucket
}

// NewRateLimiter allows rate requests per second per caller. burst <= 0
// means twice the rate. The burst is never below one request, so every
// positive rate eventually admits a caller again.
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if burst <= 0 {
		burst = 2 * rate
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:    rate,
		burst:   burst,
		now:     time.Now,
		callers: make(map[string]*tokenBucket),
	}
}

// Allow spends one token for caller. When none is available it returns
// false and how long until one will be.
func (r *RateLimiter) Allow(caller string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.callers[caller]
	if !ok {
		b = &tokenBucket{tokens: r.burst, seen: now}
		r.callers[caller] = b
	}
	b.tokens = math.Min(r.burst, b.tokens+now.Sub(b.seen).Seconds()*r.rate)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	missing := 1 - b.tokens
	return false, time.Duration(math.Ceil(missing / r.rate * float64(time.Second)))
}

// CleanupLoop forgets idle callers every interval until done is closed.
func (r *RateLimiter) CleanupLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-idleAfter)
	for caller, b := range r.callers {
		if b.seen.Before(cutoff) {
			delete(r.callers, caller)
		}
	}
}
