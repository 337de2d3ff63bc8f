package registry

import (
	"sync"
	"time"
)

// rateLimiter is a token bucket sized to a per-minute request budget.
// A zero rate means unlimited.
type rateLimiter struct {
	mu sync.Mutex

	rate       int // requests per minute
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

func newRateLimiter(perMinute int, now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	rl := &rateLimiter{rate: perMinute, now: now}
	if perMinute > 0 {
		rl.tokens = float64(perMinute)
		rl.lastRefill = now()
	}
	return rl
}

// allow consumes one token if available.
func (rl *rateLimiter) allow() bool {
	if rl.rate <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	at := rl.now()
	elapsed := at.Sub(rl.lastRefill)
	if elapsed > 0 {
		rl.tokens += elapsed.Minutes() * float64(rl.rate)
		if rl.tokens > float64(rl.rate) {
			rl.tokens = float64(rl.rate)
		}
		rl.lastRefill = at
	}

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
