package signal

import (
	"sync"
	"time"

	"github.com/dkeye/VoiceSFU/internal/domain"
)

// ToggleRateLimiter is a sliding window limiter per connection.
type ToggleRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ConnID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewToggleRateLimiter(limit int, interval time.Duration) *ToggleRateLimiter {
	return &ToggleRateLimiter{
		history:  make(map[domain.ConnID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *ToggleRateLimiter) Allow(id domain.ConnID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	rl.history[id] = append(fresh, now)
	return true
}

func (rl *ToggleRateLimiter) Forget(id domain.ConnID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, id)
}
