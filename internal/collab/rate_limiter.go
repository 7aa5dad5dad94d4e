package collab

import (
	"sync"
	"time"

	"github.com/syncode/syncode/internal/domain"
)

// RateLimiter is a sliding-window event limiter keyed by connection id.
// Edits arrive per keystroke as full buffer snapshots, so the window has
// to be generous.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ConnID][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[domain.ConnID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(conn domain.ConnID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[conn]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[conn] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[conn] = fresh
	return true
}

// Forget drops a connection's history on teardown so the map does not
// grow with dead connections.
func (rl *RateLimiter) Forget(conn domain.ConnID) {
	rl.mu.Lock()
	delete(rl.history, conn)
	rl.mu.Unlock()
}
