package auth

import (
	"sync"
	"time"

	"github.com/atlas-fleet/atlas/internal/clock"
)

const (
	rateLimitMax    = 100 // requests per IP within the window
	rateLimitWindow = 60 * time.Second

	// rateLimitMaxIPs bounds the tracked-IP map. When exceeded, the sweep
	// drops idle entries before new ones are admitted.
	rateLimitMaxIPs = 10_000
)

// RateLimiter is a per-IP sliding-window request limiter.
type RateLimiter struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	clk   clock.Clock
	limit int
}

// NewRateLimiter creates a limiter with the default policy.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), clk: clock.Real{}, limit: rateLimitMax}
}

// WithClock injects a test clock and returns the limiter for chaining.
func (rl *RateLimiter) WithClock(c clock.Clock) *RateLimiter {
	rl.clk = c
	return rl
}

// Allow records a request from ip and reports whether it is within the
// window limit.
func (rl *RateLimiter) Allow(ip string) bool {
	now := rl.clk.Now()
	cutoff := now.Add(-rateLimitWindow)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.hits) >= rateLimitMaxIPs {
		rl.sweepLocked(cutoff)
	}

	window := rl.hits[ip]
	// Drop hits that have slid out of the window.
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	window = window[i:]

	if len(window) >= rl.limit {
		rl.hits[ip] = window
		return false
	}
	rl.hits[ip] = append(window, now)
	return true
}

// Cleanup removes idle IPs. Run from the maintenance schedule.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweepLocked(rl.clk.Now().Add(-rateLimitWindow))
}

func (rl *RateLimiter) sweepLocked(cutoff time.Time) {
	for ip, window := range rl.hits {
		if len(window) == 0 || window[len(window)-1].Before(cutoff) {
			delete(rl.hits, ip)
		}
	}
}
