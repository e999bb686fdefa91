package auth

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	clk := newFakeClock()
	rl := NewRateLimiter().WithClock(clk)

	for i := 0; i < rateLimitMax; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d denied under the limit", i)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request over the limit allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("unrelated ip denied")
	}

	t.Run("window slides", func(t *testing.T) {
		clk.advance(61 * time.Second)
		if !rl.Allow("10.0.0.1") {
			t.Error("request denied after window passed")
		}
	})
}

func TestRateLimiterSweepBound(t *testing.T) {
	clk := newFakeClock()
	rl := NewRateLimiter().WithClock(clk)

	for i := 0; i < rateLimitMaxIPs; i++ {
		rl.Allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	clk.advance(61 * time.Second)

	// The map is at the bound; the next request triggers the idle sweep.
	if !rl.Allow("192.168.0.1") {
		t.Fatal("request denied at map bound")
	}
	rl.mu.Lock()
	n := len(rl.hits)
	rl.mu.Unlock()
	if n > 1 {
		t.Errorf("idle entries survived sweep: %d", n)
	}
}
