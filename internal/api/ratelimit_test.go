package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	t.Cleanup(rl.Stop)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rl.mu.Lock()
	rl.now = func() time.Time { return now }
	rl.mu.Unlock()

	assert.True(t, rl.Allow("+33600000001"))
	assert.True(t, rl.Allow("+33600000001"))
	assert.False(t, rl.Allow("+33600000001"))
	assert.True(t, rl.Allow("+15550000001"), "keys are independent")

	rl.mu.Lock()
	now = now.Add(61 * time.Second)
	rl.mu.Unlock()
	assert.True(t, rl.Allow("+33600000001"))

	rl.evict()
	rl.mu.Lock()
	_, kept := rl.requests["+15550000001"]
	rl.mu.Unlock()
	assert.False(t, kept, "expired keys are evicted")
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	t.Cleanup(rl.Stop)
	for range 100 {
		assert.True(t, rl.Allow("k"))
	}
}
