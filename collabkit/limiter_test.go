package collabkit

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(10)
	now := time.Now()

	// burst up to capacity
	for i := 0; i < 10; i += 1 {
		assert.Equal(t, limiter.allowAt(now), true)
	}
	assert.Equal(t, limiter.allowAt(now), false)

	// half a second refills half the bucket
	now = now.Add(500 * time.Millisecond)
	for i := 0; i < 5; i += 1 {
		assert.Equal(t, limiter.allowAt(now), true)
	}
	assert.Equal(t, limiter.allowAt(now), false)

	// refill never exceeds capacity
	now = now.Add(time.Hour)
	for i := 0; i < 10; i += 1 {
		assert.Equal(t, limiter.allowAt(now), true)
	}
	assert.Equal(t, limiter.allowAt(now), false)
}

func TestAuthRateLimiter(t *testing.T) {
	limiter := NewAuthRateLimiter()
	now := time.Now()

	for i := 0; i < authFailureLimit-1; i += 1 {
		limiter.recordFailureAt("10.0.0.1", now)
	}
	assert.Equal(t, limiter.isBlockedAt("10.0.0.1", now), false)

	limiter.recordFailureAt("10.0.0.1", now)
	assert.Equal(t, limiter.isBlockedAt("10.0.0.1", now), true)

	// other addresses are unaffected
	assert.Equal(t, limiter.isBlockedAt("10.0.0.2", now), false)

	// failures age out of the window
	later := now.Add(authFailureWindow + time.Second)
	assert.Equal(t, limiter.isBlockedAt("10.0.0.1", later), false)

	// clear on successful auth
	limiter.recordFailureAt("10.0.0.3", now)
	limiter.Clear("10.0.0.3")
	assert.Equal(t, limiter.isBlockedAt("10.0.0.3", now), false)
}
