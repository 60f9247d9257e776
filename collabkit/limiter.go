package collabkit

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket with continuous refill. Capacity
// equals the refill rate, so a connection can burst at most one
// second of traffic.
type RateLimiter struct {
	stateLock sync.Mutex

	rate       float64
	tokens     float64
	lastRefill time.Time
}

func NewRateLimiter(ratePerSecond float64) *RateLimiter {
	return &RateLimiter{
		rate:       ratePerSecond,
		tokens:     ratePerSecond,
		lastRefill: time.Now(),
	}
}

// CanSend consumes a token when available. A failed check consumes
// nothing.
func (self *RateLimiter) CanSend() bool {
	return self.allowAt(time.Now())
}

func (self *RateLimiter) allowAt(now time.Time) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	elapsed := now.Sub(self.lastRefill).Seconds()
	if 0 < elapsed {
		self.tokens = min(self.rate, self.tokens+elapsed*self.rate)
		self.lastRefill = now
	}

	if self.tokens < 1 {
		return false
	}
	self.tokens -= 1
	return true
}

const authFailureLimit = 5
const authFailureWindow = 5 * time.Minute

// AuthRateLimiter locks out an address after repeated authentication
// failures inside a sliding window.
type AuthRateLimiter struct {
	stateLock sync.Mutex

	limit    int
	window   time.Duration
	failures map[string][]time.Time
}

func NewAuthRateLimiter() *AuthRateLimiter {
	return &AuthRateLimiter{
		limit:    authFailureLimit,
		window:   authFailureWindow,
		failures: map[string][]time.Time{},
	}
}

func (self *AuthRateLimiter) RecordFailure(addr string) {
	self.recordFailureAt(addr, time.Now())
}

func (self *AuthRateLimiter) recordFailureAt(addr string, now time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failures[addr] = append(self.pruneLocked(addr, now), now)
}

// IsBlocked reports whether the address has reached the failure limit
// within the window.
func (self *AuthRateLimiter) IsBlocked(addr string) bool {
	return self.isBlockedAt(addr, time.Now())
}

func (self *AuthRateLimiter) isBlockedAt(addr string, now time.Time) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	recent := self.pruneLocked(addr, now)
	if len(recent) == 0 {
		delete(self.failures, addr)
	} else {
		self.failures[addr] = recent
	}
	return self.limit <= len(recent)
}

// Clear forgets an address, typically after a successful auth.
func (self *AuthRateLimiter) Clear(addr string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.failures, addr)
}

func (self *AuthRateLimiter) pruneLocked(addr string, now time.Time) []time.Time {
	cutoff := now.Add(-self.window)
	recent := []time.Time{}
	for _, at := range self.failures[addr] {
		if cutoff.Before(at) {
			recent = append(recent, at)
		}
	}
	return recent
}
