package auth

import (
	"sync"
	"time"
)

const (
	rateLimitAttempts = 5
	rateLimitWindow   = 60 * time.Second
)

// RateLimiter tracks login attempts per client IP over a rolling window.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter creates a limiter with the login window defaults.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records one attempt for the IP and reports whether it is within the
// limit. Attempts older than the window are discarded on access.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-rateLimitWindow)
	recent := r.attempts[ip][:0]
	for _, at := range r.attempts[ip] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	if len(recent) >= rateLimitAttempts {
		r.attempts[ip] = recent
		return false
	}
	r.attempts[ip] = append(recent, now)
	return true
}

// Reset clears the window for one IP.
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, ip)
}
