package router

import (
	"sync"
	"time"
)

// DefaultInstructionsPerMinute bounds pushes to a single exam client
const DefaultInstructionsPerMinute = 100

// RateLimiter implements per-connection rate limiting
// ARCHITECTURAL DISCOVERY: Per-connection state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	clients map[string]*ClientLimit
}

// ClientLimit tracks rate limiting for a single connection token
type ClientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter creates a limiter allowing perMinute pushes per connection.
// A non-positive value falls back to DefaultInstructionsPerMinute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultInstructionsPerMinute
	}
	return &RateLimiter{
		limit:   perMinute,
		clients: make(map[string]*ClientLimit),
	}
}

// Allow reports whether one more instruction may be pushed to the connection
// TECHNICAL DISCOVERY: Fixed window resets every minute for consistent limiting
func (rl *RateLimiter) Allow(connectionToken string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	limit, exists := rl.clients[connectionToken]
	if !exists {
		rl.clients[connectionToken] = &ClientLimit{
			messageCount: 1,
			windowStart:  now,
		}
		return true
	}

	if now.Sub(limit.windowStart) >= time.Minute {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}

	limit.messageCount++
	return true
}

// Cleanup removes connection entries idle for five windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for token, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*time.Minute {
			delete(rl.clients, token)
		}
	}
}

// Len returns the number of tracked connections
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
