package ingest

import (
	"fmt"
	"sync"
	"time"
)

// Batch and abuse limits
const (
	// MaxEventsPerRequest caps the batch size of a single ingest call
	MaxEventsPerRequest = 500
)

var (
	// ErrTooManyEvents is returned when an ingest request contains too many events
	ErrTooManyEvents = fmt.Errorf("too many events in request (max %d)", MaxEventsPerRequest)

	// ErrRateLimited is returned when a client exceeds its per-minute budget
	ErrRateLimited = fmt.Errorf("rate limit exceeded")
)

// Constants for memory safety
const (
	// Drop per-client counters not touched in the last hour
	clientRetentionPeriod = 1 * time.Hour

	// Run cleanup every 10 minutes
	cleanupInterval = 10 * time.Minute
)

// RateLimiter enforces a per-client requests-per-minute budget using fixed
// one-minute windows keyed by hashed client IP.
// SAFETY: Periodically clears idle clients to prevent unbounded memory growth
type RateLimiter struct {
	mu sync.Mutex

	// limit is the number of requests allowed per client per minute
	limit int

	// windows tracks the current window per client
	windows map[string]*rateWindow

	// lastCleanup tracks when we last cleaned up idle clients
	lastCleanup time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates a rate limiter allowing limit requests per client per
// minute. A non-positive limit disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:       limit,
		windows:     make(map[string]*rateWindow),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether one more request from the given client fits in the
// current window, and records it if so. The budget counts requests, not the
// events inside them; a rejected request consumes no budget.
func (rl *RateLimiter) Allow(client string, now time.Time) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupIdleLocked(now)

	w, ok := rl.windows[client]
	if !ok || now.Sub(w.start) >= time.Minute {
		w = &rateWindow{start: now}
		rl.windows[client] = w
	}

	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// cleanupIdleLocked removes clients whose window expired long ago.
// Must be called with mu held.
func (rl *RateLimiter) cleanupIdleLocked(now time.Time) {
	if now.Sub(rl.lastCleanup) < cleanupInterval {
		return
	}

	for client, w := range rl.windows {
		if now.Sub(w.start) > clientRetentionPeriod {
			delete(rl.windows, client)
		}
	}
	rl.lastCleanup = now
}
