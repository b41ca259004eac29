package auth

import (
	"sync"
	"time"
)

// RateLimitConfig configures a sliding-window limiter: MaxRequests per
// Window, per key.
type RateLimitConfig struct {
	MaxRequests     int
	Window          time.Duration
	CleanupInterval time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{MaxRequests: 100, Window: time.Minute, CleanupInterval: 5 * time.Minute}
}

// RateLimitResult is the outcome of a single CheckRateLimit call.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
}

// RateLimiter is a sliding-window-log limiter keyed by an arbitrary string
// (typically an API key). CheckRateLimit atomically evaluates and, if
// allowed, records the request in one call — there is no separate
// "reserve" step that could race with a concurrent check.
type RateLimiter struct {
	mu          sync.Mutex
	cfg         RateLimitConfig
	events      map[string][]time.Time
	lastCleanup time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	return &RateLimiter{cfg: cfg, events: make(map[string][]time.Time), lastCleanup: time.Now()}
}

// CheckRateLimit prunes key's window, decides whether another request is
// allowed, and — if so — records it, all under one lock acquisition.
func (rl *RateLimiter) CheckRateLimit(key string) RateLimitResult {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	pruned := pruneBefore(rl.events[key], now.Add(-rl.cfg.Window))

	var resetAfter time.Duration
	if len(pruned) > 0 {
		resetAfter = rl.cfg.Window - now.Sub(pruned[0])
		if resetAfter < 0 {
			resetAfter = 0
		}
	}

	var result RateLimitResult
	if len(pruned) < rl.cfg.MaxRequests {
		pruned = append(pruned, now)
		result = RateLimitResult{Allowed: true, Remaining: rl.cfg.MaxRequests - len(pruned), ResetAfter: resetAfter}
	} else {
		result = RateLimitResult{Allowed: false, Remaining: 0, ResetAfter: resetAfter}
	}
	rl.events[key] = pruned

	rl.maybeCleanupLocked(now)
	return result
}

func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// maybeCleanupLocked opportunistically drops keys with no remaining
// events, at most once per CleanupInterval. Caller must hold rl.mu.
func (rl *RateLimiter) maybeCleanupLocked(now time.Time) {
	if now.Sub(rl.lastCleanup) < rl.cfg.CleanupInterval {
		return
	}
	rl.lastCleanup = now
	cutoff := now.Add(-rl.cfg.Window)
	for k, events := range rl.events {
		pruned := pruneBefore(events, cutoff)
		if len(pruned) == 0 {
			delete(rl.events, k)
		} else {
			rl.events[k] = pruned
		}
	}
}
