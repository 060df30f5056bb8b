// Package ratelimit enforces sliding-window verb rate limits.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/clock"
	apperrors "glass-frontier/hub/internal/errors"
)

// Subject identifies who is invoking a verb and where.
type Subject struct {
	ActorID string
	VerbID  string
	HubID   string
	RoomID  string
}

// Limiter tracks recent acceptance timestamps per key. Bursts are bounded by
// the count inside the trailing window; there is no gradual refill.
type Limiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[string][]time.Time
}

// New constructs a limiter. A nil clock uses the system clock.
func New(c clock.Clock) *Limiter {
	return &Limiter{
		clock:   clock.OrSystem(c),
		windows: make(map[string][]time.Time),
	}
}

// Key renders the bucket key for a policy and subject.
func Key(policy catalog.RateLimit, subject Subject) string {
	scope := "actor"
	if policy.Scope == catalog.ScopeRoom {
		scope = fmt.Sprintf("room/%s/%s", subject.HubID, subject.RoomID)
	}
	owner := subject.ActorID
	if policy.Shared {
		owner = "shared"
	}
	return scope + ":" + owner + ":" + subject.VerbID
}

// Enforce records an acceptance or returns a rate limit error carrying the
// time until the oldest timestamp leaves the window.
func (l *Limiter) Enforce(policy catalog.RateLimit, subject Subject) error {
	if l == nil || !policy.Enabled || policy.Burst <= 0 || policy.PerSeconds <= 0 {
		return nil
	}

	key := Key(policy, subject)
	window := policy.Window()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-window)
	recent := l.windows[key]
	kept := recent[:0]
	for _, ts := range recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept)+1 > policy.Burst {
		l.windows[key] = kept
		retryIn := window - now.Sub(kept[0])
		return apperrors.RateLimited(
			apperrors.Code(policy.ErrorCode),
			fmt.Sprintf("verb %s is rate limited", subject.VerbID),
			retryIn,
		).WithMetadata(map[string]string{"verbId": subject.VerbID, "key": key})
	}

	l.windows[key] = append(kept, now)
	return nil
}

// Prune drops keys whose timestamps have all left their window. Windows are
// not stored per key so the caller provides the longest window in use.
func (l *Limiter) Prune(maxWindow time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.clock.Now().Add(-maxWindow)
	removed := 0
	for key, stamps := range l.windows {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
