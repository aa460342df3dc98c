// ratelimit.go implements the per-token call budget guard.
//
// The broker's rate limit is per auth token, not per account: one token
// shared by N accounts has an effective per-account budget of quota/N.
// The limiter tracks API calls in a trailing 60-second window per token
// key and blocks new calls once the window is within 10 calls of the
// posted limit (default 80/min → guard engages at 70).
package broker

import (
	"context"
	"sync"
	"time"
)

const (
	limiterWindow = time.Minute
	limiterGuard  = 10 // stay this many calls under the posted limit
)

// TokenLimiter guards the trailing-window call budget for many token
// keys at once.
type TokenLimiter struct {
	limit int

	mu      sync.Mutex
	windows map[string][]time.Time // tokenKey → call timestamps in window
}

// NewTokenLimiter creates a limiter for the broker's posted per-token
// per-minute limit.
func NewTokenLimiter(limitPerMinute int) *TokenLimiter {
	return &TokenLimiter{
		limit:   limitPerMinute,
		windows: make(map[string][]time.Time),
	}
}

// Wait blocks until the token has budget for one more call or ctx ends.
func (l *TokenLimiter) Wait(ctx context.Context, tokenKey string) error {
	for {
		l.mu.Lock()
		now := time.Now()
		window := pruneWindow(l.windows[tokenKey], now)

		if len(window) < l.limit-limiterGuard {
			l.windows[tokenKey] = append(window, now)
			l.mu.Unlock()
			return nil
		}

		// Oldest call ages out of the window first; sleep until then.
		wait := window[0].Add(limiterWindow).Sub(now)
		l.windows[tokenKey] = window
		l.mu.Unlock()

		if wait < 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// InWindow reports the current call count for a token (metrics, tests).
func (l *TokenLimiter) InWindow(tokenKey string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	window := pruneWindow(l.windows[tokenKey], time.Now())
	l.windows[tokenKey] = window
	return len(window)
}

// Penalize records a broker-reported 429 so the window reflects calls we
// did not account for (another client on the same token, clock skew).
func (l *TokenLimiter) Penalize(tokenKey string, calls int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	window := pruneWindow(l.windows[tokenKey], now)
	for i := 0; i < calls; i++ {
		window = append(window, now)
	}
	l.windows[tokenKey] = window
}

func pruneWindow(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-limiterWindow)
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	return window[i:]
}
