package copytrade

import (
	"sync"
	"time"

	"futures-bridge/pkg/types"
)

// echoWindow bounds how long a recorded copy order suppresses matching
// leader activity. The broker's fill events do not reliably carry our
// clOrdId, so suppression falls back to this fuzzy (account, symbol,
// side, qty, ~time) match.
const echoWindow = 10 * time.Second

type echoEntry struct {
	accountID uint
	root      string
	side      types.Side
	qty       int
	at        time.Time
}

// EchoRegistry is the time-bounded dedup set behind copy-trade loop
// prevention. The executor records every order it places for a copy
// task; the leader listener asks before propagating a delta.
type EchoRegistry struct {
	clock types.Clock

	mu      sync.Mutex
	entries []echoEntry
}

// NewEchoRegistry creates an empty registry.
func NewEchoRegistry(clock types.Clock) *EchoRegistry {
	return &EchoRegistry{clock: clock}
}

// Record notes one placed copy order.
func (r *EchoRegistry) Record(accountID uint, root string, side types.Side, qty int) {
	now := r.clock.Now()
	r.mu.Lock()
	r.prune(now)
	r.entries = append(r.entries, echoEntry{accountID, root, side, qty, now})
	r.mu.Unlock()
}

// Match reports whether a matching copy order was recorded within the
// window. A match means the observed leader activity is our own copy
// order echoing back, not fresh leader intent.
func (r *EchoRegistry) Match(accountID uint, root string, side types.Side, qty int) bool {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)
	for _, e := range r.entries {
		if e.accountID == accountID && e.root == root && e.side == side && e.qty == qty {
			return true
		}
	}
	return false
}

// prune drops expired entries; callers hold the lock.
func (r *EchoRegistry) prune(now time.Time) {
	cutoff := now.Add(-echoWindow)
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}
