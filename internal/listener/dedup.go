package listener

import (
	"fmt"
	"sync"
	"time"

	"futures-bridge/internal/wsmanager"
	"futures-bridge/pkg/types"
)

// dedupTTL bounds how long a broker event id is remembered. Re-delivery
// happens on reconnect sync dumps, which arrive well inside this.
const dedupTTL = 5 * time.Minute

// eventDedup guards against re-applied broker events. Scoped per event
// type: a position and a fill may legally share an event id.
type eventDedup struct {
	clock types.Clock

	mu       sync.Mutex
	seen     map[string]time.Time
	prunedAt time.Time
}

func newEventDedup(clock types.Clock) *eventDedup {
	return &eventDedup{clock: clock, seen: make(map[string]time.Time)}
}

// Seen records the event and reports whether it was already applied.
// Events without a broker id (ID 0) are never deduped.
func (d *eventDedup) Seen(evt wsmanager.Event) bool {
	if evt.ID == 0 {
		return false
	}
	key := fmt.Sprintf("%s|%d", evt.Type, evt.ID)
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.prunedAt) > dedupTTL {
		cutoff := now.Add(-dedupTTL)
		for k, at := range d.seen {
			if at.Before(cutoff) {
				delete(d.seen, k)
			}
		}
		d.prunedAt = now
	}

	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = now
	return false
}
