package listener

import (
	"testing"
	"time"

	"futures-bridge/internal/wsmanager"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestEventDedup(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)}
	d := newEventDedup(clock)

	pos := wsmanager.Event{Type: wsmanager.EventPosition, ID: 42}
	if d.Seen(pos) {
		t.Error("first delivery must not be seen")
	}
	if !d.Seen(pos) {
		t.Error("re-delivery must be seen")
	}

	// Same id, different entity type: legal, not a duplicate.
	fill := wsmanager.Event{Type: wsmanager.EventFill, ID: 42}
	if d.Seen(fill) {
		t.Error("same id under a different type must not be seen")
	}
}

func TestEventDedupZeroIDNeverDeduped(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)}
	d := newEventDedup(clock)

	evt := wsmanager.Event{Type: wsmanager.EventPosition, ID: 0}
	if d.Seen(evt) || d.Seen(evt) {
		t.Error("events without a broker id must never dedup")
	}
}

func TestEventDedupExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)}
	d := newEventDedup(clock)

	evt := wsmanager.Event{Type: wsmanager.EventPosition, ID: 7}
	d.Seen(evt)

	clock.now = clock.now.Add(6 * time.Minute)
	if d.Seen(evt) {
		t.Error("entry older than the TTL must have been pruned")
	}
}
