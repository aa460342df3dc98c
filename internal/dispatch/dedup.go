package dispatch

import (
	"container/list"
	"sync"
	"time"
)

// dedupCache is a capacity-bounded LRU of recently seen dedup keys.
// A key counts as duplicate while its entry is younger than ttl; the
// capacity bound keeps a webhook flood from growing memory unbounded.
type dedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	cap     int
	order   *list.List // front = oldest
	entries map[string]*list.Element
}

type dedupEntry struct {
	key string
	at  time.Time
}

func newDedupCache(capacity int, ttl time.Duration) *dedupCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &dedupCache{
		ttl:     ttl,
		cap:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether key was recorded within the TTL. The window is
// fixed from the first delivery: a duplicate does not extend it, so a
// steady drip of retries cannot suppress a genuine later signal.
func (c *dedupCache) Seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*dedupEntry)
		if now.Sub(e.at) < c.ttl {
			return true
		}
		e.at = now
		c.order.MoveToBack(el)
		return false
	}

	c.entries[key] = c.order.PushBack(&dedupEntry{key: key, at: now})
	for c.order.Len() > c.cap {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dedupEntry).key)
	}
	return false
}

// Len reports the current entry count (tests).
func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
