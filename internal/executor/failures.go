package executor

import (
	"sync"
	"time"

	"futures-bridge/internal/broker"
)

// Failure is one failed execution task as surfaced to operators via the
// failures feed. Message carries the broker response body, truncated by
// the error layer.
type Failure struct {
	TaskID    string      `json:"task_id"`
	AccountID uint        `json:"account_id"`
	Symbol    string      `json:"symbol"`
	Action    string      `json:"action"`
	Kind      broker.Kind `json:"kind"`
	Message   string      `json:"message"`
	ElapsedMS int64       `json:"elapsed_ms"`
	At        time.Time   `json:"at"`
}

// FailureRing is a fixed-size ring of recent failures. Old entries are
// overwritten; nothing blocks on a slow reader.
type FailureRing struct {
	mu   sync.Mutex
	buf  []Failure
	next int
	full bool
}

// NewFailureRing creates a ring holding the last size failures.
func NewFailureRing(size int) *FailureRing {
	if size <= 0 {
		size = 256
	}
	return &FailureRing{buf: make([]Failure, size)}
}

// Add records one failure.
func (r *FailureRing) Add(f Failure) {
	r.mu.Lock()
	r.buf[r.next] = f
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent returns the stored failures, newest first.
func (r *FailureRing) Recent() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]Failure, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
