package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a broker call failure into the handful of classes the
// executor reacts to. Kinds, not concrete types: callers switch on the
// classification, never on the underlying error shape.
type Kind string

const (
	KindTransient          Kind = "transient"           // 5xx, network timeout
	KindRateLimited        Kind = "rate_limited"        // 429
	KindAuthExpired        Kind = "auth_expired"        // 401
	KindBrokerRejected     Kind = "broker_rejected"     // order shape, tick misalignment
	KindInvariantViolation Kind = "invariant_violation" // local state contradicts broker truth
	KindQueueFull          Kind = "queue_full"
	KindUnknownSymbol      Kind = "unknown_symbol"
	KindConfigMissing      Kind = "config_missing"
)

// Retriable reports whether an operation of this kind may be retried
// for idempotent calls. Entry placement is never retried regardless:
// a duplicate fill is worse than a missed signal.
func (k Kind) Retriable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Error is a classified broker failure with enough context for the
// failures feed. Body is the broker response, truncated.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Body    string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Body)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Wrapped }

const maxBodyLen = 512

// NewError builds a classified error from an HTTP response or transport
// failure.
func NewError(op string, status int, body string, err error) *Error {
	if len(body) > maxBodyLen {
		body = body[:maxBodyLen]
	}
	return &Error{
		Kind:    classify(status, err),
		Op:      op,
		Status:  status,
		Body:    body,
		Wrapped: err,
	}
}

// KindOf extracts the classification from any error. Unclassified errors
// count as transient so idempotent retry loops keep working; entry paths
// never retry anyway.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

func classify(status int, err error) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized:
		return KindAuthExpired
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindBrokerRejected
	case err != nil:
		return KindTransient
	}
	return KindTransient
}

// Backoff returns the exponential delay for attempt n (0-based), capped.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base << attempt
	if d > max || d <= 0 {
		return max
	}
	return d
}
