package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Unlimited is the Policy.Limit sentinel that bypasses the store entirely.
const Unlimited = -1

var (
	// ErrStoreUnavailable wraps every transport or timeout failure of a Store.
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")
	// ErrMalformedIdentity means a request carried no usable identity component.
	ErrMalformedIdentity = errors.New("ratelimit: malformed identity")
)

type Policy struct {
	Limit  int           // requests per window, Unlimited for no limit
	Window time.Duration // fixed window length
	Tier   Tier
}

func (p Policy) Unlimited() bool { return p.Limit == Unlimited }

// Counter is the state of one key inside its current window.
type Counter struct {
	Count       int64
	WindowStart time.Time
	ResetAt     time.Time
}

// Store counts requests per key in aligned fixed windows.
//
// Increment must be atomic: two concurrent callers never observe the same
// post-increment count for one key and window.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error)
	// Peek reports the live counter for key without changing it.
	Peek(ctx context.Context, key string, now time.Time) (Counter, bool, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// WindowBounds returns the aligned window containing now. Boundaries are
// multiples of window since the Unix epoch, so independent processes agree on
// them without coordination.
//
// Fixed windows admit up to twice the limit across a boundary (a burst at the
// end of one window followed by one at the start of the next).
func WindowBounds(now time.Time, window time.Duration) (start, end time.Time) {
	w := window.Milliseconds()
	if w <= 0 {
		w = 1
	}
	ms := now.UnixMilli()
	s := ms - mod(ms, w)
	return time.UnixMilli(s), time.UnixMilli(s + w)
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
