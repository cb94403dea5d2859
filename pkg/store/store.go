// Package store is the shared counter/lock/cache store used by rate
// limiting, result caching and job idempotency. Every mutation touches a
// single key atomically; there are no multi-key transactions.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: key not found")

// WindowResult describes a sliding-window admission attempt.
type WindowResult struct {
	Allowed bool
	// Count is the number of hits inside the window after the attempt.
	Count int64
	// Oldest is the timestamp of the oldest hit still inside the window.
	Oldest time.Time
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent. It reports whether the
	// value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// WindowAcquire records a hit in the sliding log at key when fewer than
	// limit hits fall inside (now-window, now].
	WindowAcquire(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowResult, error)
	Ping(ctx context.Context) error
}

// IncrWithExpiry increments key and sets ttl on first creation.
func IncrWithExpiry(ctx context.Context, s Store, key string, ttl time.Duration) (int64, error) {
	n, err := s.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		if err := s.Expire(ctx, key, ttl); err != nil {
			return n, err
		}
	}
	return n, nil
}
