// Package kv provides the TTL-capable key-value store backing the
// permission store. The production implementation is Redis; an in-memory
// implementation covers local development and tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or its TTL has elapsed.
var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal surface the permission store needs: get,
// set-with-expiry, atomic increment and delete.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetWithTTL stores value under key with the given time-to-live.
	// The ttl must be positive; implementations clamp sub-second values
	// up to one second.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr atomically increments the integer value at key and returns the
	// new value. Incrementing a missing key returns ErrNotFound rather
	// than creating it, so counters cannot outlive the record that
	// established their TTL.
	Incr(ctx context.Context, key string) (int64, error)

	// Del removes the given keys. Deleting a missing key is not an error.
	Del(ctx context.Context, keys ...string) error
}
