// Package storage defines the one-time key store contract and the capability
// split between stores that can consume a record atomically and stores that
// cannot.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no live record exists for a key.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable is returned when the backend cannot be reached. It is
	// the only store failure callers may treat as transient.
	ErrUnavailable = errors.New("store unavailable")
)

// Record is the value stored under a one-time key's hash. Times are Unix
// milliseconds; a nil ExpiresAt means no expiry beyond the store TTL.
type Record struct {
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt *int64 `json:"expiresAt,omitempty"`
}

// Expired reports whether the record's own expiry lies before now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.UnixMilli() > *r.ExpiresAt
}

// Store is the basic key/value contract every backend implements.
type Store interface {
	// Get returns the record stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
	// Set stores rec under key. A positive ttl bounds how long the backend
	// may keep the record; zero means no store-level expiry.
	Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// AtomicStore is a Store that can fetch and delete a record in one step, so
// that concurrent consumers of the same key see at most one success.
type AtomicStore interface {
	Store
	// Consume returns and removes the record under key, or ErrNotFound.
	Consume(ctx context.Context, key string) (*Record, error)
}
