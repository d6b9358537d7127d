package store

import (
	"context"
	"time"
)

// KV is a shared key-value store with conditional-write semantics.
// It is the only resource shared between serving processes: leases and
// session state blobs both live here.
type KV interface {
	// Get returns the value for a key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes a value. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes a value only if the key does not exist. It reports
	// whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value only if the current value equals
	// old. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes the key only if the current value equals
	// old. It reports whether the delete happened.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
	// Delete removes a key unconditionally.
	Delete(ctx context.Context, key string) error
	// Close releases the underlying connection, if any.
	Close() error
}

// ErrNotFound is returned when a key does not exist.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return "key not found: " + e.Key
}

func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
