// Package cache defines the storage contract shared by the cache plugin's
// backends. The lazy/stale-window math lives in the plugin, not here: a
// Backend only ever stores and returns a single absolute expiration time.
package cache

import (
	"io"
	"time"
)

// Backend is a key/value store for packed DNS responses with an absolute
// expiration time. Implementations are expected to be safe for concurrent
// use.
type Backend interface {
	// Get retrieves the cached packet for key. v is nil if key is not
	// present; the caller is responsible for comparing expireAt against
	// time.Now() since an implementation may return entries past their
	// expiration (physical eviction is independent of logical TTL).
	Get(key string) (v []byte, storedTime, expireAt time.Time)

	// Store saves v (copied) under key with the given storage time and
	// absolute expiration.
	Store(key string, v []byte, storedTime, expireAt time.Time)

	// Len reports the number of entries currently held.
	Len() int

	io.Closer
}
