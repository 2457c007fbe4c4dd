// Package nodestore provides a tiered blob store addressed by id.
//
// Values live in a primary document tier. When an archival object tier is
// configured, primary misses fall back to it and values found there are moved
// into the primary tier on read.
package nodestore

import (
	"context"
	"time"
)

// Storage is the node storage contract exposed to the host application.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the value for id. ok is false when no tier holds it.
	Get(ctx context.Context, id string) (value []byte, ok bool, err error)

	// GetMulti returns a map holding every distinct id in ids. Ids with no
	// value map to nil.
	GetMulti(ctx context.Context, ids []string) (map[string][]byte, error)

	// Set stores value under id, replacing any existing value.
	// ttl is accepted for interface compatibility and is not enforced.
	Set(ctx context.Context, id string, value []byte, ttl time.Duration) error

	// Delete removes id from the primary tier.
	Delete(ctx context.Context, id string) error

	// DeleteMulti removes ids from the primary tier.
	DeleteMulti(ctx context.Context, ids []string) error

	// Cleanup is a hook for time-based cleanup. Expiry is handled by the
	// primary tier so it does nothing.
	Cleanup(ctx context.Context, cutoff time.Time) error
}
