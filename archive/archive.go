// Package archive defines the archival tier: a slower object store consulted
// only when the primary tier misses.
package archive

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no object exists at a key.
var ErrNotFound = errors.New("archive: not found")

// Object is an archived value as stored.
type Object struct {
	// Body is the stored bytes, encoded with ContentEncoding when it is set.
	Body []byte
	// ContentEncoding is the codec tag carried as object metadata.
	ContentEncoding string
}

// Store is the archival tier contract.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Object, error)

	// Delete removes the object at key. Deleting an absent key returns
	// ErrNotFound so callers can tell it apart from transport failures.
	Delete(ctx context.Context, key string) error
}

// Key derives the object key for id under prefix.
func Key(prefix, id string) string {
	if prefix == "" {
		return id
	}
	return prefix + "/" + id
}
