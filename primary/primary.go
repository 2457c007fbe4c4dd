// Package primary defines the primary tier: a document store holding one
// replace-whole record per id, with expiry bucketed by creation day.
package primary

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("primary: not found")

// TTLIndexName is the fixed name of the expiry index on the created day field.
const TTLIndexName = "created_day_ttl"

// SecondsPerDay converts a TTL in days to the index expiry in seconds.
const SecondsPerDay = 24 * 60 * 60

// MaxTTLDays is the largest TTL whose expiry in seconds fits an int32,
// the width MongoDB stores expireAfterSeconds in.
const MaxTTLDays = math.MaxInt32 / SecondsPerDay

// ErrInvalidTTL is returned for a TTL outside 1..MaxTTLDays days.
var ErrInvalidTTL = errors.New("primary: invalid ttl")

// Entry is a primary tier record.
//
// When ContentEncoding is non-empty, Data holds the output of that codec over
// the logical value; otherwise Data is the logical value itself.
type Entry struct {
	ID              string
	Data            []byte
	ContentEncoding string
	// CreatedDay is the write time truncated to UTC midnight.
	CreatedDay time.Time
}

// Store is the primary tier contract.
// Implementations must be safe for concurrent use.
type Store interface {
	// Upsert inserts the entry, replacing any existing record with the same id.
	// Concurrent writers of the same id converge on one complete record.
	Upsert(ctx context.Context, e *Entry) error

	// Delete removes the record for id. Removing an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// DeleteMany removes the records for ids. Absent ids are ignored.
	DeleteMany(ctx context.Context, ids []string) error

	// FindOne returns the record for id, or ErrNotFound.
	FindOne(ctx context.Context, id string) (*Entry, error)

	// FindMany returns the records that exist for ids, in no particular order.
	FindMany(ctx context.Context, ids []string) ([]*Entry, error)

	// EnsureTTLIndex provisions the day-bucketed expiry index named TTLIndexName.
	// An existing index with a different TTL is dropped and recreated.
	// It is safe to call repeatedly and concurrently with writes.
	EnsureTTLIndex(ctx context.Context, ttlDays int) error
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CheckTTLDays returns ErrInvalidTTL unless ttlDays is in 1..MaxTTLDays.
func CheckTTLDays(ttlDays int) error {
	if ttlDays <= 0 || ttlDays > MaxTTLDays {
		return fmt.Errorf("%w: ttl days must be between 1 and %d, got %d", ErrInvalidTTL, MaxTTLDays, ttlDays)
	}
	return nil
}

// Dedupe returns ids with duplicates removed, keeping first-seen order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
