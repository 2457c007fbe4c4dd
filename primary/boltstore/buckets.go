package boltstore

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketEntries      = []byte("entries")        // id -> protowire record
	bucketEntriesByDay = []byte("entries_by_day") // day+id -> nil (expiry scan index)
	bucketIndexes      = []byte("indexes")        // index name -> JSON indexSpec
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeDayKey creates a key for the entries_by_day index.
// Format: [8-byte timestamp][id]
func makeDayKey(day time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	copy(key[:8], encodeTimestamp(day))
	copy(key[8:], id)
	return key
}

// parseDayKey extracts the day and id from an entries_by_day key.
func parseDayKey(key []byte) (time.Time, string) {
	if len(key) < 8 {
		return time.Time{}, ""
	}
	return decodeTimestamp(key[:8]), string(key[8:])
}
