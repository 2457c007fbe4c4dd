// Package boltstore implements the primary tier on an embedded bbolt database.
//
// Expiry follows the same day-bucket model as a document store TTL index: each
// entry is indexed by its created day and an ExpiryReaper removes entries whose
// day plus the configured TTL has passed.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/nodestore/primary"
)

// indexSpec is the persisted definition of a TTL index.
type indexSpec struct {
	Key                string `json:"key"`
	ExpireAfterSeconds int64  `json:"expire_after_seconds"`
}

// Store implements primary.Store using bbolt.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// New creates a new Store with options. Call Open before use.
func New(opts ...Option) *Store {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database at the given path.
func (s *Store) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	s.logger.Debug("opened bolt primary store", "path", path, "noSync", s.noSync)
	return nil
}

func (s *Store) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketEntriesByDay, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing bolt primary store")
	return s.db.Close()
}

// Upsert stores the entry, replacing any existing record for its id.
// bbolt serialises writers, so the insert-or-replace is a single atomic step.
func (s *Store) Upsert(_ context.Context, e *primary.Entry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		byDay := tx.Bucket(bucketEntriesByDay)
		key := []byte(e.ID)

		if old := entries.Get(key); old != nil {
			prev, err := unmarshalRecord(e.ID, old)
			if err != nil {
				return err
			}
			if err := byDay.Delete(makeDayKey(prev.CreatedDay, e.ID)); err != nil {
				return fmt.Errorf("deleting day index: %w", err)
			}
		}

		day := primary.Day(e.CreatedDay)
		rec := *e
		rec.CreatedDay = day
		if err := entries.Put(key, marshalRecord(&rec)); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		if err := byDay.Put(makeDayKey(day, e.ID), nil); err != nil {
			return fmt.Errorf("putting day index: %w", err)
		}
		return nil
	})
}

// Delete removes the entry for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.DeleteMany(ctx, []string{id})
}

// DeleteMany removes the entries for ids. Missing ids are ignored.
func (s *Store) DeleteMany(_ context.Context, ids []string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			if err := deleteEntry(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// deleteEntry removes an entry and its day index key.
func deleteEntry(tx *bbolt.Tx, id string) error {
	entries := tx.Bucket(bucketEntries)
	val := entries.Get([]byte(id))
	if val == nil {
		return nil
	}
	prev, err := unmarshalRecord(id, val)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketEntriesByDay).Delete(makeDayKey(prev.CreatedDay, id)); err != nil {
		return fmt.Errorf("deleting day index: %w", err)
	}
	if err := entries.Delete([]byte(id)); err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	return nil
}

// FindOne returns the entry for id, or primary.ErrNotFound.
func (s *Store) FindOne(_ context.Context, id string) (*primary.Entry, error) {
	var e *primary.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte(id))
		if val == nil {
			return primary.ErrNotFound
		}
		var err error
		e, err = unmarshalRecord(id, val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// FindMany returns the entries that exist for ids in one read transaction.
func (s *Store) FindMany(_ context.Context, ids []string) ([]*primary.Entry, error) {
	var out []*primary.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		for _, id := range primary.Dedupe(ids) {
			val := entries.Get([]byte(id))
			if val == nil {
				continue
			}
			e, err := unmarshalRecord(id, val)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureTTLIndex records the TTL index definition. An existing definition
// with a different expiry is dropped and recreated under the same name.
func (s *Store) EnsureTTLIndex(_ context.Context, ttlDays int) error {
	if err := primary.CheckTTLDays(ttlDays); err != nil {
		return err
	}
	want := indexSpec{Key: "created_day", ExpireAfterSeconds: int64(ttlDays) * primary.SecondsPerDay}

	return s.db.Update(func(tx *bbolt.Tx) error {
		indexes := tx.Bucket(bucketIndexes)
		name := []byte(primary.TTLIndexName)

		if val := indexes.Get(name); val != nil {
			var have indexSpec
			if err := json.Unmarshal(val, &have); err == nil && have == want {
				return nil
			}
			s.logger.Info("ttl index exists with different options, recreating",
				"index", primary.TTLIndexName,
				"expireAfterSeconds", want.ExpireAfterSeconds)
			if err := indexes.Delete(name); err != nil {
				return fmt.Errorf("dropping index: %w", err)
			}
		}

		data, err := json.Marshal(want)
		if err != nil {
			return fmt.Errorf("marshaling index: %w", err)
		}
		return indexes.Put(name, data)
	})
}

// TTL returns the expiry configured by EnsureTTLIndex, or zero if none.
func (s *Store) TTL() (time.Duration, error) {
	var ttl time.Duration
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketIndexes).Get([]byte(primary.TTLIndexName))
		if val == nil {
			return nil
		}
		var spec indexSpec
		if err := json.Unmarshal(val, &spec); err != nil {
			return fmt.Errorf("unmarshaling index: %w", err)
		}
		ttl = time.Duration(spec.ExpireAfterSeconds) * time.Second
		return nil
	})
	return ttl, err
}

// DeleteExpired removes up to limit entries whose created day plus ttl is at or before now.
// It returns the number of entries deleted.
func (s *Store) DeleteExpired(_ context.Context, ttl time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-ttl)
	var deleted int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var ids []string
		c := tx.Bucket(bucketEntriesByDay).Cursor()
		for k, _ := c.First(); k != nil && len(ids) < limit; k, _ = c.Next() {
			day, id := parseDayKey(k)
			if day.After(cutoff) {
				break
			}
			ids = append(ids, id)
		}
		for _, id := range ids {
			if err := deleteEntry(tx, id); err != nil {
				return err
			}
		}
		deleted = len(ids)
		return nil
	})
	return deleted, err
}

var _ primary.Store = (*Store)(nil)
