package primary

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/nodestore/telemetry"
)

// InstrumentedStore wraps a Store with metrics recording.
type InstrumentedStore struct {
	store Store
	name  string
}

// NewInstrumented creates a new instrumented store wrapper.
func NewInstrumented(s Store, name string) *InstrumentedStore {
	return &InstrumentedStore{store: s, name: name}
}

func (is *InstrumentedStore) Upsert(ctx context.Context, e *Entry) error {
	start := time.Now()
	err := is.store.Upsert(ctx, e)
	telemetry.RecordTierOp(ctx, telemetry.TierPrimary, is.name, "upsert", outcomeFromError(err), time.Since(start), int64(len(e.Data)))
	return err
}

func (is *InstrumentedStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := is.store.Delete(ctx, id)
	telemetry.RecordTierOp(ctx, telemetry.TierPrimary, is.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) DeleteMany(ctx context.Context, ids []string) error {
	start := time.Now()
	err := is.store.DeleteMany(ctx, ids)
	telemetry.RecordTierOp(ctx, telemetry.TierPrimary, is.name, "delete_many", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) FindOne(ctx context.Context, id string) (*Entry, error) {
	start := time.Now()
	e, err := is.store.FindOne(ctx, id)
	var n int64
	if e != nil {
		n = int64(len(e.Data))
	}
	telemetry.RecordTierOp(ctx, telemetry.TierPrimary, is.name, "find_one", outcomeFromError(err), time.Since(start), n)
	return e, err
}

func (is *InstrumentedStore) FindMany(ctx context.Context, ids []string) ([]*Entry, error) {
	start := time.Now()
	entries, err := is.store.FindMany(ctx, ids)
	var n int64
	for _, e := range entries {
		n += int64(len(e.Data))
	}
	telemetry.RecordTierOp(ctx, telemetry.TierPrimary, is.name, "find_many", outcomeFromError(err), time.Since(start), n)
	return entries, err
}

func (is *InstrumentedStore) EnsureTTLIndex(ctx context.Context, ttlDays int) error {
	start := time.Now()
	err := is.store.EnsureTTLIndex(ctx, ttlDays)
	telemetry.RecordTierOp(ctx, telemetry.TierPrimary, is.name, "ensure_ttl_index", outcomeFromError(err), time.Since(start), 0)
	return err
}

// Unwrap returns the underlying store.
func (is *InstrumentedStore) Unwrap() Store {
	return is.store
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

var _ Store = (*InstrumentedStore)(nil)
