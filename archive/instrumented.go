package archive

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

func (is *InstrumentedStore) Get(ctx context.Context, key string) (*Object, error) {
	start := time.Now()
	obj, err := is.store.Get(ctx, key)
	var n int64
	if obj != nil {
		n = int64(len(obj.Body))
	}
	telemetry.RecordTierOp(ctx, telemetry.TierArchive, is.name, "get", outcomeFromError(err), time.Since(start), n)
	return obj, err
}

func (is *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := is.store.Delete(ctx, key)
	telemetry.RecordTierOp(ctx, telemetry.TierArchive, is.name, "delete", outcomeFromError(err), time.Since(start), 0)
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
