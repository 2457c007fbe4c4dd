package nodestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/nodestore/archive"
	"github.com/wolfeidau/nodestore/codec"
	"github.com/wolfeidau/nodestore/primary"
	"github.com/wolfeidau/nodestore/telemetry"
)

// Engine implements Storage over a primary store and an optional archival store.
// It holds no per-id state; concurrent callers coordinate through the stores.
type Engine struct {
	primary primary.Store
	codecs  *codec.Registry

	archive       archive.Store
	archivePrefix string

	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithArchive enables archival fallback reads from store. Object keys are
// prefix + "/" + id, or just id when prefix is empty.
func WithArchive(store archive.Store, prefix string) Option {
	return func(e *Engine) {
		e.archive = store
		e.archivePrefix = prefix
	}
}

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine writing through codecs to store.
func NewEngine(store primary.Store, codecs *codec.Registry, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("nodestore: primary store is required")
	}
	if codecs == nil {
		return nil, errors.New("nodestore: codec registry is required")
	}
	e := &Engine{
		primary: store,
		codecs:  codecs,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ArchiveEnabled reports whether archival fallback is configured.
func (e *Engine) ArchiveEnabled() bool {
	return e.archive != nil
}

// Get returns the value for id from the primary tier, falling back to the
// archival tier. A value found only in the archival tier is written to the
// primary tier and then removed from the archival tier.
func (e *Engine) Get(ctx context.Context, id string) ([]byte, bool, error) {
	entry, err := e.primary.FindOne(ctx, id)
	switch {
	case err == nil:
		value, err := e.codecs.Decode(entry.Data, entry.ContentEncoding)
		if err != nil {
			return nil, false, fmt.Errorf("decoding %s: %w", id, err)
		}
		telemetry.RecordLookup(ctx, "single", telemetry.LookupPrimary)
		return value, true, nil
	case !errors.Is(err, primary.ErrNotFound):
		return nil, false, fmt.Errorf("reading %s from primary: %w", id, err)
	}

	if e.archive == nil {
		telemetry.RecordLookup(ctx, "single", telemetry.LookupMiss)
		return nil, false, nil
	}

	value, ok, err := e.readArchive(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		telemetry.RecordLookup(ctx, "single", telemetry.LookupMiss)
		return nil, false, nil
	}
	telemetry.RecordLookup(ctx, "single", telemetry.LookupArchive)

	if err := e.migrate(ctx, id, value); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// migrate moves a value read from the archival tier into the primary tier.
// The archival delete only runs after the primary write succeeded, so the
// value is never absent from both tiers.
func (e *Engine) migrate(ctx context.Context, id string, value []byte) error {
	if err := e.set(ctx, id, value); err != nil {
		telemetry.RecordMigration(ctx, "error")
		return fmt.Errorf("migrating %s to primary: %w", id, err)
	}
	telemetry.RecordMigration(ctx, "success")

	key := archive.Key(e.archivePrefix, id)
	err := e.archive.Delete(ctx, key)
	switch {
	case err == nil:
		telemetry.RecordArchiveCleanup(ctx, "deleted")
		e.logger.Debug("migrated from archive", "id", id, "key", key)
	case errors.Is(err, archive.ErrNotFound):
		telemetry.RecordArchiveCleanup(ctx, "not_found")
		e.logger.Debug("archive object already removed", "id", id, "key", key)
	default:
		telemetry.RecordArchiveCleanup(ctx, "error")
		e.logger.Warn("failed to remove migrated archive object", "id", id, "key", key, "error", err)
	}
	return nil
}

// readArchive fetches and decodes the archived value for id.
func (e *Engine) readArchive(ctx context.Context, id string) ([]byte, bool, error) {
	key := archive.Key(e.archivePrefix, id)
	obj, err := e.archive.Get(ctx, key)
	if errors.Is(err, archive.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s from archive: %w", key, err)
	}
	value, err := e.codecs.Decode(obj.Body, obj.ContentEncoding)
	if err != nil {
		return nil, false, fmt.Errorf("decoding archived %s: %w", key, err)
	}
	return value, true, nil
}

// GetMulti returns a value for every distinct id in ids, nil when absent.
// Primary hits come from a single batched query. Misses are read from the
// archival tier one at a time and are not migrated.
func (e *Engine) GetMulti(ctx context.Context, ids []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	entries, err := e.primary.FindMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("reading %d ids from primary: %w", len(ids), err)
	}

	found := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		value, err := e.codecs.Decode(entry.Data, entry.ContentEncoding)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", entry.ID, err)
		}
		result[entry.ID] = value
		found[entry.ID] = struct{}{}
		telemetry.RecordLookup(ctx, "multi", telemetry.LookupPrimary)
	}

	for _, id := range primary.Dedupe(ids) {
		if _, ok := found[id]; ok {
			continue
		}
		result[id] = nil

		if e.archive == nil {
			telemetry.RecordLookup(ctx, "multi", telemetry.LookupMiss)
			continue
		}
		value, ok, err := e.readArchive(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			telemetry.RecordLookup(ctx, "multi", telemetry.LookupMiss)
			continue
		}
		result[id] = value
		telemetry.RecordLookup(ctx, "multi", telemetry.LookupArchive)
	}

	return result, nil
}

// Set stores value under id in the primary tier.
func (e *Engine) Set(ctx context.Context, id string, value []byte, ttl time.Duration) error {
	if ttl != 0 {
		e.logger.Debug("per-call ttl ignored, expiry follows the ttl index", "id", id, "ttl", ttl)
	}
	return e.set(ctx, id, value)
}

func (e *Engine) set(ctx context.Context, id string, value []byte) error {
	data, tag, err := e.codecs.Encode(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", id, err)
	}

	entry := &primary.Entry{
		ID:              id,
		Data:            data,
		ContentEncoding: tag,
		CreatedDay:      primary.Day(e.now()),
	}
	if err := e.primary.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("writing %s: %w", id, err)
	}
	telemetry.RecordStored(ctx, tag, len(data))
	return nil
}

// Delete removes id from the primary tier. Archived copies are left in place.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.primary.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// DeleteMulti removes ids from the primary tier.
func (e *Engine) DeleteMulti(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := e.primary.DeleteMany(ctx, ids); err != nil {
		return fmt.Errorf("deleting %d ids: %w", len(ids), err)
	}
	return nil
}

// Cleanup does nothing and never fails.
func (e *Engine) Cleanup(_ context.Context, _ time.Time) error {
	return nil
}

// EnsureTTLIndex provisions the primary tier expiry index.
func (e *Engine) EnsureTTLIndex(ctx context.Context, ttlDays int) error {
	if err := e.primary.EnsureTTLIndex(ctx, ttlDays); err != nil {
		return fmt.Errorf("ensuring ttl index: %w", err)
	}
	return nil
}

var _ Storage = (*Engine)(nil)
