package boltstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/nodestore/telemetry"
)

// ExpiryReaper periodically deletes entries past the TTL index expiry.
// It plays the part of a document store's background TTL monitor.
type ExpiryReaper struct {
	store     *Store
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures an ExpiryReaper.
type ReaperOption func(*ExpiryReaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *ExpiryReaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum entries to process per reap cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *ExpiryReaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *ExpiryReaper) {
		r.logger = logger
	}
}

// NewExpiryReaper creates a new expiry reaper with the given options.
// Defaults: interval=1m, batchSize=1000.
func NewExpiryReaper(store *Store, opts ...ReaperOption) *ExpiryReaper {
	r := &ExpiryReaper{
		store:     store,
		interval:  time.Minute,
		batchSize: 1000,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *ExpiryReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("expiry reaper started", "interval", r.interval, "batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("expiry reaper stopped")
			return
		case <-ticker.C:
			r.reapBatch(ctx)
		}
	}
}

// reapBatch deletes one batch of expired entries.
func (r *ExpiryReaper) reapBatch(ctx context.Context) int {
	start := time.Now()
	var deleted int
	defer func() {
		telemetry.RecordReaperCycle(ctx, "bolt", deleted, time.Since(start))
	}()

	ttl, err := r.store.TTL()
	if err != nil {
		r.logger.Error("failed to read ttl index", "error", err)
		return 0
	}
	if ttl == 0 {
		return 0
	}

	deleted, err = r.store.DeleteExpired(ctx, ttl, r.batchSize)
	if err != nil {
		r.logger.Error("failed to delete expired entries", "error", err)
		return deleted
	}

	if deleted > 0 {
		r.logger.Info("expired entries reaped", "deleted", deleted)
	}
	return deleted
}

// ReapNow runs a single reap cycle immediately and returns the number of
// entries deleted.
func (r *ExpiryReaper) ReapNow(ctx context.Context) int {
	return r.reapBatch(ctx)
}
