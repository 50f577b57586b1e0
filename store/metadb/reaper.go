package metadb

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/strategy-cache/telemetry"
)

// ExpiryReaper periodically removes expired metadata. Removed records reach
// the database's remove hook, which drops the matching content.
type ExpiryReaper struct {
	db        *BoltDB
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
// Defaults: interval=5m, batchSize=100.
func NewExpiryReaper(db *BoltDB, opts ...ReaperOption) *ExpiryReaper {
	r := &ExpiryReaper{
		db:        db,
		interval:  5 * time.Minute,
		batchSize: 100,
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
			r.ReapNow(ctx)
		}
	}
}

// ReapNow runs a single reap cycle immediately and returns the number of
// records removed.
func (r *ExpiryReaper) ReapNow(ctx context.Context) int {
	start := time.Now()
	deleted, err := r.db.RemoveExpired(ctx, r.db.now(), r.batchSize)
	telemetry.RecordReaperCycle(ctx, "expiry", deleted, time.Since(start))
	if err != nil {
		r.logger.Error("failed to reap expired metadata", "error", err)
		return deleted
	}
	if deleted > 0 {
		r.logger.Info("expired entries reaped", "deleted", deleted)
	}
	return deleted
}
