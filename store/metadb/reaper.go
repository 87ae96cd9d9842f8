package metadb

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/selectify/telemetry"
)

// ExpiryReaper runs periodic removal of expired records. It is the store's
// own TTL mechanism; reads already treat expired records as absent.
type ExpiryReaper struct {
	db        MetaDB
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

// WithReaperBatchSize sets the maximum records to remove per reap cycle.
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
func NewExpiryReaper(db MetaDB, opts ...ReaperOption) *ExpiryReaper {
	r := &ExpiryReaper{
		db:        db,
		interval:  time.Minute,
		batchSize: 1000,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 {
		r.interval = time.Minute
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *ExpiryReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("expiry reaper started", "interval", r.interval, "batch_size", r.batchSize)

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

// reapBatch removes one batch of expired records and returns the count.
func (r *ExpiryReaper) reapBatch(ctx context.Context) int {
	start := time.Now()
	var deleted int
	defer func() {
		telemetry.RecordReaperCycle(ctx, "metadb", deleted, time.Since(start))
	}()

	expired, err := r.db.GetExpiredRecords(ctx, r.db.Now(), r.batchSize)
	if err != nil {
		r.logger.Error("failed to get expired records", "error", err)
		return 0
	}

	if len(expired) == 0 {
		return 0
	}

	r.logger.Debug("reaping expired records", "count", len(expired))

	deleted, err = r.db.DeleteExpiredRecords(ctx, expired)
	if err != nil {
		r.logger.Warn("failed to delete expired records", "count", len(expired), "error", err)
		return 0
	}

	r.logger.Info("expired records reaped",
		"deleted", deleted,
		"total", len(expired))
	return deleted
}

// ReapNow runs a single reap cycle immediately and returns the number of
// records removed.
func (r *ExpiryReaper) ReapNow(ctx context.Context) int {
	return r.reapBatch(ctx)
}
