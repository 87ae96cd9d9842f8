// Package sweeper deletes photo blobs once their retention window has passed.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/selectify/backend"
	"github.com/wolfeidau/selectify/gallery"
	"github.com/wolfeidau/selectify/store/metadb"
)

// ErrSweepInProgress is returned by RunNow while another sweep is running.
var ErrSweepInProgress = errors.New("sweep already in progress")

// PhotoSource lists and removes photo records.
type PhotoSource interface {
	PhotosCreatedBefore(ctx context.Context, cutoff time.Time) ([]gallery.PhotoRecord, error)
	DeletePhoto(ctx context.Context, id string) error
}

// Config configures the sweeper.
type Config struct {
	Hour       int            // Hour of day to sweep, 0-23 (default: 0)
	Location   *time.Location // Zone the hour is read in (default: UTC)
	Retention  time.Duration  // Age after which photos are swept (default: 48h)
	BatchSize  int            // Max items per phase batch (default: 1000)
	RunOnStart bool           // Sweep once when started
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Hour:      0,
		Location:  time.UTC,
		Retention: gallery.DefaultRetention,
		BatchSize: 1000,
	}
}

func (c *Config) setDefaults() {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Retention <= 0 {
		c.Retention = gallery.DefaultRetention
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	c.Hour = min(max(c.Hour, 0), 23)
}

// Result contains the results of a sweep.
type Result struct {
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
	Cutoff              time.Time     `json:"cutoff"`
	LedgerBlobsDeleted  int           `json:"ledger_blobs_deleted"`
	RecordBlobsDeleted  int           `json:"record_blobs_deleted"`
	PhotoRecordsDeleted int           `json:"photo_records_deleted"`
	OrphanBlobsDeleted  int           `json:"orphan_blobs_deleted"`
	Errors              []string      `json:"errors,omitempty"`
}

// BlobsDeleted is the number of blobs removed by every phase.
func (r *Result) BlobsDeleted() int {
	return r.LedgerBlobsDeleted + r.RecordBlobsDeleted + r.OrphanBlobsDeleted
}

// Manager runs the retention sweep once a day.
type Manager struct {
	db      metadb.MetaDB
	backend backend.Backend
	photos  PhotoSource
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result

	// sweepMu is held for the duration of a sweep.
	sweepMu sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create sweeper metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// WithNow sets the clock. Defaults to the metadata store clock.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a new sweeper.
func New(db metadb.MetaDB, blobs backend.Backend, photos PhotoSource, config Config, opts ...ManagerOption) *Manager {
	config.setDefaults()
	m := &Manager{
		db:      db,
		backend: blobs,
		photos:  photos,
		config:  config,
		logger:  slog.Default(),
		now:     db.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "sweeper")
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Start starts the background sweep goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the sweeper, waiting for a running sweep to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.running = false
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow sweeps immediately. It returns ErrSweepInProgress rather than wait
// for a sweep that is already running.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	if !m.sweepMu.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer m.sweepMu.Unlock()

	return m.sweep(ctx), nil
}

// Status returns the last sweep result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

// NextRun returns when the next scheduled sweep starts.
func (m *Manager) NextRun() time.Time {
	return NextRun(m.now(), m.config.Hour, m.config.Location)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("sweeper starting",
		"hour", m.config.Hour,
		"location", m.config.Location.String(),
		"retention", m.config.Retention,
		"run_on_start", m.config.RunOnStart,
	)

	if m.config.RunOnStart {
		m.scheduled(ctx)
	}

	for {
		next := m.NextRun()
		timer := time.NewTimer(next.Sub(m.now()))
		m.logger.Debug("next sweep scheduled", "at", next)

		select {
		case <-timer.C:
			m.scheduled(ctx)
		case <-m.stopCh:
			timer.Stop()
			m.logger.Info("sweeper stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("sweeper context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) scheduled(ctx context.Context) {
	if _, err := m.RunNow(ctx); err != nil {
		m.logger.Warn("scheduled sweep skipped", "error", err)
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) sweep(ctx context.Context) *Result {
	now := m.now()
	result := &Result{
		StartedAt: now,
		Cutoff:    now.Add(-m.config.Retention),
	}
	started := time.Now()

	m.logger.Info("starting sweep", "cutoff", result.Cutoff)

	// Keys whose blob has been deleted during this sweep.
	deleted := make(map[string]bool)

	m.phaseLedger(ctx, now, result, deleted)
	m.phaseRecords(ctx, result, deleted)
	m.phaseOrphans(ctx, result, deleted)

	result.Duration = time.Since(started)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("sweep completed",
		"duration", result.Duration,
		"ledger_blobs_deleted", result.LedgerBlobsDeleted,
		"record_blobs_deleted", result.RecordBlobsDeleted,
		"photo_records_deleted", result.PhotoRecordsDeleted,
		"orphan_blobs_deleted", result.OrphanBlobsDeleted,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.ledgerBlobsDeleted.Add(ctx, int64(result.LedgerBlobsDeleted))
	m.metrics.recordBlobsDeleted.Add(ctx, int64(result.RecordBlobsDeleted))
	m.metrics.orphanBlobsDeleted.Add(ctx, int64(result.OrphanBlobsDeleted))
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
