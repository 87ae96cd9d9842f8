package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wolfeidau/selectify/gallery"
	"github.com/wolfeidau/selectify/server"
	"github.com/wolfeidau/selectify/store/metadb"
	"github.com/wolfeidau/selectify/sweeper"
	"github.com/wolfeidau/selectify/telemetry"
)

// SweepFlags configure the retention sweeper.
type SweepFlags struct {
	SweepHour     int    `help:"Hour of day (0-23) the daily sweep runs." default:"0" env:"SELECTIFY_SWEEP_HOUR"`
	SweepTimezone string `help:"IANA zone the sweep hour is read in." default:"UTC" env:"SELECTIFY_SWEEP_TIMEZONE"`
	SweepBatch    int    `help:"Maximum items per sweep batch." default:"1000" env:"SELECTIFY_SWEEP_BATCH_SIZE"`
}

func (f *SweepFlags) config(retention time.Duration) (sweeper.Config, error) {
	loc, err := time.LoadLocation(f.SweepTimezone)
	if err != nil {
		return sweeper.Config{}, fmt.Errorf("loading sweep timezone: %w", err)
	}
	cfg := sweeper.DefaultConfig()
	cfg.Hour = f.SweepHour
	cfg.Location = loc
	cfg.Retention = retention
	cfg.BatchSize = f.SweepBatch
	return cfg, nil
}

// ServeCmd runs the HTTP server with the reaper and sweeper alongside.
type ServeCmd struct {
	StorageFlags
	SweepFlags

	Address        string `help:"Address to listen on." default:":8080" env:"SELECTIFY_ADDRESS"`
	MaxConnections int    `help:"Maximum concurrent connections (0 for no limit)." default:"0" env:"SELECTIFY_MAX_CONNECTIONS"`
	MaxUploadBytes int64  `help:"Maximum size of one upload request in bytes." default:"104857600" env:"SELECTIFY_MAX_UPLOAD_BYTES"`

	VisitThreshold    int  `help:"Public views are refused once a link's visit count exceeds this value." default:"2" env:"SELECTIFY_VISIT_THRESHOLD"`
	UploadConcurrency int  `help:"Parallel blob writes per upload." default:"4" env:"SELECTIFY_UPLOAD_CONCURRENCY"`
	ResizeQuality     int  `help:"JPEG quality of stored photos (1-100)." default:"20" env:"SELECTIFY_RESIZE_QUALITY"`
	ResizeMaxDim      uint `help:"Bound on the longest side of stored photos in pixels (0 keeps the original size)." default:"0" env:"SELECTIFY_RESIZE_MAX_DIMENSION"`

	ReaperInterval time.Duration `help:"How often expired metadata is purged." default:"1m" env:"SELECTIFY_REAPER_INTERVAL"`
	SweepOnStart   bool          `help:"Run a sweep as soon as the server starts." env:"SELECTIFY_SWEEP_ON_START"`

	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"SELECTIFY_PROMETHEUS"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (host:port)." env:"SELECTIFY_OTLP_ENDPOINT"`
}

func (c *ServeCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	sweepCfg, err := c.config(c.Retention)
	if err != nil {
		return err
	}
	sweepCfg.RunOnStart = c.SweepOnStart

	st, err := openStack(ctx, g, &c.StorageFlags, logger,
		gallery.WithConcurrency(c.UploadConcurrency),
		gallery.WithResizer(newResizer(c.ResizeQuality, c.ResizeMaxDim, logger)),
	)
	if err != nil {
		return err
	}
	defer st.Close()

	gate := gallery.NewGate(st.registry,
		gallery.WithVisitThreshold(c.VisitThreshold),
		gallery.WithGateLogger(logger),
	)
	sweep := sweeper.New(st.db, st.blobs, st.registry, sweepCfg,
		sweeper.WithLogger(logger),
		sweeper.WithMetrics(otel.Meter("github.com/wolfeidau/selectify/sweeper")),
	)
	reaper := metadb.NewExpiryReaper(st.db,
		metadb.WithReaperInterval(c.ReaperInterval),
		metadb.WithReaperLogger(logger),
	)

	srv, err := server.New(server.Config{
		Address:        c.Address,
		JWTSecret:      st.creds.JWTSecret,
		MaxConnections: c.MaxConnections,
		MaxUploadBytes: c.MaxUploadBytes,
		Logger:         logger,
	}, st.registry, gate, st.blobs,
		server.WithStatsDB(st.db),
		server.WithSweeper(sweep),
		server.WithReaper(reaper),
	)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"backend", c.Backend,
		"retention", c.Retention,
		"next_sweep", sweep.NextRun(),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// SweepCmd runs a single sweep against the configured stores.
type SweepCmd struct {
	StorageFlags
	SweepFlags
}

func (c *SweepCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := c.config(c.Retention)
	if err != nil {
		return err
	}

	st, err := openStack(ctx, g, &c.StorageFlags, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := sweeper.New(st.db, st.blobs, st.registry, cfg, sweeper.WithLogger(logger)).RunNow(ctx)
	if err != nil {
		return err
	}

	logger.Info("sweep finished",
		"cutoff", result.Cutoff,
		"blobs_deleted", result.BlobsDeleted(),
		"photo_records_deleted", result.PhotoRecordsDeleted,
		"errors", len(result.Errors),
		"duration", result.Duration,
	)
	if len(result.Errors) > 0 {
		return fmt.Errorf("sweep finished with %d errors", len(result.Errors))
	}
	return nil
}
