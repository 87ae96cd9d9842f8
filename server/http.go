// Package server provides the HTTP API of the gallery service.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/net/netutil"

	"github.com/wolfeidau/selectify"
	"github.com/wolfeidau/selectify/backend"
	"github.com/wolfeidau/selectify/gallery"
	"github.com/wolfeidau/selectify/store/metadb"
	"github.com/wolfeidau/selectify/sweeper"
	"github.com/wolfeidau/selectify/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// JWTSecret is the HS256 key that upload tokens are signed with.
	JWTSecret string

	// MaxConnections caps concurrently open connections. Zero means no cap.
	MaxConnections int

	// MaxUploadBytes caps the size of one upload request.
	// Default: 100MB
	MaxUploadBytes int64

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the gallery service.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	registry *gallery.Registry
	gate     *gallery.Gate
	blobs    backend.Backend
	db       *metadb.BoltDB
	sweeper  *sweeper.Manager
	reaper   *metadb.ExpiryReaper

	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// Option configures optional server components.
type Option func(*Server)

// WithStatsDB exposes metadata store statistics on /stats.
func WithStatsDB(db *metadb.BoltDB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithSweeper runs the retention sweeper alongside the server and reports its
// last run on /stats.
func WithSweeper(m *sweeper.Manager) Option {
	return func(s *Server) {
		s.sweeper = m
	}
}

// WithReaper runs the metadata expiry reaper alongside the server.
func WithReaper(r *metadb.ExpiryReaper) Option {
	return func(s *Server) {
		s.reaper = r
	}
}

// New creates a new server with the given configuration.
func New(cfg Config, registry *gallery.Registry, gate *gallery.Gate, blobs backend.Backend, opts ...Option) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		registry: registry,
		gate:     gate,
		blobs:    blobs,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.loggingMiddleware(gzhttp.GzipHandler(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute, // Uploads carry whole batches of photos
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.Handle("POST /api/upload", s.authMiddleware(http.HandlerFunc(s.handleUpload)))

	mux.HandleFunc("GET /gallery", s.handleList)
	mux.HandleFunc("GET /gallery/{uniqueId}", s.handleOwnerView)
	mux.HandleFunc("GET /gallery/show/{uniqueId}", s.handlePublicView)
	mux.HandleFunc("PUT /photolinks/{originalFileName}/{id}/{uniqueId}/select", s.handleSelect)

	mux.HandleFunc("GET /blobs/{key...}", s.handleBlob)
	mux.HandleFunc("HEAD /blobs/{key...}", s.handleBlob)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetArea(r, "ops")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	DB        *metadb.DBStats `json:"db,omitempty"`
	LastSweep *sweeper.Result `json:"last_sweep,omitempty"`
	NextSweep *time.Time      `json:"next_sweep,omitempty"`
}

// handleStats reports metadata store and sweeper state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetArea(r, "ops")

	var resp statsResponse
	if s.db != nil {
		stats, err := s.db.Stats(r.Context())
		if err != nil {
			s.writeError(w, r, selectify.Wrap(err, selectify.CodeStoreUnavailable, "server.stats", "reading stats failed"))
			return
		}
		resp.DB = stats
	}
	if s.sweeper != nil {
		resp.LastSweep = s.sweeper.Status()
		next := s.sweeper.NextRun()
		resp.NextSweep = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set area, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Area != "" {
			attrs = append(attrs, "area", tags.Area)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Decision != telemetry.DecisionNA {
			attrs = append(attrs, "decision", string(tags.Decision))
		}
		if tags.UserID != "" {
			attrs = append(attrs, "user_id", tags.UserID)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the background jobs and serves on the configured address.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the background jobs and serves on ln. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	bgCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.reaper != nil {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.reaper.Run(bgCtx)
		}()
	}
	if s.sweeper != nil {
		s.sweeper.Start(bgCtx)
	}

	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}

	s.logger.Info("starting server", "address", ln.Addr().String(), "max_connections", s.config.MaxConnections)
	return s.httpServer.Serve(ln)
}

// Shutdown drains HTTP requests, then stops the background jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	if s.sweeper != nil {
		if serr := s.sweeper.Stop(ctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("stopping sweeper: %w", serr))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.bg.Wait()

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
