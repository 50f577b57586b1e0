// Package server provides the HTTP surface of the strategy cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/strategy-cache/access"
	"github.com/wolfeidau/strategy-cache/backend"
	"github.com/wolfeidau/strategy-cache/download"
	"github.com/wolfeidau/strategy-cache/offline"
	"github.com/wolfeidau/strategy-cache/perf"
	"github.com/wolfeidau/strategy-cache/quota"
	"github.com/wolfeidau/strategy-cache/store/content"
	"github.com/wolfeidau/strategy-cache/store/gc"
	"github.com/wolfeidau/strategy-cache/store/metadb"
	"github.com/wolfeidau/strategy-cache/strategy"
	"github.com/wolfeidau/strategy-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for the metadata database and content.
	StoragePath string

	// QuotaBytes is the storage budget quota percentages are computed
	// against. Zero reports the quota as unsupported.
	QuotaBytes int64

	// HotCacheBytes sizes the in-memory content tier. Zero disables it.
	HotCacheBytes int64

	// AllowedHosts restricts which hosts may be fetched and cached.
	// Empty allows every host.
	AllowedHosts []string

	// Tokens maps bearer tokens to principal ids. When empty every request
	// is anonymous, which allows reads only.
	Tokens map[string]string

	// UserAgent is sent on network fetches.
	UserAgent string

	// MaxBodyBytes limits fetched and stored response bodies (default 32 MiB).
	MaxBodyBytes int64

	// QuotaCheckInterval is how often storage usage is checked (default 1m).
	QuotaCheckInterval time.Duration

	// SnapshotInterval is how often performance snapshots are taken (default 1m).
	SnapshotInterval time.Duration

	// ReaperInterval is how often expired metadata is reaped (default 5m).
	ReaperInterval time.Duration

	// Reconcile configures the content/metadata reconciliation sweep.
	Reconcile gc.Config

	// OfflineEndpoint is the base URL queued offline actions are posted to.
	OfflineEndpoint string

	// OfflineToken is sent as a bearer token with offline deliveries.
	OfflineToken string

	// OfflineSender overrides OfflineEndpoint.
	OfflineSender offline.Sender

	// OfflineInterval is how often pending actions are replayed (default 30s).
	OfflineInterval time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the strategy cache.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	// Components
	db       *metadb.BoltDB
	content  *content.Store
	reaper   *metadb.ExpiryReaper
	gc       *gc.Manager
	quota    *quota.Manager
	perf     *perf.Collector
	engine   *strategy.Engine
	queue    *offline.Queue
	replayer *offline.Replayer
	hub      *InvalidationHub

	// Lifecycle management for background loops
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new server with the given configuration. Every component is
// built here and shut down by Shutdown.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.QuotaCheckInterval == 0 {
		cfg.QuotaCheckInterval = time.Minute
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = time.Minute
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = 5 * time.Minute
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile = gc.DefaultConfig()
	}
	logger := cfg.Logger

	// Metadata database, shared with the offline queue
	db := metadb.NewBoltDB(filepath.Join(cfg.StoragePath, "metadata.db"), metadb.WithLogger(logger))
	if err := db.Initialize(context.Background()); err != nil {
		return nil, fmt.Errorf("initializing metadata store: %w", err)
	}

	fsBackend, err := backend.NewFilesystem(filepath.Join(cfg.StoragePath, "content"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	contentStore, err := content.New(
		backend.NewInstrumentedBackend(fsBackend, "filesystem"),
		content.WithHotCacheBytes(cfg.HotCacheBytes),
		content.WithLogger(logger),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating content store: %w", err)
	}

	quotaMgr := quota.New(db, contentStore,
		quota.BackendEstimator{Store: contentStore, QuotaBytes: cfg.QuotaBytes},
		quota.DefaultConfig(),
		quota.WithLogger(logger),
	)
	collector := perf.New(perf.DefaultConfig(),
		perf.WithLogger(logger),
		perf.WithStorageSource(quotaMgr),
	)

	hub := NewInvalidationHub(logger)

	fetcherOpts := []download.FetcherOption{}
	if cfg.UserAgent != "" {
		fetcherOpts = append(fetcherOpts, download.WithUserAgent(cfg.UserAgent))
	}
	if cfg.MaxBodyBytes > 0 {
		fetcherOpts = append(fetcherOpts, download.WithMaxBodyBytes(cfg.MaxBodyBytes))
	}
	client := &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, strategy.DefaultCategory)}
	engine := strategy.New(db, contentStore, download.NewFetcher(client, fetcherOpts...),
		strategy.WithLogger(logger),
		strategy.WithAccessValidator(access.NewHostPolicy(cfg.AllowedHosts...)),
		strategy.WithMetrics(collector),
		strategy.WithBroadcaster(hub),
	)
	db.SetRemoveFunc(engine.DropContent)

	queue, err := offline.NewQueue(db.DB(), offline.WithQueueLogger(logger))
	if err != nil {
		engine.Close()
		contentStore.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating offline queue: %w", err)
	}
	sender := cfg.OfflineSender
	if sender == nil && cfg.OfflineEndpoint != "" {
		sender = offline.NewHTTPSender(cfg.OfflineEndpoint, offline.WithBearerToken(cfg.OfflineToken))
	}
	var replayer *offline.Replayer
	if sender != nil {
		replayerOpts := []offline.ReplayerOption{
			offline.WithLogger(logger),
			offline.WithSyncRecorder(collector),
			offline.WithInvalidator(engine),
		}
		if cfg.OfflineInterval > 0 {
			replayerOpts = append(replayerOpts, offline.WithInterval(cfg.OfflineInterval))
		}
		replayer = offline.NewReplayer(queue, sender, replayerOpts...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		logger:   logger,
		db:       db,
		content:  contentStore,
		reaper:   metadb.NewExpiryReaper(db, metadb.WithReaperInterval(cfg.ReaperInterval), metadb.WithReaperLogger(logger)),
		gc:       gc.New(db, contentStore, cfg.Reconcile, gc.WithLogger(logger), gc.WithMetrics(telemetry.Meter())),
		quota:    quotaMgr,
		perf:     collector,
		engine:   engine,
		queue:    queue,
		replayer: replayer,
		hub:      hub,
		ctx:      ctx,
		cancel:   cancel,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// StartBackground starts the monitors, sweeps and replay loops without
// listening for requests.
func (s *Server) StartBackground() {
	s.quota.StartMonitoring(s.ctx, s.config.QuotaCheckInterval)
	s.perf.Start(s.ctx, s.config.SnapshotInterval)
	s.gc.Start(s.ctx)

	s.goBackground(s.reaper.Run)
	s.goBackground(s.hub.Run)
	if s.replayer != nil {
		s.goBackground(s.replayer.Run)
	}
}

func (s *Server) goBackground(fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Start starts the background loops and the server.
func (s *Server) Start() error {
	s.StartBackground()

	s.logger.Info("starting server",
		"address", s.config.Address,
		"quota_bytes", s.config.QuotaBytes,
		"offline_replay", s.replayer != nil,
	)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server and every component.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	s.quota.StopMonitoring()
	s.perf.Stop()
	if gcErr := s.gc.Stop(ctx); gcErr != nil {
		s.logger.Warn("stopping reconciliation failed", "error", gcErr)
	}
	s.cancel()
	s.wg.Wait()
	s.hub.Close()

	s.engine.Close()
	s.engine.SettlePreloads()
	s.content.Close()
	if dbErr := s.db.Close(); dbErr != nil {
		err = errors.Join(err, fmt.Errorf("closing metadata store: %w", dbErr))
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
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

		// Inject request tags so handlers can set cache_result, endpoint, etc.
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
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Category != "" {
			attrs = append(attrs, "category", tags.Category)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming and
// websocket upgrades.
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
