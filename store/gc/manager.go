// Package gc reconciles the content stores with the metadata index,
// dropping entries that exist on only one side.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/store/content"
	"github.com/wolfeidau/strategy-cache/store/metadb"
)

// ContentStore is the part of the content store the sweep needs.
type ContentStore interface {
	Stores(ctx context.Context) ([]string, error)
	Keys(ctx context.Context, store string) ([]strategycache.Key, error)
	Get(ctx context.Context, store string, key strategycache.Key) (*content.Response, error)
	Delete(ctx context.Context, store string, key strategycache.Key) error
}

// Config configures the reconciliation manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 5m)
	BatchSize    int           // Max items to process per phase (default: 1000)
	// GracePeriod protects entries written this recently, since content is
	// stored before its metadata (default: 1m).
	GracePeriod time.Duration
}

// DefaultConfig returns the default reconciliation configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 5 * time.Minute,
		BatchSize:    1000,
		GracePeriod:  1 * time.Minute,
	}
}

// Result contains the results of a reconciliation run.
type Result struct {
	StartedAt            time.Time     `json:"started_at"`
	Duration             time.Duration `json:"duration"`
	ExpiredMetaDeleted   int           `json:"expired_meta_deleted"`
	OrphanContentDeleted int           `json:"orphan_content_deleted"`
	OrphanMetaDeleted    int           `json:"orphan_meta_deleted"`
	BytesReclaimed       int64         `json:"bytes_reclaimed"`
	Errors               []string      `json:"errors,omitempty"`
}

// Manager runs the reconciliation sweep on a schedule.
type Manager struct {
	db      metadb.MetaDB
	content ContentStore
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
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
			m.logger.Error("failed to create reconcile metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a new reconciliation manager.
func New(db metadb.MetaDB, store ContentStore, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:      db,
		content: store,
		config:  config,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background reconciliation goroutine.
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

// Stop gracefully stops the manager. A sweep in progress runs to completion.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate reconciliation run.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	return m.reconcile(ctx), nil
}

// Status returns the last run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("reconcile manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("reconcile manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("reconcile manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.reconcile(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reconcile(ctx)
		case <-m.stopCh:
			m.logger.Info("reconcile manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("reconcile manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) reconcile(ctx context.Context) *Result {
	result := &Result{
		StartedAt: m.now(),
	}
	start := time.Now()

	m.logger.Info("starting reconcile run")

	// Phase 1: Delete expired metadata
	m.phaseExpireMeta(ctx, result)

	// Phase 2 and 3 compare the two sides
	m.phaseReconcile(ctx, result)

	result.Duration = time.Since(start)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("reconcile run completed",
		"duration", result.Duration,
		"expired_meta_deleted", result.ExpiredMetaDeleted,
		"orphan_content_deleted", result.OrphanContentDeleted,
		"orphan_meta_deleted", result.OrphanMetaDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
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
	m.metrics.expiredMetaDeleted.Add(ctx, int64(result.ExpiredMetaDeleted))
	m.metrics.orphanContentDeleted.Add(ctx, int64(result.OrphanContentDeleted))
	m.metrics.orphanMetaDeleted.Add(ctx, int64(result.OrphanMetaDeleted))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
