package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/store/content"
	"github.com/wolfeidau/strategy-cache/store/metadb"
	"github.com/wolfeidau/strategy-cache/telemetry"
)

// ContentStore is the part of the content store eviction needs.
type ContentStore interface {
	Stores(ctx context.Context) ([]string, error)
	Keys(ctx context.Context, store string) ([]strategycache.Key, error)
	Get(ctx context.Context, store string, key strategycache.Key) (*content.Response, error)
	Delete(ctx context.Context, store string, key strategycache.Key) error
	Purge(ctx context.Context, store string) (int, error)
}

// LRUEvictionPolicy shapes the order of weighted LRU eviction.
type LRUEvictionPolicy struct {
	PrioritizeLargeImages    bool  `json:"prioritizeLargeImages"`
	PreserveRecentlyAccessed bool  `json:"preserveRecentlyAccessed"`
	MaxImageSizeBytes        int64 `json:"maxImageSizeBytes"`
	MinAccessCount           int64 `json:"minAccessCount"`
}

// DefaultLRUEvictionPolicy returns the default eviction policy.
func DefaultLRUEvictionPolicy() LRUEvictionPolicy {
	return LRUEvictionPolicy{
		PrioritizeLargeImages:    true,
		PreserveRecentlyAccessed: true,
		MaxImageSizeBytes:        5 * 1024 * 1024,
		MinAccessCount:           2,
	}
}

// Config configures a Manager.
type Config struct {
	Thresholds Thresholds
	Policy     LRUEvictionPolicy
	LRUEnabled bool
	// Cooldown is the minimum time between automatic cleanups (default: 5m).
	Cooldown time.Duration
	// PurgeableStores are the content stores an aggressive purge may drop
	// wholesale.
	PurgeableStores []string
	// RecheckEvery is how many LRU deletions happen between quota probes
	// (default: 10).
	RecheckEvery int
}

// DefaultConfig returns the default quota configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds:      DefaultThresholds(),
		Policy:          DefaultLRUEvictionPolicy(),
		LRUEnabled:      true,
		Cooldown:        5 * time.Minute,
		PurgeableStores: []string{"images", "marketplace", "feed"},
		RecheckEvery:    10,
	}
}

// StageResult reports what one cleanup stage removed.
type StageResult struct {
	Stage      string `json:"stage"`
	Removed    int    `json:"removed"`
	BytesFreed int64  `json:"bytesFreed"`
}

// CleanupReport describes a proactive cleanup run.
type CleanupReport struct {
	Target        float64       `json:"target"`
	Aggressive    bool          `json:"aggressive"`
	Before        Snapshot      `json:"before"`
	After         Snapshot      `json:"after"`
	Stages        []StageResult `json:"stages"`
	TargetReached bool          `json:"targetReached"`
	Duration      time.Duration `json:"duration"`
}

// Removed returns the total entries removed across stages.
func (r CleanupReport) Removed() int {
	var n int
	for _, s := range r.Stages {
		n += s.Removed
	}
	return n
}

// Callback receives every quota snapshot taken by the monitor.
type Callback func(Snapshot)

// Manager monitors storage usage and runs staged cleanups.
type Manager struct {
	db        metadb.MetaDB
	store     ContentStore
	estimator Estimator
	config    Config
	logger    *slog.Logger
	now       func() time.Time

	cleanupMu sync.Mutex

	mu          sync.Mutex
	lastCleanup time.Time
	callbacks   map[int]Callback
	nextID      int
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a quota manager.
func New(db metadb.MetaDB, store ContentStore, estimator Estimator, config Config, opts ...Option) *Manager {
	if config.Cooldown <= 0 {
		config.Cooldown = 5 * time.Minute
	}
	if config.RecheckEvery <= 0 {
		config.RecheckEvery = 10
	}
	m := &Manager{
		db:        db,
		store:     store,
		estimator: estimator,
		config:    config,
		logger:    slog.Default(),
		now:       time.Now,
		callbacks: make(map[int]Callback),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "quota")
	return m
}

// Thresholds returns the configured thresholds.
func (m *Manager) Thresholds() Thresholds {
	return m.config.Thresholds
}

// GetStorageQuotaInfo returns the current usage snapshot. When no estimate
// is available it returns a zeroed snapshot rather than an error.
func (m *Manager) GetStorageQuotaInfo(ctx context.Context) Snapshot {
	used, quota, err := m.estimator.Estimate(ctx)
	if err != nil {
		if !isUnsupported(err) {
			m.logger.Warn("storage estimate failed", "error", err)
		}
		return Snapshot{Level: LevelNormal}
	}
	snap := newSnapshot(used, quota, m.config.Thresholds)
	telemetry.RecordQuota(ctx, snap.UsedBytes, snap.QuotaBytes, snap.PercentageUsed)
	return snap
}

// OnQuotaChange registers cb for every monitored snapshot and returns a
// function that unregisters it.
func (m *Manager) OnQuotaChange(cb Callback) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.callbacks[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.callbacks, id)
	}
}

// StartMonitoring checks quota every interval until StopMonitoring.
// Calling it while monitoring is already running logs a warning and does
// nothing.
func (m *Manager) StartMonitoring(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("quota monitoring already running")
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	m.logger.Info("quota monitoring started", "interval", interval)
	go m.monitor(ctx, interval, stopCh, doneCh)
}

// StopMonitoring stops the monitor and waits for the current tick, including
// any cleanup it started, to finish.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
	m.logger.Info("quota monitoring stopped")
}

// Close stops monitoring.
func (m *Manager) Close() error {
	m.StopMonitoring()
	return nil
}

func (m *Manager) monitor(ctx context.Context, interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.HandleQuotaCheck(ctx, m.GetStorageQuotaInfo(ctx))
		case <-stopCh:
			return
		case <-ctx.Done():
			m.mu.Lock()
			if m.stopCh == stopCh {
				m.running = false
			}
			m.mu.Unlock()
			return
		}
	}
}

// HandleQuotaCheck delivers info to every callback and starts a proactive
// cleanup when usage has reached the cleanup threshold and the last cleanup
// was at least Cooldown ago. A check that finds a cleanup already running
// leaves the cooldown untouched.
func (m *Manager) HandleQuotaCheck(ctx context.Context, info Snapshot) {
	m.notify(info)

	if !info.Supported() || info.PercentageUsed < m.config.Thresholds.Cleanup {
		return
	}

	m.mu.Lock()
	now := m.now()
	if !m.lastCleanup.IsZero() && now.Sub(m.lastCleanup) < m.config.Cooldown {
		m.mu.Unlock()
		m.logger.Debug("skipping cleanup during cooldown", "last_cleanup", m.lastCleanup)
		return
	}
	prev := m.lastCleanup
	m.lastCleanup = now
	m.mu.Unlock()

	aggressive := info.PercentageUsed >= m.config.Thresholds.Emergency
	m.logger.Info("storage above cleanup threshold",
		"percentage", info.PercentageUsed,
		"aggressive", aggressive,
	)
	_, err := m.PerformProactiveCleanup(ctx, m.config.Thresholds.Warning, aggressive)
	switch {
	case errors.Is(err, strategycache.ErrCleanupInProgress):
		// nothing ran, so the cooldown does not start
		m.mu.Lock()
		if m.lastCleanup.Equal(now) {
			m.lastCleanup = prev
		}
		m.mu.Unlock()
		m.logger.Debug("cleanup already running")
	case err != nil:
		m.logger.Warn("proactive cleanup failed", "error", err)
	}
}

func (m *Manager) notify(info Snapshot) {
	m.mu.Lock()
	callbacks := make([]Callback, 0, len(m.callbacks))
	for i := 0; i < m.nextID; i++ {
		if cb, ok := m.callbacks[i]; ok {
			callbacks = append(callbacks, cb)
		}
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		m.safeCall(cb, info)
	}
}

func (m *Manager) safeCall(cb Callback, info Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("quota callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	cb(info)
}
