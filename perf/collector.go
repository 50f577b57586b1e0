package perf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/strategy-cache/quota"
	"github.com/wolfeidau/strategy-cache/telemetry"
)

// StorageSource supplies storage usage for snapshots. quota.Manager
// satisfies it.
type StorageSource interface {
	GetStorageQuotaInfo(ctx context.Context) quota.Snapshot
}

// Config configures a Collector.
type Config struct {
	// MaxSnapshots caps the snapshot history (default: 1000).
	MaxSnapshots int
	// SuppressFor is how long an alert for the same type and context stays
	// silenced after firing (default: 5m).
	SuppressFor time.Duration
	// HitRateFloor fires hit_rate_low below this ratio (default: 0.5).
	HitRateFloor float64
	// MinLookups is the lookups a cache type needs before its hit rate is
	// judged (default: 10).
	MinLookups int64
	// StorageEmergency fires storage_full at this percentage (default: 90).
	StorageEmergency float64
	// StorageWarning is the percentage at which storage is reported as high
	// in recommendations (default: 70).
	StorageWarning float64
	// SyncFloor fires sync_failure_high below this success rate (default: 0.8).
	SyncFloor float64
	// MinSyncOps is the sync operations needed before SyncFloor applies
	// (default: 5).
	MinSyncOps int64
}

// DefaultConfig returns the default collector configuration.
func DefaultConfig() Config {
	th := quota.DefaultThresholds()
	return Config{
		MaxSnapshots:     1000,
		SuppressFor:      5 * time.Minute,
		HitRateFloor:     0.5,
		MinLookups:       10,
		StorageEmergency: th.Emergency,
		StorageWarning:   th.Warning,
		SyncFloor:        0.8,
		MinSyncOps:       5,
	}
}

type syncTotals struct {
	ops, succeeded, retries int64
	processing              time.Duration
}

type preloadTotals struct {
	ops, succeeded, used, wasted, bytesSaved int64
	loadTime                                 time.Duration
	byCondition                              map[string]int64
}

// Collector records cache activity and keeps the snapshot history.
type Collector struct {
	config  Config
	storage StorageSource
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	hitRates  map[string]*HitRate
	syncOps   syncTotals
	preload   preloadTotals
	snapshots *ring
	alerts    []Alert
	lastFired map[string]time.Time
	onAlert   map[int]func(Alert)
	nextID    int

	timerMu sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger for the collector.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

// WithStorageSource sets where snapshots read storage usage from.
func WithStorageSource(s StorageSource) Option {
	return func(c *Collector) {
		c.storage = s
	}
}

// New creates a collector.
func New(config Config, opts ...Option) *Collector {
	def := DefaultConfig()
	if config.MaxSnapshots <= 0 {
		config.MaxSnapshots = def.MaxSnapshots
	}
	if config.SuppressFor <= 0 {
		config.SuppressFor = def.SuppressFor
	}
	if config.HitRateFloor <= 0 {
		config.HitRateFloor = def.HitRateFloor
	}
	if config.MinLookups <= 0 {
		config.MinLookups = def.MinLookups
	}
	if config.StorageEmergency <= 0 {
		config.StorageEmergency = def.StorageEmergency
	}
	if config.StorageWarning <= 0 {
		config.StorageWarning = def.StorageWarning
	}
	if config.SyncFloor <= 0 {
		config.SyncFloor = def.SyncFloor
	}
	if config.MinSyncOps <= 0 {
		config.MinSyncOps = def.MinSyncOps
	}
	c := &Collector{
		config:    config,
		logger:    slog.Default(),
		now:       time.Now,
		hitRates:  make(map[string]*HitRate),
		snapshots: newRing(config.MaxSnapshots),
		lastFired: make(map[string]time.Time),
		onAlert:   make(map[int]func(Alert)),
	}
	c.preload.byCondition = make(map[string]int64)
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "perf")
	return c
}

// RecordCacheHit counts a hit for cacheType.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.recordLookup(cacheType, true)
}

// RecordCacheMiss counts a miss for cacheType.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.recordLookup(cacheType, false)
}

func (c *Collector) recordLookup(cacheType string, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hitRates[cacheType]
	if !ok {
		h = &HitRate{}
		c.hitRates[cacheType] = h
	}
	if hit {
		h.Hits++
	} else {
		h.Misses++
	}
	h.Ratio = float64(h.Hits) / float64(h.total())
}

// RecordSyncOperation records one offline replay attempt.
func (c *Collector) RecordSyncOperation(success bool, retryCount int, processingTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncOps.ops++
	if success {
		c.syncOps.succeeded++
	}
	c.syncOps.retries += int64(retryCount)
	c.syncOps.processing += processingTime
}

// RecordPreloadOperation records one preload once its use is known.
func (c *Collector) RecordPreloadOperation(op PreloadOperation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preload.ops++
	c.preload.loadTime += op.LoadTime
	if op.Success {
		c.preload.succeeded++
		if op.WasUsed {
			c.preload.used++
		} else {
			c.preload.wasted++
		}
		c.preload.bytesSaved += op.BytesSaved
	}
	condition := op.NetworkCondition
	if condition == "" {
		condition = "unknown"
	}
	c.preload.byCondition[condition]++
}

// HitRates returns a copy of the per-type hit rates.
func (c *Collector) HitRates() map[string]HitRate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitRatesLocked()
}

func (c *Collector) hitRatesLocked() map[string]HitRate {
	out := make(map[string]HitRate, len(c.hitRates))
	for k, v := range c.hitRates {
		out[k] = *v
	}
	return out
}

// SyncStats returns the sync summary. With no operations the success rate
// is 1.
func (c *Collector) SyncStats() SyncStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncStatsLocked()
}

func (c *Collector) syncStatsLocked() SyncStats {
	s := SyncStats{
		TotalOperations:   c.syncOps.ops,
		SuccessfulActions: c.syncOps.succeeded,
		FailedActions:     c.syncOps.ops - c.syncOps.succeeded,
		SuccessRate:       1,
	}
	if c.syncOps.ops > 0 {
		n := float64(c.syncOps.ops)
		s.SuccessRate = float64(c.syncOps.succeeded) / n
		s.AverageRetryCount = float64(c.syncOps.retries) / n
		s.AverageProcessingTime = float64(c.syncOps.processing.Milliseconds()) / n
	}
	return s
}

// PreloadStats returns the preload summary. With no operations the success
// rate is 1.
func (c *Collector) PreloadStats() PreloadStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preloadStatsLocked()
}

func (c *Collector) preloadStatsLocked() PreloadStats {
	s := PreloadStats{
		TotalOperations:    c.preload.ops,
		Successful:         c.preload.succeeded,
		HitFromPreload:     c.preload.used,
		WastedPreloads:     c.preload.wasted,
		SuccessRate:        1,
		BandwidthSaved:     c.preload.bytesSaved,
		ByNetworkCondition: maps.Clone(c.preload.byCondition),
	}
	if c.preload.ops > 0 {
		n := float64(c.preload.ops)
		s.SuccessRate = float64(c.preload.succeeded) / n
		s.AverageLoadTime = float64(c.preload.loadTime.Milliseconds()) / n
	}
	return s
}

// TakeSnapshot appends a snapshot to the history, evaluates the alert rules
// against it and returns it.
func (c *Collector) TakeSnapshot(ctx context.Context) Snapshot {
	snap := c.current(ctx)

	c.mu.Lock()
	c.snapshots.push(snap)
	c.mu.Unlock()

	c.EvaluateAlerts(ctx, snap)
	telemetry.RecordHealthScore(ctx, c.HealthScore())
	return snap
}

// current builds a snapshot of the present state without recording it.
func (c *Collector) current(ctx context.Context) Snapshot {
	storage := StorageStats{Trend: TrendStable}
	if c.storage != nil {
		q := c.storage.GetStorageQuotaInfo(ctx)
		storage.Used = q.UsedBytes
		storage.Available = max(q.QuotaBytes-q.UsedBytes, 0)
		storage.Percentage = q.PercentageUsed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.snapshots.last(); ok {
		storage.Trend = storageTrend(prev.Storage.Percentage, storage.Percentage)
	}
	return Snapshot{
		Timestamp: c.now(),
		HitRates:  c.hitRatesLocked(),
		Storage:   storage,
		Sync:      c.syncStatsLocked(),
		Preload:   c.preloadStatsLocked(),
	}
}

func storageTrend(prev, cur float64) string {
	switch delta := cur - prev; {
	case delta > 1:
		return TrendIncreasing
	case delta < -1:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// Snapshots returns the history, oldest first.
func (c *Collector) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshots.items()
}

// Start takes a snapshot every interval until Stop. Calling it while
// already running logs a warning and does nothing.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	c.timerMu.Lock()
	if c.running {
		c.timerMu.Unlock()
		c.logger.Warn("snapshot timer already running")
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh, doneCh := c.stopCh, c.doneCh
	c.timerMu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.TakeSnapshot(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				c.timerMu.Lock()
				if c.stopCh == stopCh {
					c.running = false
				}
				c.timerMu.Unlock()
				return
			}
		}
	}()
}

// Stop stops the snapshot timer and waits for it to exit.
func (c *Collector) Stop() {
	c.timerMu.Lock()
	if !c.running {
		c.timerMu.Unlock()
		return
	}
	c.running = false
	stopCh, doneCh := c.stopCh, c.doneCh
	c.timerMu.Unlock()

	close(stopCh)
	<-doneCh
}

// Close stops the snapshot timer.
func (c *Collector) Close() error {
	c.Stop()
	return nil
}

// ranges are the windows reported by Report.
var ranges = []struct {
	name   string
	window time.Duration
}{
	{"1h", time.Hour},
	{"24h", 24 * time.Hour},
	{"7d", 7 * 24 * time.Hour},
}

// GetPerformanceTrends aggregates the snapshots taken within window of now.
func (c *Collector) GetPerformanceTrends(window time.Duration) Trend {
	c.mu.Lock()
	all := c.snapshots.items()
	now := c.now()
	c.mu.Unlock()

	cutoff := now.Add(-window)
	var in []Snapshot
	for _, s := range all {
		if !s.Timestamp.Before(cutoff) {
			in = append(in, s)
		}
	}

	t := Trend{Range: window.String(), Samples: len(in)}
	if len(in) == 0 {
		return t
	}
	for _, s := range in {
		t.AverageHitRate += overallRatio(s.HitRates)
		t.SyncSuccessRate += s.Sync.SuccessRate
		t.PreloadSuccessRate += s.Preload.SuccessRate
	}
	n := float64(len(in))
	t.AverageHitRate /= n
	t.SyncSuccessRate /= n
	t.PreloadSuccessRate /= n

	first, last := in[0], in[len(in)-1]
	if hours := last.Timestamp.Sub(first.Timestamp).Hours(); hours > 0 {
		t.StorageGrowthRate = (last.Storage.Percentage - first.Storage.Percentage) / hours
	}
	return t
}

// overallRatio is the hit ratio across every cache type, 1 with no lookups.
func overallRatio(rates map[string]HitRate) float64 {
	var hits, total int64
	for _, r := range rates {
		hits += r.Hits
		total += r.total()
	}
	if total == 0 {
		return 1
	}
	return float64(hits) / float64(total)
}

// HealthScore combines hit rate, sync success, preload success and storage
// headroom into a score from 0 to 100.
func (c *Collector) HealthScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pct float64
	if last, ok := c.snapshots.last(); ok {
		pct = last.Storage.Percentage
	}
	headroom := 1 - pct/100

	score := 100 * (0.3*overallRatio(c.hitRatesLocked()) +
		0.25*c.syncStatsLocked().SuccessRate +
		0.15*c.preloadStatsLocked().SuccessRate +
		0.3*headroom)
	return min(max(score, 0), 100)
}

// Summary returns the current metrics.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	var storage StorageStats
	if last, ok := c.snapshots.last(); ok {
		storage = last.Storage
	}
	return Summary{
		HitRates: c.hitRatesLocked(),
		Storage:  storage,
		Sync:     c.syncStatsLocked(),
		Preload:  c.preloadStatsLocked(),
	}
}

// Recommendations suggests tuning changes based on the current metrics.
func (c *Collector) Recommendations() []string {
	s := c.Summary()
	var out []string

	types := make([]string, 0, len(s.HitRates))
	for t := range s.HitRates {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		r := s.HitRates[t]
		if r.total() >= c.config.MinLookups && r.Ratio < c.config.HitRateFloor {
			out = append(out, fmt.Sprintf("Hit rate for %s is %.0f%%; consider a longer max age or CacheFirst for this category", t, r.Ratio*100))
		}
	}
	if s.Storage.Percentage >= c.config.StorageWarning {
		out = append(out, fmt.Sprintf("Storage is %.0f%% full; lower max entries or purge non-essential stores", s.Storage.Percentage))
	}
	if s.Sync.TotalOperations >= c.config.MinSyncOps && s.Sync.SuccessRate < c.config.SyncFloor {
		out = append(out, "Offline sync often fails; check connectivity and retry limits")
	}
	if s.Preload.Successful > 0 && float64(s.Preload.WastedPreloads)/float64(s.Preload.Successful) > 0.3 {
		out = append(out, "Many preloaded entries go unused; preload fewer resources")
	}
	return out
}

// Report builds the full performance report.
func (c *Collector) Report() Report {
	trends := make(map[string]Trend, len(ranges))
	for _, r := range ranges {
		t := c.GetPerformanceTrends(r.window)
		t.Range = r.name
		trends[r.name] = t
	}
	return Report{
		GeneratedAt:     c.now(),
		Summary:         c.Summary(),
		Trends:          trends,
		Alerts:          c.ActiveAlerts(),
		Recommendations: c.Recommendations(),
		HealthScore:     c.HealthScore(),
	}
}

type exportData struct {
	Report    Report     `json:"report"`
	Snapshots []Snapshot `json:"snapshots"`
	Alerts    []Alert    `json:"alertHistory"`
}

// ExportMetricsData serialises the report, snapshot history and alert
// history as JSON.
func (c *Collector) ExportMetricsData() ([]byte, error) {
	report := c.Report()
	c.mu.Lock()
	data := exportData{
		Report:    report,
		Snapshots: c.snapshots.items(),
		Alerts:    append([]Alert(nil), c.alerts...),
	}
	c.mu.Unlock()

	out, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding metrics: %w", err)
	}
	return out, nil
}

// ClearMetricsData resets every counter, the snapshot history and alert
// state.
func (c *Collector) ClearMetricsData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hitRates = make(map[string]*HitRate)
	c.syncOps = syncTotals{}
	c.preload = preloadTotals{byCondition: make(map[string]int64)}
	c.snapshots = newRing(c.config.MaxSnapshots)
	c.alerts = nil
	c.lastFired = make(map[string]time.Time)
}
