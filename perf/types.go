// Package perf aggregates cache hit rates, offline sync and preload outcomes
// into periodic snapshots, and derives trends, alerts and a health score
// from them.
package perf

import (
	"time"
)

// HitRate counts lookups for one cache type.
type HitRate struct {
	Hits   int64   `json:"hits"`
	Misses int64   `json:"misses"`
	Ratio  float64 `json:"ratio"`
}

func (h HitRate) total() int64 {
	return h.Hits + h.Misses
}

// SyncStats summarises offline replay operations.
type SyncStats struct {
	TotalOperations       int64   `json:"totalOperations"`
	SuccessfulActions     int64   `json:"successfulActions"`
	FailedActions         int64   `json:"failedActions"`
	SuccessRate           float64 `json:"successRate"`
	AverageRetryCount     float64 `json:"averageRetryCount"`
	AverageProcessingTime float64 `json:"averageProcessingTimeMs"`
}

// PreloadStats summarises cache warm-up operations.
type PreloadStats struct {
	TotalOperations    int64            `json:"totalOperations"`
	Successful         int64            `json:"successful"`
	HitFromPreload     int64            `json:"hitFromPreload"`
	WastedPreloads     int64            `json:"wastedPreloads"`
	SuccessRate        float64          `json:"successRate"`
	AverageLoadTime    float64          `json:"averageLoadTimeMs"`
	BandwidthSaved     int64            `json:"bandwidthSaved"`
	ByNetworkCondition map[string]int64 `json:"byNetworkCondition"`
}

// PreloadOperation is one completed preload.
type PreloadOperation struct {
	Success          bool
	LoadTime         time.Duration
	WasUsed          bool
	NetworkCondition string
	BytesSaved       int64
}

// Storage trend directions.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// StorageStats is the storage portion of a snapshot.
type StorageStats struct {
	Used       int64   `json:"used"`
	Available  int64   `json:"available"`
	Percentage float64 `json:"percentage"`
	Trend      string  `json:"trend"`
}

// Snapshot is one entry of the snapshot history.
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	HitRates  map[string]HitRate `json:"hitRates"`
	Storage   StorageStats       `json:"storage"`
	Sync      SyncStats          `json:"sync"`
	Preload   PreloadStats       `json:"preload"`
}

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert types.
const (
	AlertHitRateLow      = "hit_rate_low"
	AlertStorageFull     = "storage_full"
	AlertSyncFailureHigh = "sync_failure_high"
)

// Alert is a fired alert rule.
type Alert struct {
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Context     string    `json:"context"`
	Message     string    `json:"message"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// Trend aggregates the snapshots inside one time range.
type Trend struct {
	Range              string  `json:"range"`
	Samples            int     `json:"samples"`
	AverageHitRate     float64 `json:"averageHitRate"`
	StorageGrowthRate  float64 `json:"storageGrowthRatePerHour"`
	SyncSuccessRate    float64 `json:"syncSuccessRate"`
	PreloadSuccessRate float64 `json:"preloadSuccessRate"`
}

// Summary is the current state of every tracked metric.
type Summary struct {
	HitRates map[string]HitRate `json:"hitRates"`
	Storage  StorageStats       `json:"storage"`
	Sync     SyncStats          `json:"sync"`
	Preload  PreloadStats       `json:"preload"`
}

// Report is the full performance report.
type Report struct {
	GeneratedAt     time.Time        `json:"generatedAt"`
	Summary         Summary          `json:"summary"`
	Trends          map[string]Trend `json:"trends"`
	Alerts          []Alert          `json:"alerts"`
	Recommendations []string         `json:"recommendations"`
	HealthScore     float64          `json:"healthScore"`
}
