// Package quota watches storage pressure and evicts cached entries in
// stages when usage crosses the configured thresholds.
package quota

import (
	"context"
	"errors"
	"fmt"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/store/metadb"
)

// Level classifies a usage percentage against Thresholds.
type Level string

const (
	LevelNormal    Level = "normal"
	LevelWarning   Level = "warning"
	LevelCleanup   Level = "cleanup"
	LevelEmergency Level = "emergency"
)

// Thresholds are usage percentages in the range 0-100.
type Thresholds struct {
	Warning   float64 `json:"warning"`
	Cleanup   float64 `json:"cleanup"`
	Emergency float64 `json:"emergency"`
}

// DefaultThresholds returns warning=70, cleanup=80, emergency=90.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 70, Cleanup: 80, Emergency: 90}
}

// Classify returns the highest level whose threshold pct has reached.
func (t Thresholds) Classify(pct float64) Level {
	switch {
	case pct >= t.Emergency:
		return LevelEmergency
	case pct >= t.Cleanup:
		return LevelCleanup
	case pct >= t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Snapshot is a point-in-time view of storage usage.
type Snapshot struct {
	UsedBytes      int64   `json:"usedBytes"`
	QuotaBytes     int64   `json:"quotaBytes"`
	PercentageUsed float64 `json:"percentageUsed"`
	IsNearLimit    bool    `json:"isNearLimit"`
	IsAtLimit      bool    `json:"isAtLimit"`
	Level          Level   `json:"level"`
}

// Supported reports whether the snapshot came from a real estimate.
func (s Snapshot) Supported() bool {
	return s.QuotaBytes > 0
}

func newSnapshot(used, quota int64, t Thresholds) Snapshot {
	if quota <= 0 {
		return Snapshot{Level: LevelNormal}
	}
	pct := float64(used) / float64(quota) * 100
	return Snapshot{
		UsedBytes:      used,
		QuotaBytes:     quota,
		PercentageUsed: pct,
		IsNearLimit:    pct >= t.Warning,
		IsAtLimit:      pct >= t.Emergency,
		Level:          t.Classify(pct),
	}
}

// Estimator reports bytes used and the quota they count against.
// Implementations return an error wrapping strategycache.ErrQuotaUnsupported
// when no estimate is available.
type Estimator interface {
	Estimate(ctx context.Context) (used, quota int64, err error)
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(ctx context.Context) (int64, int64, error)

// Estimate calls f.
func (f EstimatorFunc) Estimate(ctx context.Context) (int64, int64, error) {
	return f(ctx)
}

// UsageReporter is implemented by content.Store.
type UsageReporter interface {
	Usage(ctx context.Context) (int64, int, error)
}

// BackendEstimator measures the bytes held by the content stores against a
// fixed quota.
type BackendEstimator struct {
	Store      UsageReporter
	QuotaBytes int64
}

// Estimate implements Estimator.
func (e BackendEstimator) Estimate(ctx context.Context) (int64, int64, error) {
	if e.QuotaBytes <= 0 {
		return 0, 0, strategycache.QuotaUnsupported("no storage quota configured")
	}
	used, _, err := e.Store.Usage(ctx)
	if err != nil {
		return 0, 0, err
	}
	return used, e.QuotaBytes, nil
}

// MetadataEstimator sums the recorded entry sizes against a fixed quota.
// It needs no backend support, at the cost of ignoring untracked content.
type MetadataEstimator struct {
	DB         metadb.MetaDB
	QuotaBytes int64
}

// Estimate implements Estimator.
func (e MetadataEstimator) Estimate(ctx context.Context) (int64, int64, error) {
	if e.QuotaBytes <= 0 {
		return 0, 0, strategycache.QuotaUnsupported("no storage quota configured")
	}
	stats, err := e.DB.GetUsageStats(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("reading usage stats: %w", err)
	}
	return stats.TotalBytes, e.QuotaBytes, nil
}

func isUnsupported(err error) bool {
	return errors.Is(err, strategycache.ErrQuotaUnsupported)
}
