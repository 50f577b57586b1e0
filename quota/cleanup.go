package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/store/metadb"
	"github.com/wolfeidau/strategy-cache/telemetry"
)

const (
	stageExpired = "expired"
	stageLRU     = "lru"
	stagePurge   = "purge"

	recentWindow           = 30 * time.Minute
	recentWindowAggressive = 5 * time.Minute
)

// PerformProactiveCleanup frees space until usage is at or below target
// percent. Stages run cheapest first and the quota is re-read after each:
// expired entries, weighted LRU eviction, then a purge of the purgeable
// stores. The purge runs when the target is still missed, when aggressive
// is set, or when usage is past the emergency threshold.
//
// Only one cleanup runs at a time; a concurrent call fails with
// strategycache.ErrCleanupInProgress.
func (m *Manager) PerformProactiveCleanup(ctx context.Context, target float64, aggressive bool) (*CleanupReport, error) {
	if !m.cleanupMu.TryLock() {
		return nil, strategycache.CleanupInProgress()
	}
	defer m.cleanupMu.Unlock()

	start := time.Now()
	report := &CleanupReport{Target: target, Aggressive: aggressive}
	report.Before = m.GetStorageQuotaInfo(ctx)

	var errs []error
	runStage := func(stage StageResult, err error) Snapshot {
		report.Stages = append(report.Stages, stage)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s stage: %w", stage.Stage, err))
		}
		return m.GetStorageQuotaInfo(ctx)
	}
	done := func(s Snapshot) bool {
		return !s.Supported() || s.PercentageUsed <= target
	}

	current := runStage(m.expiredStage(ctx))

	if !done(current) && m.config.LRUEnabled {
		current = runStage(m.lruStage(ctx, target, aggressive))
	}

	emergency := current.Supported() && current.PercentageUsed >= m.config.Thresholds.Emergency
	if !done(current) || aggressive || emergency {
		current = runStage(m.purgeStage(ctx))
	}

	report.After = current
	report.TargetReached = current.Supported() && current.PercentageUsed <= target
	report.Duration = time.Since(start)
	telemetry.RecordCleanupRun(ctx, aggressive, report.TargetReached, report.Duration)

	m.logger.Info("proactive cleanup finished",
		"target", target,
		"aggressive", aggressive,
		"before", report.Before.PercentageUsed,
		"after", report.After.PercentageUsed,
		"removed", report.Removed(),
		"target_reached", report.TargetReached,
		"duration", report.Duration,
	)
	return report, errors.Join(errs...)
}

// PerformLRUCleanup runs weighted LRU eviction on its own until usage is at
// or below target percent.
func (m *Manager) PerformLRUCleanup(ctx context.Context, target float64, aggressive bool) (StageResult, error) {
	if !m.cleanupMu.TryLock() {
		return StageResult{Stage: stageLRU}, strategycache.CleanupInProgress()
	}
	defer m.cleanupMu.Unlock()
	return m.lruStage(ctx, target, aggressive)
}

func (m *Manager) expiredStage(ctx context.Context) (StageResult, error) {
	res := StageResult{Stage: stageExpired}
	now := m.now()

	expired, err := m.db.ExpiredEntries(ctx, now, 0)
	if err != nil {
		return res, err
	}
	for _, rec := range expired {
		m.deleteContent(ctx, rec)
		res.BytesFreed += rec.SizeBytes
	}
	n, err := m.db.CleanupExpiredEntries(ctx)
	if err != nil {
		return res, err
	}
	res.Removed = n

	untracked, freed, err := m.sweepUntracked(ctx, now)
	res.Removed += untracked
	res.BytesFreed += freed

	telemetry.RecordCleanupStage(ctx, res.Stage, res.Removed, res.BytesFreed)
	return res, err
}

// sweepUntracked removes expired content that has no metadata record,
// judging expiry by the TTL stored with the response.
func (m *Manager) sweepUntracked(ctx context.Context, now time.Time) (int, int64, error) {
	all, err := m.db.GetAllMetadata(ctx)
	if err != nil {
		return 0, 0, err
	}
	tracked := make(map[string]bool, len(all))
	for _, rec := range all {
		tracked[rec.Category+"/"+rec.Key] = true
	}

	stores, err := m.store.Stores(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("listing stores: %w", err)
	}

	var (
		removed int
		freed   int64
	)
	for _, store := range stores {
		keys, err := m.store.Keys(ctx, store)
		if err != nil {
			m.logger.Warn("listing store keys failed", "store", store, "error", err)
			continue
		}
		for _, key := range keys {
			if tracked[store+"/"+key.String()] {
				continue
			}
			resp, err := m.store.Get(ctx, store, key)
			if err != nil || !resp.Expired(now) {
				continue
			}
			if err := m.store.Delete(ctx, store, key); err != nil {
				m.logger.Warn("deleting expired content failed", "store", store, "key", key.ShortString(), "error", err)
				continue
			}
			removed++
			freed += resp.Size()
		}
	}
	return removed, freed, nil
}

func (m *Manager) lruStage(ctx context.Context, target float64, aggressive bool) (StageResult, error) {
	res := StageResult{Stage: stageLRU}

	current := m.GetStorageQuotaInfo(ctx)
	if !current.Supported() || current.PercentageUsed <= target {
		return res, nil
	}

	all, err := m.db.GetAllMetadata(ctx)
	if err != nil {
		return res, err
	}

	for _, rec := range m.evictionOrder(all, aggressive) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := m.evict(ctx, rec); err != nil {
			m.logger.Warn("evicting entry failed", "key", rec.ID(), "error", err)
			continue
		}
		res.Removed++
		res.BytesFreed += rec.SizeBytes

		if res.Removed%m.config.RecheckEvery == 0 {
			current = m.GetStorageQuotaInfo(ctx)
			if current.PercentageUsed <= target {
				break
			}
		}
	}

	telemetry.RecordCleanupStage(ctx, res.Stage, res.Removed, res.BytesFreed)
	return res, nil
}

// evictionOrder returns the eviction candidates, most evictable first.
func (m *Manager) evictionOrder(entries []metadb.CacheMetadata, aggressive bool) []metadb.CacheMetadata {
	policy := m.config.Policy
	window := recentWindow
	if aggressive {
		window = recentWindowAggressive
	}
	now := m.now()

	var large, images, others []metadb.CacheMetadata
	for _, e := range entries {
		if policy.PreserveRecentlyAccessed && now.Sub(e.LastAccessedAt) < window && e.HitCount >= policy.MinAccessCount {
			continue
		}
		switch {
		case isImage(e) && e.SizeBytes > policy.MaxImageSizeBytes:
			large = append(large, e)
		case isImage(e):
			images = append(images, e)
		default:
			others = append(others, e)
		}
	}

	order := make([]metadb.CacheMetadata, 0, len(large)+len(images)+len(others))
	if policy.PrioritizeLargeImages {
		sortImages(large)
		sortImages(images)
		order = append(order, large...)
		order = append(order, images...)
	} else {
		all := append(large, images...)
		sortImages(all)
		order = append(order, all...)
	}
	sortByAccess(others)
	return append(order, others...)
}

func isImage(e metadb.CacheMetadata) bool {
	return strings.HasPrefix(e.ContentType, "image/") || e.Category == "images"
}

func lessByAccess(a, b metadb.CacheMetadata) (less, equal bool) {
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt), false
	}
	if a.HitCount != b.HitCount {
		return a.HitCount < b.HitCount, false
	}
	return false, true
}

func sortByAccess(entries []metadb.CacheMetadata) {
	sort.SliceStable(entries, func(i, j int) bool {
		less, _ := lessByAccess(entries[i], entries[j])
		return less
	})
}

// sortImages orders like sortByAccess, with the largest image first on ties.
func sortImages(entries []metadb.CacheMetadata) {
	sort.SliceStable(entries, func(i, j int) bool {
		less, equal := lessByAccess(entries[i], entries[j])
		if equal {
			return entries[i].SizeBytes > entries[j].SizeBytes
		}
		return less
	})
}

func (m *Manager) purgeStage(ctx context.Context) (StageResult, error) {
	res := StageResult{Stage: stagePurge}
	var errs []error

	for _, store := range m.config.PurgeableStores {
		recs, err := m.db.MetadataByCategory(ctx, store)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing %s metadata: %w", store, err))
			continue
		}
		keys := make([]string, 0, len(recs))
		for _, rec := range recs {
			keys = append(keys, rec.ID())
			res.BytesFreed += rec.SizeBytes
		}

		purged, err := m.store.Purge(ctx, store)
		if err != nil {
			errs = append(errs, fmt.Errorf("purging %s: %w", store, err))
		}
		removed, err := m.db.RemoveMultiple(ctx, keys)
		if err != nil {
			errs = append(errs, err)
		}
		res.Removed += max(purged, removed)

		m.logger.Warn("purged content store", "store", store, "entries", max(purged, removed))
	}

	telemetry.RecordCleanupStage(ctx, res.Stage, res.Removed, res.BytesFreed)
	return res, errors.Join(errs...)
}

func (m *Manager) evict(ctx context.Context, rec metadb.CacheMetadata) error {
	m.deleteContent(ctx, rec)
	return m.db.RemoveMetadata(ctx, rec.ID())
}

func (m *Manager) deleteContent(ctx context.Context, rec metadb.CacheMetadata) {
	if rec.Category == "" {
		return
	}
	key, err := strategycache.ParseKey(rec.Key)
	if err != nil {
		return
	}
	if err := m.store.Delete(ctx, rec.Category, key); err != nil {
		m.logger.Warn("deleting content failed", "store", rec.Category, "key", key.ShortString(), "error", err)
	}
}
