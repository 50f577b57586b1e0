package metadb

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// removeSelected deletes the keys chosen by selectFn inside one write
// transaction and hands the removed records to the remove hook.
func (b *BoltDB) removeSelected(ctx context.Context, op string, selectFn func(tx *bbolt.Tx) ([]string, error)) (int, error) {
	var removed []CacheMetadata
	err := b.update(op, func(tx *bbolt.Tx) error {
		removed = removed[:0]
		keys, err := selectFn(tx)
		if err != nil {
			return err
		}
		for _, key := range keys {
			m, err := deleteRecord(tx, key)
			if err != nil {
				return err
			}
			if m != nil {
				removed = append(removed, *m)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s cleanup: %w", op, err)
	}

	if len(removed) > 0 {
		b.logger.Debug("removed metadata", "op", op, "count", len(removed))
		b.mu.RLock()
		hook := b.onRemove
		b.mu.RUnlock()
		if hook != nil {
			hook(ctx, removed)
		}
	}
	return len(removed), nil
}

// CleanupExpiredEntries removes every record whose expiry is at or before now.
func (b *BoltDB) CleanupExpiredEntries(ctx context.Context) (int, error) {
	return b.removeExpired(ctx, b.now(), 0, 0)
}

// RemoveExpired removes up to limit records expiring at or before the
// given time and returns how many were removed. A limit of zero removes all.
func (b *BoltDB) RemoveExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	return b.removeExpired(ctx, before, 0, limit)
}

func (b *BoltDB) removeExpired(ctx context.Context, now time.Time, maxAge time.Duration, limit int) (int, error) {
	return b.removeSelected(ctx, "expired", func(tx *bbolt.Tx) ([]string, error) {
		keys := scanUpTo(tx.Bucket(bucketByExpiresAt), encodeTimestamp(now), limit)
		if maxAge > 0 {
			seen := make(map[string]bool, len(keys))
			for _, k := range keys {
				seen[k] = true
			}
			for _, k := range scanUpTo(tx.Bucket(bucketByTimestamp), encodeTimestamp(now.Add(-maxAge)), 0) {
				if !seen[k] {
					keys = append(keys, k)
				}
			}
		}
		return keys, nil
	})
}

// ExpiredEntries lists up to limit records expiring at or before the given
// time, soonest first. A limit of zero lists all.
func (b *BoltDB) ExpiredEntries(_ context.Context, before time.Time, limit int) ([]CacheMetadata, error) {
	var out []CacheMetadata
	_, err := b.view(func(tx *bbolt.Tx) error {
		for _, key := range scanUpTo(tx.Bucket(bucketByExpiresAt), encodeTimestamp(before), limit) {
			m, err := getRecord(tx, key)
			if err != nil {
				return err
			}
			if m != nil {
				out = append(out, *m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing expired: %w", err)
	}
	return out, nil
}

// PerformLRUCleanup removes the least recently accessed records until at
// most policy.MaxEntries remain.
func (b *BoltDB) PerformLRUCleanup(ctx context.Context, policy CleanupPolicy) (int, error) {
	if policy.MaxEntries <= 0 {
		return 0, nil
	}
	return b.removeSelected(ctx, "lru", func(tx *bbolt.Tx) ([]string, error) {
		excess := tx.Bucket(bucketMetadata).Stats().KeyN - policy.MaxEntries
		if excess <= 0 {
			return nil, nil
		}
		keys := make([]string, 0, excess)
		c := tx.Bucket(bucketByLastAccess).Cursor()
		for k, v := c.First(); k != nil && len(keys) < excess; k, v = c.Next() {
			keys = append(keys, string(v))
		}
		return keys, nil
	})
}

// PerformSizeBasedCleanup removes the largest records, oldest access first
// among equal sizes, until the total size is within policy.MaxSizeBytes.
func (b *BoltDB) PerformSizeBasedCleanup(ctx context.Context, policy CleanupPolicy) (int, error) {
	if policy.MaxSizeBytes <= 0 {
		return 0, nil
	}
	return b.removeSelected(ctx, "size", func(tx *bbolt.Tx) ([]string, error) {
		var (
			all   []CacheMetadata
			total int64
		)
		err := tx.Bucket(bucketMetadata).ForEach(func(k, v []byte) error {
			m, err := getRecord(tx, string(k))
			if err != nil {
				return err
			}
			all = append(all, *m)
			total += m.SizeBytes
			return nil
		})
		if err != nil || total <= policy.MaxSizeBytes {
			return nil, err
		}

		sort.SliceStable(all, func(i, j int) bool {
			if all[i].SizeBytes != all[j].SizeBytes {
				return all[i].SizeBytes > all[j].SizeBytes
			}
			return all[i].LastAccessedAt.Before(all[j].LastAccessedAt)
		})

		var keys []string
		for _, m := range all {
			if total <= policy.MaxSizeBytes {
				break
			}
			keys = append(keys, m.ID())
			total -= m.SizeBytes
		}
		return keys, nil
	})
}

// PerformComprehensiveCleanup runs the expired, LRU (when enabled) and size
// stages in that order.
func (b *BoltDB) PerformComprehensiveCleanup(ctx context.Context, policy CleanupPolicy) (CleanupResult, error) {
	var result CleanupResult
	var err error

	if result.Expired, err = b.removeExpired(ctx, b.now(), policy.MaxAge, 0); err != nil {
		return result, err
	}
	if policy.LRUEnabled {
		if result.LRU, err = b.PerformLRUCleanup(ctx, policy); err != nil {
			return result, err
		}
	}
	if result.Size, err = b.PerformSizeBasedCleanup(ctx, policy); err != nil {
		return result, err
	}
	result.Total = result.Expired + result.LRU + result.Size

	b.logger.Info("comprehensive cleanup complete",
		"expired", result.Expired,
		"lru", result.LRU,
		"size", result.Size,
		"total", result.Total)
	return result, nil
}

// GetUsageStats aggregates the metadata set.
func (b *BoltDB) GetUsageStats(_ context.Context) (UsageStats, error) {
	stats := UsageStats{Tags: make(map[string]int)}
	var hits int64
	_, err := b.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).ForEach(func(k, _ []byte) error {
			m, err := getRecord(tx, string(k))
			if err != nil {
				return err
			}
			stats.Count++
			stats.TotalBytes += m.SizeBytes
			hits += m.HitCount
			if stats.Oldest.IsZero() || m.Timestamp.Before(stats.Oldest) {
				stats.Oldest = m.Timestamp
			}
			if m.Timestamp.After(stats.Newest) {
				stats.Newest = m.Timestamp
			}
			for _, tag := range m.Tags {
				stats.Tags[tag]++
			}
			return nil
		})
	})
	if err != nil {
		return UsageStats{Tags: map[string]int{}}, fmt.Errorf("computing usage stats: %w", err)
	}
	if stats.Count > 0 {
		stats.MeanHitCount = float64(hits) / float64(stats.Count)
	}
	return stats, nil
}

// scanUpTo returns record keys from a time-ordered index whose value is at
// or before bound. A limit of zero returns all matches.
func scanUpTo(bucket *bbolt.Bucket, bound []byte, limit int) []string {
	var keys []string
	c := bucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if len(k) < 8 || bytes.Compare(k[:8], bound) > 0 {
			break
		}
		keys = append(keys, string(v))
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys
}
