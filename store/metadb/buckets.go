package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketMetadata = []byte("metadata") // key -> CacheMetadata JSON

	// Secondary indexes. Every index key is [value][0x00][record key] and
	// maps to the record key, so a prefix or range scan yields record keys
	// in value order.
	bucketByTimestamp  = []byte("idx_timestamp")
	bucketByLastAccess = []byte("idx_last_access")
	bucketByTag        = []byte("idx_tag")
	bucketByUserScope  = []byte("idx_user_scope")
	bucketByStrategy   = []byte("idx_strategy")
	bucketByExpiresAt  = []byte("idx_expires_at")
	bucketBySize       = []byte("idx_size")
	bucketByHitCount   = []byte("idx_hit_count")
	bucketByCategory   = []byte("idx_category")
)

var allBuckets = [][]byte{
	bucketMetadata,
	bucketByTimestamp,
	bucketByLastAccess,
	bucketByTag,
	bucketByUserScope,
	bucketByStrategy,
	bucketByExpiresAt,
	bucketBySize,
	bucketByHitCount,
	bucketByCategory,
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
func encodeTimestamp(t time.Time) []byte {
	return encodeInt64(t.UnixNano())
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	return time.Unix(0, decodeInt64(b)).UTC()
}

// encodeInt64 writes v big-endian after shifting it by math.MinInt64, so
// negative values sort before positive ones.
func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

func decodeInt64(b []byte) int64 {
	u := binary.BigEndian.Uint64(b[:8])
	return int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
}

// makeIndexKey builds [value][0x00][key].
func makeIndexKey(value []byte, key string) []byte {
	result := make([]byte, len(value)+1+len(key))
	copy(result, value)
	result[len(value)] = 0
	copy(result[len(value)+1:], key)
	return result
}

// indexPrefix is the scan prefix matching every entry for value.
func indexPrefix(value []byte) []byte {
	result := make([]byte, len(value)+1)
	copy(result, value)
	return result
}

type indexEntry struct {
	bucket []byte
	key    []byte
}

// indexEntries lists every secondary index entry for m. Optional string
// fields are only indexed when set.
func indexEntries(m *CacheMetadata) []indexEntry {
	id := m.ID()
	entries := []indexEntry{
		{bucketByTimestamp, makeIndexKey(encodeTimestamp(m.Timestamp), id)},
		{bucketByLastAccess, makeIndexKey(encodeTimestamp(m.LastAccessedAt), id)},
		{bucketByExpiresAt, makeIndexKey(encodeTimestamp(m.ExpiresAt), id)},
		{bucketBySize, makeIndexKey(encodeInt64(m.SizeBytes), id)},
		{bucketByHitCount, makeIndexKey(encodeInt64(m.HitCount), id)},
	}
	for _, tag := range m.Tags {
		entries = append(entries, indexEntry{bucketByTag, makeIndexKey([]byte(tag), id)})
	}
	if m.UserScope != "" {
		entries = append(entries, indexEntry{bucketByUserScope, makeIndexKey([]byte(m.UserScope), id)})
	}
	if m.Strategy != "" {
		entries = append(entries, indexEntry{bucketByStrategy, makeIndexKey([]byte(m.Strategy), id)})
	}
	if m.Category != "" {
		entries = append(entries, indexEntry{bucketByCategory, makeIndexKey([]byte(m.Category), id)})
	}
	return entries
}
