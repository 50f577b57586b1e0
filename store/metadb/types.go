// Package metadb keeps the persistent, indexed record of every cached entry.
package metadb

import "time"

// CacheMetadata describes one cached response. Records are keyed by the
// scoped cache key so entries stay isolated per principal.
type CacheMetadata struct {
	// Key is the scoped cache key. When empty, URL is used as the key.
	Key            string        `json:"key"`
	URL            string        `json:"url"`
	Timestamp      time.Time     `json:"timestamp"`
	TTL            time.Duration `json:"ttl"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Tags           []string      `json:"tags,omitempty"`
	ContentType    string        `json:"content_type,omitempty"`
	SizeBytes      int64         `json:"size_bytes"`
	HitCount       int64         `json:"hit_count"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	UserScope      string        `json:"user_scope,omitempty"`
	Strategy       string        `json:"strategy,omitempty"`
	// Category names the content store the response body lives in.
	Category string `json:"category,omitempty"`
	// Revision increases by one on every committed write of the record.
	Revision uint64 `json:"revision"`
}

// ID returns the primary key of the record.
func (m *CacheMetadata) ID() string {
	if m.Key != "" {
		return m.Key
	}
	return m.URL
}

// Expired reports whether the entry is past its expiry at now.
func (m *CacheMetadata) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// HasTag reports whether the record carries tag.
func (m *CacheMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// CleanupPolicy bounds the metadata set during cleanup runs.
// A zero MaxEntries or MaxSizeBytes disables that stage, and a zero MaxAge
// leaves expiry to each record's own TTL.
type CleanupPolicy struct {
	MaxAge       time.Duration `json:"max_age"`
	MaxEntries   int           `json:"max_entries"`
	MaxSizeBytes int64         `json:"max_size_bytes"`
	LRUEnabled   bool          `json:"lru_enabled"`
}

// CleanupResult reports how many records each cleanup stage removed.
type CleanupResult struct {
	Expired int `json:"expired"`
	LRU     int `json:"lru"`
	Size    int `json:"size"`
	Total   int `json:"total"`
}

// UsageStats aggregates the whole metadata set.
type UsageStats struct {
	Count        int            `json:"count"`
	TotalBytes   int64          `json:"total_bytes"`
	Oldest       time.Time      `json:"oldest"`
	Newest       time.Time      `json:"newest"`
	MeanHitCount float64        `json:"mean_hit_count"`
	Tags         map[string]int `json:"tags"`
}
