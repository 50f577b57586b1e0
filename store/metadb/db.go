package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by UpdateMetadata when the record does not exist.
var ErrNotFound = errors.New("metadb: not found")

// errMissingKey is returned when a record has neither a key nor a URL.
var errMissingKey = errors.New("metadb: record has no key")

// MetaDB is the metadata store contract consumed by the quota manager and
// the strategy engine.
type MetaDB interface {
	Initialize(ctx context.Context) error
	Close() error

	StoreMetadata(ctx context.Context, m CacheMetadata) error
	GetMetadata(ctx context.Context, key string) (*CacheMetadata, error)
	UpdateMetadata(ctx context.Context, key string, fn func(*CacheMetadata) error) error
	UpdateAccessStats(ctx context.Context, key string) error
	GetAllMetadata(ctx context.Context) ([]CacheMetadata, error)
	GetMetadataByTags(ctx context.Context, tags []string) ([]CacheMetadata, error)
	MetadataByCategory(ctx context.Context, category string) ([]CacheMetadata, error)
	RemoveMetadata(ctx context.Context, key string) error
	RemoveMultiple(ctx context.Context, keys []string) (int, error)
	Count(ctx context.Context) (int, error)

	CleanupExpiredEntries(ctx context.Context) (int, error)
	RemoveExpired(ctx context.Context, before time.Time, limit int) (int, error)
	ExpiredEntries(ctx context.Context, before time.Time, limit int) ([]CacheMetadata, error)
	PerformLRUCleanup(ctx context.Context, policy CleanupPolicy) (int, error)
	PerformSizeBasedCleanup(ctx context.Context, policy CleanupPolicy) (int, error)
	PerformComprehensiveCleanup(ctx context.Context, policy CleanupPolicy) (CleanupResult, error)
	GetUsageStats(ctx context.Context) (UsageStats, error)
}

var _ MetaDB = (*BoltDB)(nil)
