package metadb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock safe for use from deferred access updates.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	db := NewBoltDB(filepath.Join(t.TempDir(), "test.db"), append([]BoltDBOption{WithNoSync(true)}, opts...)...)
	require.NoError(t, db.Initialize(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltDB_Initialize(t *testing.T) {
	ctx := context.Background()

	t.Run("is idempotent", func(t *testing.T) {
		db := newTestBoltDB(t)
		require.NoError(t, db.Initialize(ctx))
		require.NotNil(t, db.DB())
	})

	t.Run("propagates open failure", func(t *testing.T) {
		db := NewBoltDB(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
		require.Error(t, db.Initialize(ctx))
		require.Nil(t, db.DB())
	})

	t.Run("operations degrade before initialize", func(t *testing.T) {
		db := NewBoltDB(filepath.Join(t.TempDir(), "test.db"))

		require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{URL: "https://example.com/a"}))

		m, err := db.GetMetadata(ctx, "https://example.com/a")
		require.NoError(t, err)
		assert.Nil(t, m)

		all, err := db.GetAllMetadata(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		n, err := db.CleanupExpiredEntries(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		stats, err := db.GetUsageStats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Count)
		assert.NotNil(t, stats.Tags)

		require.NoError(t, db.Close())
	})
}

func TestBoltDB_StoreAndGet(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trip recomputes expiry and stamps access", func(t *testing.T) {
		clock := newTestClock()
		db := newTestBoltDB(t, WithNow(clock.Now))

		ts := clock.Now().Add(-time.Minute)
		require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{
			Key:         "k1",
			URL:         "https://example.com/a",
			Timestamp:   ts,
			TTL:         time.Hour,
			ExpiresAt:   time.Time{},
			Tags:        []string{"feed"},
			ContentType: "application/json",
			SizeBytes:   42,
		}))

		got, err := db.GetMetadata(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "https://example.com/a", got.URL)
		assert.True(t, got.ExpiresAt.Equal(ts.Add(time.Hour)))
		assert.True(t, got.LastAccessedAt.Equal(clock.Now()))
		assert.EqualValues(t, 1, got.Revision)
		assert.Zero(t, got.HitCount)
	})

	t.Run("url is the key when key is empty", func(t *testing.T) {
		db := newTestBoltDB(t)
		require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{URL: "https://example.com/b", TTL: time.Hour}))

		got, err := db.GetMetadata(ctx, "https://example.com/b")
		require.NoError(t, err)
		require.NotNil(t, got)
	})

	t.Run("missing key returns nil", func(t *testing.T) {
		db := newTestBoltDB(t)
		got, err := db.GetMetadata(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("rejects records without a key", func(t *testing.T) {
		db := newTestBoltDB(t)
		require.Error(t, db.StoreMetadata(ctx, CacheMetadata{}))
	})

	t.Run("get schedules access update", func(t *testing.T) {
		clock := newTestClock()
		db := newTestBoltDB(t, WithNow(clock.Now))
		require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{Key: "k", TTL: time.Hour}))

		clock.Advance(time.Minute)
		_, err := db.GetMetadata(ctx, "k")
		require.NoError(t, err)
		db.WaitPendingAccess()

		got, err := db.GetMetadata(ctx, "k")
		require.NoError(t, err)
		db.WaitPendingAccess()
		assert.EqualValues(t, 1, got.HitCount)
		assert.True(t, got.LastAccessedAt.Equal(clock.Now()))
	})

	t.Run("upsert replaces index entries", func(t *testing.T) {
		db := newTestBoltDB(t)
		require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{Key: "k", Tags: []string{"old"}, Category: "feed", TTL: time.Hour}))
		require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{Key: "k", Tags: []string{"new"}, Category: "api", TTL: time.Hour}))

		old, err := db.GetMetadataByTags(ctx, []string{"old"})
		require.NoError(t, err)
		assert.Empty(t, old)

		fresh, err := db.GetMetadataByTags(ctx, []string{"new"})
		require.NoError(t, err)
		require.Len(t, fresh, 1)
		assert.EqualValues(t, 2, fresh[0].Revision)

		feed, err := db.MetadataByCategory(ctx, "feed")
		require.NoError(t, err)
		assert.Empty(t, feed)
	})
}

func TestBoltDB_Queries(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{Key: "a", Tags: []string{"posts", "user:1"}, Category: "feed", TTL: time.Hour}))
	require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{Key: "b", Tags: []string{"posts"}, Category: "feed", TTL: time.Hour}))
	require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{Key: "c", Tags: []string{"images"}, Category: "images", TTL: time.Hour}))

	t.Run("tags union is de-duplicated", func(t *testing.T) {
		got, err := db.GetMetadataByTags(ctx, []string{"posts", "user:1"})
		require.NoError(t, err)
		keys := make([]string, 0, len(got))
		for _, m := range got {
			keys = append(keys, m.Key)
		}
		assert.ElementsMatch(t, []string{"a", "b"}, keys)
	})

	t.Run("tag prefix does not match longer tags", func(t *testing.T) {
		got, err := db.GetMetadataByTags(ctx, []string{"post"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("by category", func(t *testing.T) {
		got, err := db.MetadataByCategory(ctx, "feed")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].Key)
		assert.Equal(t, "b", got[1].Key)
	})

	t.Run("all and count", func(t *testing.T) {
		all, err := db.GetAllMetadata(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		n, err := db.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestBoltDB_UpdateMetadata(t *testing.T) {
	ctx := context.Background()

	t.Run("missing record", func(t *testing.T) {
		db := newTestBoltDB(t)
		err := db.UpdateMetadata(ctx, "nope", func(*CacheMetadata) error { return nil })
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, db.UpdateAccessStats(ctx, "nope"))
	})

	t.Run("fn error aborts the write", func(t *testing.T) {
		db := newTestBoltDB(t)
		require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{Key: "k", TTL: time.Hour}))

		boom := assert.AnError
		err := db.UpdateMetadata(ctx, "k", func(m *CacheMetadata) error {
			m.SizeBytes = 99
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := db.GetMetadata(ctx, "k")
		require.NoError(t, err)
		db.WaitPendingAccess()
		assert.Zero(t, got.SizeBytes)
	})

	t.Run("ttl change moves expiry", func(t *testing.T) {
		db := newTestBoltDB(t)
		require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{Key: "k", TTL: time.Hour}))
		require.NoError(t, db.UpdateMetadata(ctx, "k", func(m *CacheMetadata) error {
			m.TTL = 2 * time.Hour
			return nil
		}))

		got, err := db.GetMetadata(ctx, "k")
		require.NoError(t, err)
		db.WaitPendingAccess()
		assert.True(t, got.ExpiresAt.Equal(got.Timestamp.Add(2*time.Hour)))
		assert.EqualValues(t, 2, got.Revision)
	})

	t.Run("concurrent access updates are not lost", func(t *testing.T) {
		db := newTestBoltDB(t)
		require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{Key: "k", TTL: time.Hour}))

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, db.UpdateAccessStats(ctx, "k"))
			}()
		}
		wg.Wait()

		all, err := db.GetAllMetadata(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.EqualValues(t, 20, all[0].HitCount)
		assert.EqualValues(t, 21, all[0].Revision)
	})
}

func TestBoltDB_Remove(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{Key: k, Tags: []string{"t"}, TTL: time.Hour}))
	}

	require.NoError(t, db.RemoveMetadata(ctx, "a"))
	require.NoError(t, db.RemoveMetadata(ctx, "a"), "removing twice is not an error")

	n, err := db.RemoveMultiple(ctx, []string{"b", "c", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := db.GetMetadataByTags(ctx, []string{"t"})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestBoltDB_CloseWaitsForPendingAccess(t *testing.T) {
	ctx := context.Background()
	db := NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, db.Initialize(ctx))
	require.NoError(t, db.StoreMetadata(ctx, CacheMetadata{Key: "k", TTL: time.Hour}))

	for range 10 {
		_, err := db.GetMetadata(ctx, "k")
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	require.NoError(t, db.Initialize(ctx))
	defer func() { _ = db.Close() }()
	all, err := db.GetAllMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.EqualValues(t, 10, all[0].HitCount)
}

func TestEncodeTimestamp_Ordering(t *testing.T) {
	times := []time.Time{
		time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Unix(0, 0).UTC(),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 0, 1, time.UTC),
	}
	for i := 1; i < len(times); i++ {
		assert.Less(t, string(encodeTimestamp(times[i-1])), string(encodeTimestamp(times[i])))
	}
	for _, ts := range times {
		assert.True(t, ts.Equal(decodeTimestamp(encodeTimestamp(ts))))
	}
	assert.True(t, decodeTimestamp(nil).IsZero())
	assert.Less(t, string(encodeInt64(-1)), string(encodeInt64(0)))
}
