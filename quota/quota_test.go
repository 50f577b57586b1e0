package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/backend"
	"github.com/wolfeidau/strategy-cache/store/content"
	"github.com/wolfeidau/strategy-cache/store/metadb"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
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

type fixture struct {
	clock   *testClock
	db      *metadb.BoltDB
	content *content.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}

	db := metadb.NewBoltDB(filepath.Join(t.TempDir(), "test.db"), metadb.WithNow(clock.Now), metadb.WithNoSync(true))
	require.NoError(t, db.Initialize(context.Background()))
	t.Cleanup(func() { _ = db.Close() })

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	cs, err := content.New(fs, content.WithHotCacheBytes(0))
	require.NoError(t, err)
	t.Cleanup(cs.Close)

	return &fixture{clock: clock, db: db, content: cs}
}

func (f *fixture) manager(config Config, quotaBytes int64) *Manager {
	return New(f.db, f.content, MetadataEstimator{DB: f.db, QuotaBytes: quotaBytes}, config, WithNow(f.clock.Now))
}

type entry struct {
	store       string
	url         string
	size        int64
	ttl         time.Duration
	contentType string
}

// put writes content and a metadata record whose SizeBytes drives the
// metadata estimator.
func (f *fixture) put(t *testing.T, e entry) strategycache.Key {
	t.Helper()
	ctx := context.Background()
	key := strategycache.ScopedKey(e.url, "", nil)
	_, err := f.content.Put(ctx, e.store, key, &content.Response{
		Status:   200,
		Body:     []byte("body of " + e.url),
		StoredAt: f.clock.Now(),
		TTL:      e.ttl,
	})
	require.NoError(t, err)
	require.NoError(t, f.db.StoreMetadata(ctx, metadb.CacheMetadata{
		Key:         key.String(),
		URL:         e.url,
		TTL:         e.ttl,
		SizeBytes:   e.size,
		ContentType: e.contentType,
		Category:    e.store,
	}))
	return key
}

func TestThresholds_Classify(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		pct  float64
		want Level
	}{
		{0, LevelNormal},
		{69.9, LevelNormal},
		{70.0, LevelWarning},
		{79.99, LevelWarning},
		{80.0, LevelCleanup},
		{89.9, LevelCleanup},
		{90.0, LevelEmergency},
		{100, LevelEmergency},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Classify(tt.pct), "pct=%v", tt.pct)
	}
}

func TestGetStorageQuotaInfo(t *testing.T) {
	ctx := context.Background()

	t.Run("unsupported yields zeroed snapshot", func(t *testing.T) {
		m := New(nil, nil, EstimatorFunc(func(context.Context) (int64, int64, error) {
			return 0, 0, strategycache.QuotaUnsupported("no estimate")
		}), DefaultConfig())

		snap := m.GetStorageQuotaInfo(ctx)
		assert.Equal(t, Snapshot{Level: LevelNormal}, snap)
		assert.False(t, snap.Supported())
	})

	t.Run("estimate errors yield zeroed snapshot", func(t *testing.T) {
		m := New(nil, nil, EstimatorFunc(func(context.Context) (int64, int64, error) {
			return 0, 0, errors.New("disk on fire")
		}), DefaultConfig())

		snap := m.GetStorageQuotaInfo(ctx)
		assert.False(t, snap.IsNearLimit)
		assert.False(t, snap.IsAtLimit)
		assert.Zero(t, snap.PercentageUsed)
	})

	t.Run("metadata estimator", func(t *testing.T) {
		f := newFixture(t)
		f.put(t, entry{store: "api", url: "https://api.example.com/a", size: 500, ttl: time.Hour})
		f.put(t, entry{store: "api", url: "https://api.example.com/b", size: 250, ttl: time.Hour})

		snap := f.manager(DefaultConfig(), 1000).GetStorageQuotaInfo(ctx)
		assert.Equal(t, int64(750), snap.UsedBytes)
		assert.Equal(t, int64(1000), snap.QuotaBytes)
		assert.InDelta(t, 75.0, snap.PercentageUsed, 0.001)
		assert.True(t, snap.IsNearLimit)
		assert.False(t, snap.IsAtLimit)
		assert.Equal(t, LevelWarning, snap.Level)
	})

	t.Run("backend estimator without quota", func(t *testing.T) {
		_, _, err := BackendEstimator{}.Estimate(ctx)
		require.ErrorIs(t, err, strategycache.ErrQuotaUnsupported)
	})

	t.Run("backend estimator", func(t *testing.T) {
		f := newFixture(t)
		f.put(t, entry{store: "api", url: "https://api.example.com/a", size: 1, ttl: time.Hour})

		used, quota, err := BackendEstimator{Store: f.content, QuotaBytes: 1 << 20}.Estimate(ctx)
		require.NoError(t, err)
		assert.Positive(t, used)
		assert.Equal(t, int64(1<<20), quota)
	})
}

func TestEvictionOrder(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	config := DefaultConfig()
	config.Policy.MaxImageSizeBytes = 1000
	config.Policy.MinAccessCount = 2
	m := New(nil, nil, nil, config, WithNow(func() time.Time { return now }))

	entries := []metadb.CacheMetadata{
		{Key: "api-old", Category: "api", ContentType: "application/json", LastAccessedAt: now.Add(-3 * time.Hour), HitCount: 1},
		{Key: "img-small", Category: "images", ContentType: "image/png", SizeBytes: 100, LastAccessedAt: now.Add(-2 * time.Hour), HitCount: 1},
		{Key: "img-small-big", Category: "images", ContentType: "image/png", SizeBytes: 900, LastAccessedAt: now.Add(-2 * time.Hour), HitCount: 1},
		{Key: "img-large", ContentType: "image/jpeg", SizeBytes: 5000, LastAccessedAt: now.Add(-1 * time.Hour), HitCount: 3},
		{Key: "api-recent-hot", Category: "api", LastAccessedAt: now.Add(-10 * time.Minute), HitCount: 5},
		{Key: "api-recent-cold", Category: "api", LastAccessedAt: now.Add(-10 * time.Minute), HitCount: 0},
		{Key: "api-newer", Category: "api", LastAccessedAt: now.Add(-time.Hour), HitCount: 0},
	}

	keys := func(es []metadb.CacheMetadata) []string {
		out := make([]string, len(es))
		for i, e := range es {
			out[i] = e.Key
		}
		return out
	}

	t.Run("large images first", func(t *testing.T) {
		order := m.evictionOrder(append([]metadb.CacheMetadata(nil), entries...), false)
		assert.Equal(t, []string{
			"img-large",
			"img-small-big", "img-small",
			"api-old", "api-newer", "api-recent-cold",
		}, keys(order))
	})

	t.Run("aggressive narrows the recency window", func(t *testing.T) {
		order := m.evictionOrder(append([]metadb.CacheMetadata(nil), entries...), true)
		assert.Contains(t, keys(order), "api-recent-hot")
	})

	t.Run("images merged when not prioritizing large", func(t *testing.T) {
		cfg := config
		cfg.Policy.PrioritizeLargeImages = false
		m := New(nil, nil, nil, cfg, WithNow(func() time.Time { return now }))
		order := m.evictionOrder(append([]metadb.CacheMetadata(nil), entries...), false)
		assert.Equal(t, []string{
			"img-small-big", "img-small", "img-large",
			"api-old", "api-newer", "api-recent-cold",
		}, keys(order))
	})

	t.Run("recent entries kept only when preserving", func(t *testing.T) {
		cfg := config
		cfg.Policy.PreserveRecentlyAccessed = false
		m := New(nil, nil, nil, cfg, WithNow(func() time.Time { return now }))
		order := m.evictionOrder(append([]metadb.CacheMetadata(nil), entries...), false)
		assert.Len(t, order, len(entries))
	})
}

func TestPerformProactiveCleanup_ExpiredStageSuffices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	expired := f.put(t, entry{store: "api", url: "https://api.example.com/old", size: 400, ttl: time.Minute})
	f.put(t, entry{store: "api", url: "https://api.example.com/live", size: 300, ttl: time.Hour})
	f.clock.Advance(10 * time.Minute)

	m := f.manager(DefaultConfig(), 1000)
	report, err := m.PerformProactiveCleanup(ctx, 50, false)
	require.NoError(t, err)

	require.Len(t, report.Stages, 1)
	assert.Equal(t, StageResult{Stage: "expired", Removed: 1, BytesFreed: 400}, report.Stages[0])
	assert.InDelta(t, 70.0, report.Before.PercentageUsed, 0.001)
	assert.InDelta(t, 30.0, report.After.PercentageUsed, 0.001)
	assert.True(t, report.TargetReached)

	_, err = f.content.Get(ctx, "api", expired)
	require.ErrorIs(t, err, content.ErrNotFound)
}

func TestPerformProactiveCleanup_LRUStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var keys []strategycache.Key
	for _, u := range []string{"a", "b", "c", "d"} {
		keys = append(keys, f.put(t, entry{store: "api", url: "https://api.example.com/" + u, size: 200, ttl: 24 * time.Hour}))
		f.clock.Advance(time.Minute)
	}
	f.clock.Advance(time.Hour)

	config := DefaultConfig()
	config.RecheckEvery = 1
	m := f.manager(config, 1000)

	report, err := m.PerformProactiveCleanup(ctx, 50, false)
	require.NoError(t, err)

	require.Len(t, report.Stages, 2)
	assert.Equal(t, "expired", report.Stages[0].Stage)
	assert.Equal(t, StageResult{Stage: "lru", Removed: 2, BytesFreed: 400}, report.Stages[1])
	assert.True(t, report.TargetReached)
	assert.InDelta(t, 40.0, report.After.PercentageUsed, 0.001)

	for i, key := range keys {
		_, err := f.content.Get(ctx, "api", key)
		if i < 2 {
			assert.ErrorIs(t, err, content.ErrNotFound, "entry %d should be evicted", i)
		} else {
			assert.NoError(t, err, "entry %d should remain", i)
		}
	}
}

func TestPerformLRUCleanup_RechecksEveryTenDeletions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := range 12 {
		f.put(t, entry{store: "api", url: "https://api.example.com/" + string(rune('a'+i)), size: 50, ttl: 24 * time.Hour})
		f.clock.Advance(time.Minute)
	}
	f.clock.Advance(time.Hour)

	m := f.manager(DefaultConfig(), 1000)
	res, err := m.PerformLRUCleanup(ctx, 50, false)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Removed)

	count, err := f.db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPerformLRUCleanup_BelowTargetIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, entry{store: "api", url: "https://api.example.com/a", size: 100, ttl: time.Hour})

	res, err := f.manager(DefaultConfig(), 1000).PerformLRUCleanup(ctx, 50, false)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
}

func TestPerformProactiveCleanup_AggressivePurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	img := f.put(t, entry{store: "images", url: "https://img.example.com/a.png", size: 100, ttl: 24 * time.Hour, contentType: "image/png"})
	f.put(t, entry{store: "feed", url: "https://feed.example.com/latest", size: 100, ttl: 24 * time.Hour})
	api := f.put(t, entry{store: "api", url: "https://api.example.com/me", size: 100, ttl: 24 * time.Hour})

	m := f.manager(DefaultConfig(), 1000)
	report, err := m.PerformProactiveCleanup(ctx, 70, true)
	require.NoError(t, err)

	stages := make([]string, len(report.Stages))
	for i, s := range report.Stages {
		stages[i] = s.Stage
	}
	assert.Equal(t, []string{"expired", "purge"}, stages)
	assert.Equal(t, 2, report.Stages[1].Removed)
	assert.Equal(t, int64(200), report.Stages[1].BytesFreed)

	_, err = f.content.Get(ctx, "images", img)
	require.ErrorIs(t, err, content.ErrNotFound)
	_, err = f.content.Get(ctx, "api", api)
	require.NoError(t, err)

	images, err := f.db.MetadataByCategory(ctx, "images")
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestPerformProactiveCleanup_UntrackedExpiredContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	key := strategycache.ScopedKey("https://api.example.com/untracked", "", nil)
	_, err := f.content.Put(ctx, "api", key, &content.Response{Status: 200, Body: []byte("x"), StoredAt: f.clock.Now(), TTL: time.Minute})
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	m := f.manager(DefaultConfig(), 1000)
	report, err := m.PerformProactiveCleanup(ctx, 50, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stages[0].Removed)

	_, err = f.content.Get(ctx, "api", key)
	require.ErrorIs(t, err, content.ErrNotFound)
}

func TestPerformProactiveCleanup_RejectsConcurrentRun(t *testing.T) {
	m := New(nil, nil, nil, DefaultConfig())
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	_, err := m.PerformProactiveCleanup(context.Background(), 70, false)
	require.ErrorIs(t, err, strategycache.ErrCleanupInProgress)

	_, err = m.PerformLRUCleanup(context.Background(), 70, false)
	require.ErrorIs(t, err, strategycache.ErrCleanupInProgress)
}

func TestHandleQuotaCheck_CallbacksIsolated(t *testing.T) {
	m := New(nil, nil, nil, DefaultConfig())

	var got []float64
	m.OnQuotaChange(func(Snapshot) { panic("boom") })
	unregister := m.OnQuotaChange(func(s Snapshot) { got = append(got, s.PercentageUsed) })
	m.OnQuotaChange(func(s Snapshot) { got = append(got, s.PercentageUsed*2) })

	m.HandleQuotaCheck(context.Background(), Snapshot{QuotaBytes: 100, PercentageUsed: 10})
	assert.Equal(t, []float64{10, 20}, got)

	unregister()
	m.HandleQuotaCheck(context.Background(), Snapshot{QuotaBytes: 100, PercentageUsed: 10})
	assert.Equal(t, []float64{10, 20, 20}, got)
}

func TestHandleQuotaCheck_Cooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	config := DefaultConfig()
	config.LRUEnabled = false
	config.PurgeableStores = nil
	m := New(f.db, f.content, EstimatorFunc(func(context.Context) (int64, int64, error) {
		return 850, 1000, nil
	}), config, WithNow(f.clock.Now))
	high := m.GetStorageQuotaInfo(ctx)

	countRecords := func() int {
		n, err := f.db.Count(ctx)
		require.NoError(t, err)
		return n
	}

	f.put(t, entry{store: "api", url: "https://api.example.com/1", size: 1, ttl: time.Minute})
	f.clock.Advance(2 * time.Minute)
	m.HandleQuotaCheck(ctx, high)
	assert.Equal(t, 0, countRecords(), "first check cleans up")

	f.put(t, entry{store: "api", url: "https://api.example.com/2", size: 1, ttl: time.Minute})
	f.clock.Advance(2 * time.Minute)
	m.HandleQuotaCheck(ctx, high)
	assert.Equal(t, 1, countRecords(), "cooldown suppresses a second cleanup")

	f.clock.Advance(5 * time.Minute)
	m.HandleQuotaCheck(ctx, high)
	assert.Equal(t, 0, countRecords(), "cleanup resumes after the cooldown")
}

func TestHandleQuotaCheck_BusyCleanupKeepsCooldownOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	config := DefaultConfig()
	config.LRUEnabled = false
	config.PurgeableStores = nil
	m := New(f.db, f.content, EstimatorFunc(func(context.Context) (int64, int64, error) {
		return 850, 1000, nil
	}), config, WithNow(f.clock.Now))
	high := m.GetStorageQuotaInfo(ctx)

	f.put(t, entry{store: "api", url: "https://api.example.com/1", size: 1, ttl: time.Minute})
	f.clock.Advance(2 * time.Minute)

	m.cleanupMu.Lock()
	m.HandleQuotaCheck(ctx, high)
	m.cleanupMu.Unlock()

	n, err := f.db.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "nothing runs while another cleanup holds the lock")
	assert.True(t, m.lastCleanup.IsZero(), "a rejected trigger does not start the cooldown")

	f.clock.Advance(time.Second)
	m.HandleQuotaCheck(ctx, high)
	n, err = f.db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the next check cleans up without waiting for a cooldown")
}

func TestHandleQuotaCheck_BelowThresholdNoCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(DefaultConfig(), 1000)

	f.put(t, entry{store: "api", url: "https://api.example.com/1", size: 1, ttl: time.Minute})
	f.clock.Advance(2 * time.Minute)

	m.HandleQuotaCheck(ctx, Snapshot{QuotaBytes: 1000, UsedBytes: 790, PercentageUsed: 79})
	m.HandleQuotaCheck(ctx, Snapshot{})

	n, err := f.db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMonitoring_StartStop(t *testing.T) {
	var ticks atomic.Int32
	m := New(nil, nil, EstimatorFunc(func(context.Context) (int64, int64, error) {
		return 10, 100, nil
	}), DefaultConfig())
	m.OnQuotaChange(func(Snapshot) { ticks.Add(1) })

	ctx := context.Background()
	m.StartMonitoring(ctx, 10*time.Millisecond)
	m.StartMonitoring(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	m.StopMonitoring()
	m.StopMonitoring()

	stopped := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, ticks.Load(), "no ticks after stop")

	m.StartMonitoring(ctx, 10*time.Millisecond)
	require.NoError(t, m.Close())
}
