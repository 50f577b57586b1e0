// Package strategy resolves requests against the cache and the network
// using per-category strategies, and keeps metadata for everything it
// caches.
package strategy

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/access"
	"github.com/wolfeidau/strategy-cache/download"
	"github.com/wolfeidau/strategy-cache/perf"
	"github.com/wolfeidau/strategy-cache/store/content"
	"github.com/wolfeidau/strategy-cache/store/metadb"
)

const (
	defaultNetworkTimeout = 10 * time.Second
	// refreshTimeout bounds background refreshes and detached fetches.
	refreshTimeout = 2 * time.Minute
)

// ContentStore holds response bodies in named stores.
type ContentStore interface {
	Get(ctx context.Context, store string, key strategycache.Key) (*content.Response, error)
	Put(ctx context.Context, store string, key strategycache.Key, resp *content.Response) (int64, error)
	Delete(ctx context.Context, store string, key strategycache.Key) error
}

// Fetcher performs network requests. download.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, header http.Header) (*content.Response, error)
}

// MetricsRecorder receives cache outcomes. perf.Collector satisfies it.
type MetricsRecorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
	RecordPreloadOperation(op perf.PreloadOperation)
}

type nopMetrics struct{}

func (nopMetrics) RecordCacheHit(string)                        {}
func (nopMetrics) RecordCacheMiss(string)                       {}
func (nopMetrics) RecordPreloadOperation(perf.PreloadOperation) {}

// Engine executes cache strategies.
type Engine struct {
	db         metadb.MetaDB
	store      ContentStore
	fetcher    Fetcher
	downloader *download.Downloader
	access     access.Validator
	validator  access.ContentValidator
	metrics    MetricsRecorder
	broadcast  Broadcaster
	profiles   map[string]Profile
	logger     *slog.Logger
	now        func() time.Time

	preloadMu sync.Mutex
	preloads  map[string]pendingPreload

	// Lifecycle management for background refreshes
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithProfiles replaces the built-in profiles.
func WithProfiles(profiles map[string]Profile) Option {
	return func(e *Engine) {
		e.profiles = profiles
	}
}

// WithAccessValidator sets the access-control collaborator.
func WithAccessValidator(v access.Validator) Option {
	return func(e *Engine) {
		e.access = v
	}
}

// WithContentValidator sets the content-protection collaborator.
func WithContentValidator(v access.ContentValidator) Option {
	return func(e *Engine) {
		e.validator = v
	}
}

// WithMetrics sets the metrics collaborator.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithBroadcaster sets where invalidation messages are sent.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) {
		e.broadcast = b
	}
}

// WithDownloader sets the fetch deduplicator.
func WithDownloader(d *download.Downloader) Option {
	return func(e *Engine) {
		e.downloader = d
	}
}

// New creates an engine on the metadata store, content store and fetcher.
func New(db metadb.MetaDB, store ContentStore, fetcher Fetcher, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		db:        db,
		store:     store,
		fetcher:   fetcher,
		access:    access.NewHostPolicy(),
		validator: access.DefaultContentFilter(),
		metrics:   nopMetrics{},
		profiles:  DefaultProfiles(),
		logger:    slog.Default(),
		now:       time.Now,
		preloads:  make(map[string]pendingPreload),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "strategy")
	if e.downloader == nil {
		e.downloader = download.New(download.WithLogger(e.logger))
	}
	return e
}

// Close cancels background refreshes and waits for them to finish.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Profiles returns a copy of the configured profiles.
func (e *Engine) Profiles() map[string]Profile {
	out := make(map[string]Profile, len(e.profiles))
	for k, v := range e.profiles {
		out[k] = v
	}
	return out
}

// DropContent deletes the content behind removed metadata records. It
// matches metadb.RemoveFunc so sweeps in the metadata store can keep the
// content stores in step.
func (e *Engine) DropContent(ctx context.Context, removed []metadb.CacheMetadata) {
	for _, rec := range removed {
		e.deleteContent(ctx, rec)
	}
}

func (e *Engine) deleteContent(ctx context.Context, rec metadb.CacheMetadata) {
	if rec.Category == "" {
		return
	}
	key, err := strategycache.ParseKey(rec.Key)
	if err != nil {
		e.logger.Debug("skipping content delete for unkeyed record", "url", rec.URL)
		return
	}
	if err := e.store.Delete(ctx, rec.Category, key); err != nil {
		e.logger.Warn("deleting content failed", "store", rec.Category, "key", key.ShortString(), "error", err)
	}
}
