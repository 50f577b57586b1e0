package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/access"
	"github.com/wolfeidau/strategy-cache/download"
	"github.com/wolfeidau/strategy-cache/store/content"
	"github.com/wolfeidau/strategy-cache/telemetry"
)

// Source says where a response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Result is a resolved request.
type Result struct {
	Response *content.Response
	Source   Source
	// Stale is set when a cached response past its max age was served.
	Stale bool
	// Key is the scoped cache key.
	Key string
}

// request carries everything resolved about one call.
type request struct {
	url     string
	key     strategycache.Key
	scope   string
	profile Profile
	opts    FetchOptions
}

func (e *Engine) newRequest(ctx context.Context, rawURL string, opts FetchOptions, mode access.Mode) (*request, error) {
	profile, err := e.resolve(opts)
	if err != nil {
		return nil, strategycache.ContentInvalid(err.Error())
	}

	d := e.access.ValidateCacheAccess(ctx, rawURL, mode)
	if !d.Valid {
		return nil, strategycache.AccessDenied(fmt.Sprintf("%s access to %s denied: %s", mode, rawURL, strings.Join(d.Errors, "; ")))
	}
	scope := d.UserScope
	if scope == "" {
		scope = opts.UserScope
	}

	return &request{
		url:     rawURL,
		key:     strategycache.ScopedKey(rawURL, scope, opts.KeyParams),
		scope:   scope,
		profile: profile,
		opts:    opts,
	}, nil
}

// FetchWithStrategy resolves rawURL using the strategy of its category.
// Read access is checked before any I/O; a denial returns an error wrapping
// strategycache.ErrAccessDenied. When neither network nor cache can answer
// it returns an error wrapping strategycache.ErrNetworkFailure.
func (e *Engine) FetchWithStrategy(ctx context.Context, rawURL string, opts FetchOptions) (*Result, error) {
	req, err := e.newRequest(ctx, rawURL, opts, access.ModeRead)
	if err != nil {
		return nil, err
	}
	ctx = telemetry.WithCategory(ctx, req.profile.Name)

	start := time.Now()
	var res *Result
	switch req.profile.Mode {
	case NetworkFirst:
		res, err = e.networkFirst(ctx, req)
	case CacheFirst:
		res, err = e.cacheFirst(ctx, req)
	case StaleWhileRevalidate:
		res, err = e.staleWhileRevalidate(ctx, req)
	default:
		return nil, strategycache.ContentInvalid(fmt.Sprintf("unknown strategy mode %q", req.profile.Mode))
	}

	source := "none"
	if res != nil {
		source = string(res.Source)
	}
	telemetry.RecordStrategyResolution(ctx, string(req.profile.Mode), source, time.Since(start))
	return res, err
}

func (e *Engine) networkFirst(ctx context.Context, req *request) (*Result, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, req.profile.NetworkTimeout)
	resp, netErr := e.fetch(fetchCtx, req)
	cancel()
	if netErr == nil {
		return e.served(ctx, req, resp, SourceNetwork, false), nil
	}

	cached, stale := e.lookup(ctx, req)
	if cached != nil {
		e.logger.Warn("network failed, serving cached response",
			"url", req.url,
			"stale", stale,
			"error", netErr,
		)
		return e.served(ctx, req, cached, SourceCache, stale), nil
	}
	return nil, networkError(req, netErr)
}

// cacheFirst serves a fresh cached entry and refreshes it in the
// background. Expired entries go to the network first and are only served
// when the fetch fails.
func (e *Engine) cacheFirst(ctx context.Context, req *request) (*Result, error) {
	cached, stale := e.lookup(ctx, req)
	if cached != nil && !stale {
		e.refreshInBackground(ctx, req)
		return e.served(ctx, req, cached, SourceCache, false), nil
	}

	resp, err := e.fetch(ctx, req)
	if err != nil {
		if cached != nil {
			e.logger.Warn("network failed, serving expired response",
				"url", req.url,
				"error", err,
			)
			return e.served(ctx, req, cached, SourceCache, true), nil
		}
		return nil, networkError(req, err)
	}
	return e.served(ctx, req, resp, SourceNetwork, false), nil
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req *request) (*Result, error) {
	if cached, stale := e.lookup(ctx, req); cached != nil {
		e.refreshInBackground(ctx, req)
		return e.served(ctx, req, cached, SourceCache, stale), nil
	}

	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, networkError(req, err)
	}
	return e.served(ctx, req, resp, SourceNetwork, false), nil
}

func networkError(req *request, err error) error {
	if errors.Is(err, strategycache.ErrNetworkFailure) {
		return err
	}
	return strategycache.NetworkFailure("fetching "+req.url, err)
}

// lookup returns the cached response for req and whether it is past its
// max age. Read failures are logged and treated as a miss.
func (e *Engine) lookup(ctx context.Context, req *request) (*content.Response, bool) {
	resp, err := e.store.Get(ctx, req.profile.Name, req.key)
	if err != nil {
		if !errors.Is(err, content.ErrNotFound) {
			e.logger.Warn("reading cached response failed", "url", req.url, "error", err)
		}
		return nil, false
	}
	return resp, resp.Expired(e.now())
}

// served records the outcome of a resolution and builds its result.
// Network responses count as misses and cached ones as hits.
func (e *Engine) served(ctx context.Context, req *request, resp *content.Response, source Source, stale bool) *Result {
	cacheType := req.profile.Name
	if source == SourceNetwork {
		e.metrics.RecordCacheMiss(cacheType)
		telemetry.RecordCacheLookup(ctx, cacheType, telemetry.CacheMiss)
	} else {
		e.metrics.RecordCacheHit(cacheType)
		result := telemetry.CacheHit
		if stale {
			result = telemetry.CacheStale
		}
		telemetry.RecordCacheLookup(ctx, cacheType, result)
		e.touch(ctx, req, resp)
		e.markPreloadUsed(req.key.String())
	}
	return &Result{Response: resp, Source: source, Stale: stale, Key: req.key.String()}
}

// touch bumps the access stats of a served cache entry, recreating its
// metadata when the record has gone missing.
func (e *Engine) touch(ctx context.Context, req *request, resp *content.Response) {
	meta, err := e.db.GetMetadata(ctx, req.key.String())
	if err != nil {
		e.logger.Warn("reading metadata failed", "url", req.url, "error", err)
		return
	}
	if meta != nil {
		return
	}
	if _, err := e.writeMetadata(ctx, req, resp, resp.Size()); err != nil {
		e.logger.Warn("restoring metadata failed", "url", req.url, "error", err)
	}
}

// fetch performs a deduplicated network fetch for req and caches the
// result. The fetch runs detached from ctx so one caller timing out does
// not abandon it for others.
func (e *Engine) fetch(ctx context.Context, req *request) (*content.Response, error) {
	result, _, err := e.downloader.Do(ctx, req.profile.Name+"/"+req.key.String(), func(dctx context.Context) (*download.Result, error) {
		dctx, cancel := context.WithTimeout(dctx, refreshTimeout)
		defer cancel()
		return e.fetchAndStore(dctx, req)
	})
	if err != nil {
		download.ForgetOnDownloadError(e.downloader, req.profile.Name+"/"+req.key.String(), err)
		return nil, err
	}
	return result.Response, nil
}

func (e *Engine) fetchAndStore(ctx context.Context, req *request) (*download.Result, error) {
	resp, err := e.fetcher.Fetch(ctx, req.url, req.opts.Header)
	if err != nil {
		return nil, err
	}

	stored, meta, err := e.cache(ctx, req, resp)
	switch {
	case errors.Is(err, strategycache.ErrContentInvalid):
		e.logger.Debug("response not cacheable", "url", req.url, "error", err)
		return &download.Result{Response: resp}, nil
	case err != nil:
		e.logger.Warn("caching response failed", "url", req.url, "error", err)
		return &download.Result{Response: resp}, nil
	}
	return &download.Result{Response: stored, Size: meta.SizeBytes}, nil
}

// refreshInBackground refetches req without blocking the caller. Failures
// are logged only.
func (e *Engine) refreshInBackground(ctx context.Context, req *request) {
	if e.ctx.Err() != nil {
		return
	}
	category := telemetry.CategoryFromContext(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(telemetry.WithCategory(e.ctx, category), refreshTimeout)
		defer cancel()

		if _, err := e.fetch(ctx, req); err != nil {
			e.logger.Warn("background refresh failed", "url", req.url, "error", err)
			return
		}
		e.logger.Debug("background refresh complete", "url", req.url)
	}()
}
