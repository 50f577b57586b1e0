package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/strategy-cache/access"
	"github.com/wolfeidau/strategy-cache/perf"
	"github.com/wolfeidau/strategy-cache/telemetry"
)

// pendingPreload is a preloaded entry waiting to learn whether it is used.
type pendingPreload struct {
	loadTime  time.Duration
	condition string
	bytes     int64
}

// Preload fetches urls into the cache ahead of use and returns how many
// were cached. Each successful preload is reported to the metrics
// collaborator once it is first served from cache, or as unused by
// SettlePreloads.
func (e *Engine) Preload(ctx context.Context, urls []string, opts FetchOptions, networkCondition string) (int, error) {
	var (
		loaded int
		errs   []error
	)
	for _, u := range urls {
		req, err := e.newRequest(ctx, u, opts, access.ModeRead)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		start := time.Now()
		resp, err := e.fetch(telemetry.WithCategory(ctx, req.profile.Name), req)
		loadTime := time.Since(start)
		if err == nil && (resp.Status < 200 || resp.Status >= 300) {
			err = fmt.Errorf("preloading %s: status %d", u, resp.Status)
		}
		if err != nil {
			e.metrics.RecordPreloadOperation(perf.PreloadOperation{
				LoadTime:         loadTime,
				NetworkCondition: networkCondition,
			})
			errs = append(errs, err)
			continue
		}

		e.preloadMu.Lock()
		e.preloads[req.key.String()] = pendingPreload{
			loadTime:  loadTime,
			condition: networkCondition,
			bytes:     int64(len(resp.Body)),
		}
		e.preloadMu.Unlock()
		loaded++
	}

	e.logger.Debug("preload finished", "requested", len(urls), "loaded", loaded)
	return loaded, errors.Join(errs...)
}

func (e *Engine) markPreloadUsed(key string) {
	e.preloadMu.Lock()
	p, ok := e.preloads[key]
	delete(e.preloads, key)
	e.preloadMu.Unlock()
	if !ok {
		return
	}
	e.metrics.RecordPreloadOperation(perf.PreloadOperation{
		Success:          true,
		LoadTime:         p.loadTime,
		WasUsed:          true,
		NetworkCondition: p.condition,
		BytesSaved:       p.bytes,
	})
}

// SettlePreloads reports every preload not yet used as wasted and returns
// how many there were.
func (e *Engine) SettlePreloads() int {
	e.preloadMu.Lock()
	pending := e.preloads
	e.preloads = make(map[string]pendingPreload)
	e.preloadMu.Unlock()

	for _, p := range pending {
		e.metrics.RecordPreloadOperation(perf.PreloadOperation{
			Success:          true,
			LoadTime:         p.loadTime,
			NetworkCondition: p.condition,
		})
	}
	return len(pending)
}
