// Package download fetches network responses and deduplicates concurrent
// fetches for the same cache key. When several callers miss on the same
// entry, only one network fetch is performed.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/strategy-cache/store/content"
)

// Result holds the outcome of a fetch.
type Result struct {
	Response *content.Response
	// Size is the encoded size written to the content store, zero when the
	// response was not stored.
	Size int64
}

// DownloadFunc fetches from the network and stores the response.
// The context passed to DownloadFunc is detached from any single request so
// that one caller timing out does not cancel the fetch for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches for the same cache key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for the same key.
// The fn receives a context detached from cancellation but carrying the
// caller's values. Returns the result, whether it was shared with another
// caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		result := res.Val.(*Result)
		if res.Shared && result.Response != nil {
			// waiters each get their own copy of the response
			result = &Result{Response: result.Response.Clone(), Size: result.Size}
		}
		return result, res.Shared, nil
	case <-ctx.Done():
		d.logger.Debug("caller gave up waiting for fetch", "key", key, "error", ctx.Err())
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry. Typically called after a fetch error.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}
