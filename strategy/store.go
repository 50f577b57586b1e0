package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/access"
	"github.com/wolfeidau/strategy-cache/store/content"
	"github.com/wolfeidau/strategy-cache/store/metadb"
	"github.com/wolfeidau/strategy-cache/telemetry"
)

// InvalidationType is the type of every invalidation message.
const InvalidationType = "CACHE_INVALIDATED"

// Invalidation tells listeners which keys a tag invalidation removed.
type Invalidation struct {
	Type string   `json:"type"`
	Tag  string   `json:"tag"`
	Keys []string `json:"keys"`
}

// Broadcaster delivers invalidation messages to attached listeners.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg Invalidation) error
}

// BroadcastFunc adapts a function to Broadcaster.
type BroadcastFunc func(ctx context.Context, msg Invalidation) error

// Broadcast calls f.
func (f BroadcastFunc) Broadcast(ctx context.Context, msg Invalidation) error {
	return f(ctx, msg)
}

// PutWithMetadata stores resp for rawURL after checking write access and
// running it through the content validator. The stored response may be a
// filtered copy of resp. It returns the metadata written.
func (e *Engine) PutWithMetadata(ctx context.Context, rawURL string, resp *content.Response, opts FetchOptions) (*metadb.CacheMetadata, error) {
	req, err := e.newRequest(ctx, rawURL, opts, access.ModeWrite)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, strategycache.ContentInvalid("no response to store")
	}
	_, meta, err := e.cache(telemetry.WithCategory(ctx, req.profile.Name), req, resp)
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// cache validates resp, writes it and its metadata, then trims the
// category to its entry limit.
func (e *Engine) cache(ctx context.Context, req *request, resp *content.Response) (*content.Response, *metadb.CacheMetadata, error) {
	d := e.validator.ValidateResponseContent(resp)
	if !d.Valid {
		return nil, nil, strategycache.ContentInvalid(fmt.Sprintf("response for %s rejected: %s", req.url, strings.Join(d.Warnings, "; ")))
	}
	if len(d.Warnings) > 0 {
		e.logger.Debug("response filtered", "url", req.url, "warnings", d.Warnings)
	}

	stored := resp
	if d.Filtered != nil {
		stored = d.Filtered
	}
	stored = stored.Clone()
	stored.StoredAt = e.now()
	stored.TTL = req.profile.MaxAge

	size, err := e.store.Put(ctx, req.profile.Name, req.key, stored)
	if err != nil {
		return nil, nil, strategycache.StoreUnavailable("writing content for "+req.url, err)
	}
	meta, err := e.writeMetadata(ctx, req, stored, size)
	if err != nil {
		return nil, nil, err
	}
	e.enforceMaxEntries(ctx, req)
	return stored, meta, nil
}

func (e *Engine) writeMetadata(ctx context.Context, req *request, resp *content.Response, size int64) (*metadb.CacheMetadata, error) {
	ttl := resp.TTL
	if ttl <= 0 {
		ttl = req.profile.MaxAge
	}
	timestamp := resp.StoredAt
	if timestamp.IsZero() {
		timestamp = e.now()
	}
	m := metadb.CacheMetadata{
		Key:         req.key.String(),
		URL:         req.url,
		Timestamp:   timestamp,
		TTL:         ttl,
		ExpiresAt:   timestamp.Add(ttl),
		Tags:        req.profile.Tags,
		ContentType: resp.ContentType(),
		SizeBytes:   size,
		UserScope:   req.scope,
		Strategy:    string(req.profile.Mode),
		Category:    req.profile.Name,
	}
	if err := e.db.StoreMetadata(ctx, m); err != nil {
		return nil, fmt.Errorf("storing metadata for %s: %w", req.url, err)
	}
	return &m, nil
}

// enforceMaxEntries removes the least recently accessed entries of the
// request's category beyond its limit. The entry just written is kept.
func (e *Engine) enforceMaxEntries(ctx context.Context, req *request) {
	limit := req.profile.MaxEntries
	if limit <= 0 {
		return
	}
	recs, err := e.db.MetadataByCategory(ctx, req.profile.Name)
	if err != nil {
		e.logger.Warn("listing category failed", "category", req.profile.Name, "error", err)
		return
	}
	excess := len(recs) - limit
	if excess <= 0 {
		return
	}

	current := req.key.String()
	candidates := recs[:0]
	for _, rec := range recs {
		if rec.Key != current {
			candidates = append(candidates, rec)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LastAccessedAt.Before(candidates[j].LastAccessedAt)
	})
	victims := candidates[:min(excess, len(candidates))]

	keys := make([]string, 0, len(victims))
	for _, rec := range victims {
		e.deleteContent(ctx, rec)
		keys = append(keys, rec.ID())
	}
	removed, err := e.db.RemoveMultiple(ctx, keys)
	if err != nil {
		e.logger.Warn("trimming category failed", "category", req.profile.Name, "error", err)
	}
	e.logger.Debug("trimmed category", "category", req.profile.Name, "removed", removed, "limit", limit)
}

// InvalidateByTag deletes every entry carrying tag and broadcasts the
// removed keys. It returns the keys removed.
func (e *Engine) InvalidateByTag(ctx context.Context, tag string) ([]string, error) {
	recs, err := e.db.GetMetadataByTags(ctx, []string{tag})
	if err != nil {
		return nil, fmt.Errorf("finding entries tagged %q: %w", tag, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(recs))
	for _, rec := range recs {
		e.deleteContent(ctx, rec)
		keys = append(keys, rec.ID())
	}
	removed, removeErr := e.db.RemoveMultiple(ctx, keys)
	telemetry.RecordInvalidation(ctx, "tag", removed)
	e.logger.Info("invalidated tag", "tag", tag, "keys", removed)

	if e.broadcast != nil {
		msg := Invalidation{Type: InvalidationType, Tag: tag, Keys: keys}
		if err := e.broadcast.Broadcast(ctx, msg); err != nil {
			e.logger.Warn("broadcasting invalidation failed", "tag", tag, "error", err)
		}
	}
	if removeErr != nil {
		return keys, fmt.Errorf("invalidating tag %q: %w", tag, removeErr)
	}
	return keys, nil
}

// InvalidateTags invalidates each tag in turn.
func (e *Engine) InvalidateTags(ctx context.Context, tags []string) error {
	var errs []error
	for _, tag := range tags {
		if _, err := e.InvalidateByTag(ctx, tag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
