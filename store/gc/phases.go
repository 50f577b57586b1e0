package gc

import (
	"context"
	"errors"
	"fmt"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/store/content"
)

// phaseExpireMeta deletes expired metadata entries. Their content goes
// through the database remove hook.
func (m *Manager) phaseExpireMeta(ctx context.Context, result *Result) {
	m.logger.Debug("phase: expire metadata")

	deleted, err := m.db.RemoveExpired(ctx, m.now(), m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("remove expired meta: %v", err))
		m.logger.Error("failed to remove expired metadata", "error", err)
	}
	result.ExpiredMetaDeleted += deleted
}

type contentRef struct {
	store string
	key   string
}

// phaseReconcile lists content before loading metadata, so content written
// during the sweep is never seen without its record. Entries younger than
// the grace period are left alone on both sides.
func (m *Manager) phaseReconcile(ctx context.Context, result *Result) {
	m.logger.Debug("phase: reconcile content and metadata")

	stores, err := m.content.Stores(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list stores: %v", err))
		m.logger.Error("failed to list content stores", "error", err)
		return
	}

	onDisk := make(map[contentRef]strategycache.Key)
	for _, store := range stores {
		keys, err := m.content.Keys(ctx, store)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("list store %s: %v", store, err))
			m.logger.Error("failed to list content store", "store", store, "error", err)
			return
		}
		for _, k := range keys {
			onDisk[contentRef{store, k.String()}] = k
		}
	}

	records, err := m.db.GetAllMetadata(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list metadata: %v", err))
		m.logger.Error("failed to list metadata", "error", err)
		return
	}

	indexed := make(map[contentRef]bool, len(records))
	for _, r := range records {
		indexed[contentRef{r.Category, r.ID()}] = true
	}

	cutoff := m.now().Add(-m.config.GracePeriod)

	// Phase 2: content without metadata
	processed := 0
	for ref, key := range onDisk {
		if processed >= m.config.BatchSize || ctx.Err() != nil {
			break
		}
		if indexed[ref] {
			continue
		}

		resp, err := m.content.Get(ctx, ref.store, key)
		if errors.Is(err, content.ErrNotFound) {
			continue
		}
		var size int64
		if err == nil {
			if resp.StoredAt.After(cutoff) {
				continue
			}
			size = resp.Size()
		}

		if err := m.content.Delete(ctx, ref.store, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete orphan content %s/%s: %v", ref.store, key.ShortString(), err))
			m.logger.Error("failed to delete orphan content", "store", ref.store, "key", key.ShortString(), "error", err)
			continue
		}

		result.OrphanContentDeleted++
		result.BytesReclaimed += size
		processed++

		m.logger.Debug("deleted orphan content", "store", ref.store, "key", key.ShortString(), "size", size)
	}

	// Phase 3: metadata without content
	processed = 0
	for _, r := range records {
		if processed >= m.config.BatchSize || ctx.Err() != nil {
			break
		}
		if r.Category == "" {
			continue
		}
		if _, ok := onDisk[contentRef{r.Category, r.ID()}]; ok {
			continue
		}
		if r.LastAccessedAt.After(cutoff) {
			continue
		}

		if err := m.db.RemoveMetadata(ctx, r.ID()); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete orphan meta %s: %v", r.ID(), err))
			m.logger.Error("failed to delete orphan metadata", "key", r.ID(), "error", err)
			continue
		}

		result.OrphanMetaDeleted++
		processed++

		m.logger.Debug("deleted orphan metadata", "key", r.ID(), "url", r.URL)
	}
}
