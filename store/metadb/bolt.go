package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// RemoveFunc is called with the records a cleanup or expiry sweep removed,
// after the removing transaction has committed.
type RemoveFunc func(ctx context.Context, removed []CacheMetadata)

// BoltDB implements MetaDB using bbolt.
//
// Until Initialize succeeds every read returns an empty result and every
// write is skipped with a warning.
type BoltDB struct {
	path     string
	logger   *slog.Logger
	now      func() time.Time
	noSync   bool // disables fsync per transaction (for testing only)
	onRemove RemoveFunc

	mu      sync.RWMutex
	db      *bbolt.DB
	closing bool
	pending sync.WaitGroup // deferred access accounting writes
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// WithRemoveFunc registers a hook that receives records removed by cleanup
// and expiry sweeps, so the matching content can be dropped too.
func WithRemoveFunc(fn RemoveFunc) BoltDBOption {
	return func(b *BoltDB) {
		b.onRemove = fn
	}
}

// NewBoltDB creates a BoltDB that will store its data at path.
// Call Initialize before use.
func NewBoltDB(path string, opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "metadb")
	return b
}

// SetRemoveFunc replaces the removal hook. It is used when the content
// store is built after the database.
func (b *BoltDB) SetRemoveFunc(fn RemoveFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRemove = fn
}

// Initialize opens the database and creates its buckets. It is safe to call
// more than once; later calls return nil without reopening.
func (b *BoltDB) Initialize(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db != nil {
		return nil
	}

	db, err := bbolt.Open(b.path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	b.db = db
	b.closing = false
	b.logger.Debug("opened metadb", "path", b.path, "noSync", b.noSync)
	return nil
}

// Close waits for deferred access updates and closes the database.
func (b *BoltDB) Close() error {
	b.mu.Lock()
	if b.db == nil {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	b.mu.Unlock()

	b.pending.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// DB returns the underlying bbolt database, or nil before Initialize.
// The offline queue keeps its buckets in the same file.
func (b *BoltDB) DB() *bbolt.DB {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db
}

// WaitPendingAccess blocks until every deferred access update scheduled by
// GetMetadata has been written.
func (b *BoltDB) WaitPendingAccess() {
	b.pending.Wait()
}

// view runs fn in a read transaction. It reports false when the database is
// not initialized.
func (b *BoltDB) view(fn func(tx *bbolt.Tx) error) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return false, nil
	}
	return true, b.db.View(fn)
}

// update runs fn in a write transaction. Writes before Initialize are
// skipped with a warning.
func (b *BoltDB) update(op string, fn func(tx *bbolt.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		b.logger.Warn("metadb not initialized, skipping write", "op", op)
		return nil
	}
	return b.db.Update(fn)
}

// StoreMetadata upserts m. ExpiresAt is recomputed from Timestamp and TTL,
// LastAccessedAt is stamped with the current time and Revision advances
// past any stored record. The last writer wins.
func (b *BoltDB) StoreMetadata(_ context.Context, m CacheMetadata) error {
	if m.ID() == "" {
		return errMissingKey
	}
	now := b.now()
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	m.ExpiresAt = m.Timestamp.Add(m.TTL)
	m.LastAccessedAt = now

	return b.update("store", func(tx *bbolt.Tx) error {
		old, err := getRecord(tx, m.ID())
		if err != nil {
			return err
		}
		m.Revision = 1
		if old != nil {
			m.Revision = old.Revision + 1
		}
		return putRecord(tx, old, &m)
	})
}

// GetMetadata returns the record for key, or nil when there is none.
// A hit schedules a deferred access update so the read itself does not
// wait on a write transaction.
func (b *BoltDB) GetMetadata(ctx context.Context, key string) (*CacheMetadata, error) {
	var m *CacheMetadata
	_, err := b.view(func(tx *bbolt.Tx) error {
		var err error
		m, err = getRecord(tx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting metadata: %w", err)
	}
	if m == nil {
		return nil, nil
	}

	b.mu.RLock()
	if !b.closing && b.db != nil {
		b.pending.Add(1)
		go func() {
			defer b.pending.Done()
			if err := b.UpdateAccessStats(context.WithoutCancel(ctx), key); err != nil {
				b.logger.Warn("deferred access update failed", "key", key, "error", err)
			}
		}()
	}
	b.mu.RUnlock()

	return m, nil
}

// UpdateMetadata applies fn to the stored record inside a single write
// transaction, so concurrent read-modify-write sequences cannot interleave.
// ExpiresAt is recomputed and Revision advanced after fn returns.
func (b *BoltDB) UpdateMetadata(_ context.Context, key string, fn func(*CacheMetadata) error) error {
	return b.update("update", func(tx *bbolt.Tx) error {
		old, err := getRecord(tx, key)
		if err != nil {
			return err
		}
		if old == nil {
			return ErrNotFound
		}
		next := *old
		next.Tags = append([]string(nil), old.Tags...)
		if err := fn(&next); err != nil {
			return err
		}
		next.Key = old.Key
		next.URL = old.URL
		next.ExpiresAt = next.Timestamp.Add(next.TTL)
		next.Revision = old.Revision + 1
		return putRecord(tx, old, &next)
	})
}

// UpdateAccessStats increments the hit count and stamps the access time.
// A missing record is not an error.
func (b *BoltDB) UpdateAccessStats(ctx context.Context, key string) error {
	now := b.now()
	err := b.UpdateMetadata(ctx, key, func(m *CacheMetadata) error {
		m.HitCount++
		m.LastAccessedAt = now
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// GetAllMetadata returns every record in key order.
func (b *BoltDB) GetAllMetadata(_ context.Context) ([]CacheMetadata, error) {
	var out []CacheMetadata
	_, err := b.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).ForEach(func(_, v []byte) error {
			var m CacheMetadata
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("unmarshaling metadata: %w", err)
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing metadata: %w", err)
	}
	return out, nil
}

// GetMetadataByTags returns the union of records carrying any of tags,
// each record at most once.
func (b *BoltDB) GetMetadataByTags(_ context.Context, tags []string) ([]CacheMetadata, error) {
	var out []CacheMetadata
	_, err := b.view(func(tx *bbolt.Tx) error {
		seen := make(map[string]bool)
		for _, tag := range tags {
			keys := scanIndex(tx.Bucket(bucketByTag), indexPrefix([]byte(tag)))
			for _, key := range keys {
				if seen[key] {
					continue
				}
				seen[key] = true
				m, err := getRecord(tx, key)
				if err != nil {
					return err
				}
				if m != nil {
					out = append(out, *m)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying tags: %w", err)
	}
	return out, nil
}

// MetadataByCategory returns every record stored under category, ordered
// by key.
func (b *BoltDB) MetadataByCategory(_ context.Context, category string) ([]CacheMetadata, error) {
	var out []CacheMetadata
	_, err := b.view(func(tx *bbolt.Tx) error {
		keys := scanIndex(tx.Bucket(bucketByCategory), indexPrefix([]byte(category)))
		sort.Strings(keys)
		for _, key := range keys {
			m, err := getRecord(tx, key)
			if err != nil {
				return err
			}
			if m != nil {
				out = append(out, *m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying category: %w", err)
	}
	return out, nil
}

// RemoveMetadata deletes the record for key. Missing keys are not an error.
func (b *BoltDB) RemoveMetadata(_ context.Context, key string) error {
	return b.update("remove", func(tx *bbolt.Tx) error {
		_, err := deleteRecord(tx, key)
		return err
	})
}

// RemoveMultiple deletes each key in its own transaction. It keeps going
// after a failure and returns the number removed with the joined errors.
func (b *BoltDB) RemoveMultiple(ctx context.Context, keys []string) (int, error) {
	var (
		removed int
		errs    []error
	)
	for _, key := range keys {
		if err := b.RemoveMetadata(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", key, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Count returns the number of records.
func (b *BoltDB) Count(_ context.Context) (int, error) {
	var n int
	_, err := b.view(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketMetadata).Stats().KeyN
		return nil
	})
	return n, err
}

func getRecord(tx *bbolt.Tx, key string) (*CacheMetadata, error) {
	v := tx.Bucket(bucketMetadata).Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	var m CacheMetadata
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata %s: %w", key, err)
	}
	return &m, nil
}

// putRecord writes next and moves its index entries from old (if any).
func putRecord(tx *bbolt.Tx, old, next *CacheMetadata) error {
	if old != nil {
		if err := removeIndexes(tx, old); err != nil {
			return err
		}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := tx.Bucket(bucketMetadata).Put([]byte(next.ID()), data); err != nil {
		return fmt.Errorf("putting metadata: %w", err)
	}

	for _, e := range indexEntries(next) {
		if err := tx.Bucket(e.bucket).Put(e.key, []byte(next.ID())); err != nil {
			return fmt.Errorf("putting index %s: %w", e.bucket, err)
		}
	}
	return nil
}

// deleteRecord removes the record and its index entries, returning what
// was removed.
func deleteRecord(tx *bbolt.Tx, key string) (*CacheMetadata, error) {
	m, err := getRecord(tx, key)
	if err != nil || m == nil {
		return nil, err
	}
	if err := removeIndexes(tx, m); err != nil {
		return nil, err
	}
	if err := tx.Bucket(bucketMetadata).Delete([]byte(key)); err != nil {
		return nil, fmt.Errorf("deleting metadata: %w", err)
	}
	return m, nil
}

func removeIndexes(tx *bbolt.Tx, m *CacheMetadata) error {
	for _, e := range indexEntries(m) {
		if err := tx.Bucket(e.bucket).Delete(e.key); err != nil {
			return fmt.Errorf("deleting index %s: %w", e.bucket, err)
		}
	}
	return nil
}

// scanIndex returns the record keys of every index entry starting with prefix.
func scanIndex(bucket *bbolt.Bucket, prefix []byte) []string {
	var keys []string
	c := bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		keys = append(keys, string(v))
	}
	return keys
}
