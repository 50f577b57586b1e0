package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/backend"
	"github.com/wolfeidau/strategy-cache/telemetry"
)

// ErrNotFound is returned when a store holds no entry for a key.
var ErrNotFound = errors.New("content: not found")

// DefaultHotCacheBytes bounds the in-memory hot tier.
const DefaultHotCacheBytes = 64 * 1024 * 1024

// Store keeps encoded responses in named content stores on a backend.
type Store struct {
	backend  backend.Backend
	codec    *codec
	hot      *ristretto.Cache
	hotBytes int64
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithHotCacheBytes sets the hot tier budget. Zero disables the hot tier.
func WithHotCacheBytes(n int64) Option {
	return func(s *Store) {
		s.hotBytes = n
	}
}

// New creates a content store on b.
func New(b backend.Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:  b,
		hotBytes: DefaultHotCacheBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "content")

	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	s.codec = c

	if s.hotBytes > 0 {
		hot, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: max(s.hotBytes/1024*10, 1000),
			MaxCost:     s.hotBytes,
			BufferItems: 64,
		})
		if err != nil {
			c.close()
			return nil, fmt.Errorf("creating hot cache: %w", err)
		}
		s.hot = hot
	}
	return s, nil
}

// Close releases the codec and hot tier.
func (s *Store) Close() {
	s.codec.close()
	if s.hot != nil {
		s.hot.Close()
	}
}

// Backend returns the underlying backend.
func (s *Store) Backend() backend.Backend {
	return s.backend
}

// Put writes resp under key in the named store and returns the encoded size.
func (s *Store) Put(ctx context.Context, store string, key strategycache.Key, resp *Response) (int64, error) {
	data := s.codec.encode(resp)
	storageKey := strategycache.StorageKey(store, key)

	if err := s.backend.Write(ctx, storageKey, bytes.NewReader(data)); err != nil {
		return 0, fmt.Errorf("writing %s: %w", storageKey, err)
	}
	if s.hot != nil {
		s.hot.Set(storageKey, resp.Clone(), int64(len(data)))
	}

	telemetry.RecordContentWrite(ctx, store, int64(len(data)))
	return int64(len(data)), nil
}

// Get returns the response stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, store string, key strategycache.Key) (*Response, error) {
	storageKey := strategycache.StorageKey(store, key)

	if s.hot != nil {
		if v, ok := s.hot.Get(storageKey); ok {
			if resp, ok := v.(*Response); ok {
				return resp.Clone(), nil
			}
			s.hot.Del(storageKey)
		}
	}

	rc, err := s.backend.Read(ctx, storageKey)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", storageKey, err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", storageKey, err)
	}

	resp, err := s.codec.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", storageKey, err)
	}
	if s.hot != nil {
		s.hot.Set(storageKey, resp.Clone(), int64(len(data)))
	}
	return resp, nil
}

// Delete removes key from the named store. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, store string, key strategycache.Key) error {
	storageKey := strategycache.StorageKey(store, key)
	if s.hot != nil {
		s.hot.Del(storageKey)
	}
	if err := s.backend.Delete(ctx, storageKey); err != nil {
		return fmt.Errorf("deleting %s: %w", storageKey, err)
	}
	return nil
}

// Keys lists every key held by the named store. Backend entries that are
// not valid storage keys are skipped.
func (s *Store) Keys(ctx context.Context, store string) ([]strategycache.Key, error) {
	paths, err := s.backend.List(ctx, strategycache.StorePrefix(store))
	if err != nil {
		return nil, fmt.Errorf("listing store %s: %w", store, err)
	}
	keys := make([]strategycache.Key, 0, len(paths))
	for _, p := range paths {
		_, k, err := strategycache.ParseStorageKey(p)
		if err != nil {
			s.logger.Debug("skipping unrecognised content key", "key", p, "error", err)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Stores lists the names of every non-empty content store, sorted.
func (s *Store) Stores(ctx context.Context) ([]string, error) {
	paths, err := s.backend.List(ctx, strategycache.StoresRoot())
	if err != nil {
		return nil, fmt.Errorf("listing stores: %w", err)
	}
	seen := make(map[string]bool)
	for _, p := range paths {
		rest := strings.TrimPrefix(p, strategycache.StoresRoot())
		if name, _, ok := strings.Cut(rest, "/"); ok && name != "" {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Purge deletes the whole named store and returns how many entries it held.
func (s *Store) Purge(ctx context.Context, store string) (int, error) {
	prefix := strategycache.StorePrefix(store)
	if s.hot != nil {
		paths, err := s.backend.List(ctx, prefix)
		if err != nil {
			return 0, fmt.Errorf("listing store %s: %w", store, err)
		}
		for _, p := range paths {
			s.hot.Del(p)
		}
	}
	removed, err := backend.DeletePrefix(ctx, s.backend, prefix)
	if err != nil {
		return removed, fmt.Errorf("purging store %s: %w", store, err)
	}
	s.logger.Info("purged content store", "store", store, "removed", removed)
	return removed, nil
}

// Usage returns the stored bytes and entry count across every store.
// The backend must be size aware.
func (s *Store) Usage(ctx context.Context) (int64, int, error) {
	sb, ok := s.backend.(backend.SizeAwareBackend)
	if !ok {
		return 0, 0, strategycache.QuotaUnsupported("backend does not report sizes")
	}
	return backend.Usage(ctx, sb, strategycache.StoresRoot())
}
