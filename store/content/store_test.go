package content

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/backend"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *backend.Filesystem) {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	s, err := New(fs, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, fs
}

func testResponse(body string) *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type": []string{"application/json"},
			"Vary":         []string{"Accept", "Accept-Encoding"},
		},
		Body:     []byte(body),
		StoredAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		TTL:      5 * time.Minute,
	}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()

	for _, hot := range []int64{0, DefaultHotCacheBytes} {
		s, _ := newTestStore(t, WithHotCacheBytes(hot))
		key := strategycache.ScopedKey("https://api.example.com/posts", "user:1", nil)

		want := testResponse(`{"posts":[]}`)
		size, err := s.Put(ctx, "api", key, want)
		require.NoError(t, err)
		assert.Positive(t, size)

		got, err := s.Get(ctx, "api", key)
		require.NoError(t, err)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Body, got.Body)
		assert.Equal(t, "application/json", got.ContentType())
		assert.ElementsMatch(t, []string{"Accept", "Accept-Encoding"}, got.Header.Values("Vary"))
		assert.True(t, want.StoredAt.Equal(got.StoredAt))
		assert.Equal(t, want.TTL, got.TTL)

		got.Body[0] = 'X'
		again, err := s.Get(ctx, "api", key)
		require.NoError(t, err)
		assert.Equal(t, want.Body, again.Body, "callers get independent copies")
	}
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "api", strategycache.ScopedKey("u", "", nil))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CompressesLargeBodies(t *testing.T) {
	ctx := context.Background()
	s, fs := newTestStore(t, WithHotCacheBytes(0))
	key := strategycache.ScopedKey("https://cdn.example.com/feed", "", nil)

	body := strings.Repeat("compressible feed item ", 1000)
	size, err := s.Put(ctx, "feed", key, testResponse(body))
	require.NoError(t, err)
	assert.Less(t, size, int64(len(body)))

	onDisk, err := fs.Size(ctx, strategycache.StorageKey("feed", key))
	require.NoError(t, err)
	assert.Equal(t, size, onDisk)

	got, err := s.Get(ctx, "feed", key)
	require.NoError(t, err)
	assert.Equal(t, body, string(got.Body))
}

func TestStore_CorruptedEnvelope(t *testing.T) {
	ctx := context.Background()
	s, fs := newTestStore(t, WithHotCacheBytes(0))
	key := strategycache.ScopedKey("u", "", nil)

	require.NoError(t, fs.Write(ctx, strategycache.StorageKey("api", key), bytes.NewReader([]byte{0xff, 0xff, 0xff})))

	_, err := s.Get(ctx, "api", key)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestStore_KeysStoresPurge(t *testing.T) {
	ctx := context.Background()
	s, fs := newTestStore(t)

	k1 := strategycache.ScopedKey("https://img.example.com/1.png", "", nil)
	k2 := strategycache.ScopedKey("https://img.example.com/2.png", "", nil)
	k3 := strategycache.ScopedKey("https://api.example.com/me", "user:1", nil)

	for _, put := range []struct {
		store string
		key   strategycache.Key
	}{{"images", k1}, {"images", k2}, {"api", k3}} {
		_, err := s.Put(ctx, put.store, put.key, testResponse("x"))
		require.NoError(t, err)
	}
	// stray files are ignored
	require.NoError(t, fs.Write(ctx, "stores/images/zz/not-a-key", strings.NewReader("junk")))

	keys, err := s.Keys(ctx, "images")
	require.NoError(t, err)
	assert.ElementsMatch(t, []strategycache.Key{k1, k2}, keys)

	stores, err := s.Stores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "images"}, stores)

	used, count, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.Positive(t, used)

	removed, err := s.Purge(ctx, "images")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = s.Get(ctx, "images", k1)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "api", k3)
	require.NoError(t, err)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	key := strategycache.ScopedKey("u", "", nil)

	_, err := s.Put(ctx, "api", key, testResponse("x"))
	require.NoError(t, err)
	_, err = s.Get(ctx, "api", key)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "api", key))
	require.NoError(t, s.Delete(ctx, "api", key))

	_, err = s.Get(ctx, "api", key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResponse_Expired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &Response{StoredAt: now, TTL: time.Minute}

	assert.False(t, r.Expired(now.Add(59*time.Second)))
	assert.True(t, r.Expired(now.Add(time.Minute)))

	r.TTL = 0
	assert.False(t, r.Expired(now.Add(24*time.Hour)))
}

func TestResponse_Size(t *testing.T) {
	r := &Response{Header: http.Header{"A": []string{"bc"}}, Body: []byte("12345")}
	assert.EqualValues(t, 8, r.Size())
}
