package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/strategy-cache/offline"
	"github.com/wolfeidau/strategy-cache/strategy"
)

const aliceToken = "tok-alice"

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	upstream *httptest.Server
	hits     atomic.Int32

	mu   sync.Mutex
	sent []offline.Action
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{}

	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(env.upstream.Close)

	cfg := Config{
		StoragePath: t.TempDir(),
		QuotaBytes:  1 << 20,
		Tokens:      map[string]string{aliceToken: "alice"},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		OfflineSender: offline.SenderFunc(func(_ context.Context, a offline.Action) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.sent = append(env.sent, a)
			return nil
		}),
		OfflineInterval: time.Hour,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	srv.StartBackground()
	env.srv = srv

	env.http = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		env.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) fetchPath(upstreamPath string, query ...string) string {
	q := url.Values{"url": {e.upstream.URL + upstreamPath}}
	for i := 0; i+1 < len(query); i += 2 {
		q.Set(query[i], query[i+1])
	}
	return "/fetch?" + q.Encode()
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body map[string]any
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "health_score")
}

func TestFetch_CacheFirstHitsAfterMiss(t *testing.T) {
	env := newTestEnv(t)
	path := env.fetchPath("/assets/app.js", "category", "static")

	resp := env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/assets/app.js"}`, string(body))

	resp = env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
}

func TestFetch_Errors(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AllowedHosts = []string{"127.0.0.1"} })

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"missing url", "/fetch", http.StatusBadRequest, "INVALID_INPUT"},
		{"bad mode", env.fetchPath("/x", "mode", "cache-only"), http.StatusBadRequest, "INVALID_INPUT"},
		{"bad max age", env.fetchPath("/x", "max_age", "soon"), http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown category", env.fetchPath("/x", "category", "nope"), http.StatusBadRequest, "INVALID_INPUT"},
		{"host not allowed", "/fetch?url=" + url.QueryEscape("https://evil.example.org/"), http.StatusForbidden, "FORBIDDEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, tt.path, nil)
			require.Equal(t, tt.status, resp.StatusCode)

			var body map[string]any
			decode(t, resp, &body)
			assert.Equal(t, tt.code, body["code"])
		})
	}
	assert.Zero(t, env.hits.Load(), "rejected requests never reach upstream")
}

func TestFetch_NetworkFailure(t *testing.T) {
	env := newTestEnv(t)
	target := env.upstream.URL + "/gone"
	env.upstream.Close()

	resp := env.do(t, http.MethodGet, "/fetch?url="+url.QueryEscape(target), nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body map[string]any
	decode(t, resp, &body)
	assert.Equal(t, "NETWORK_ERROR", body["code"])
	assert.Equal(t, "RETRYABLE", body["classification"])
}

func TestPutThenFetch(t *testing.T) {
	env := newTestEnv(t)
	target := env.upstream.URL + "/profile"
	q := url.Values{"url": {target}, "category": {"static"}, "tags": {"profile, user-1"}}

	resp := env.do(t, http.MethodPut, "/cache?"+q.Encode(), strings.NewReader(`{"name":"alice"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var meta map[string]any
	decode(t, resp, &meta)
	assert.Equal(t, "user:alice", meta["user_scope"])
	assert.ElementsMatch(t, []any{"static", "profile", "user-1"}, meta["tags"])

	resp = env.do(t, http.MethodGet, "/fetch?"+url.Values{"url": {target}, "category": {"static"}}.Encode(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"alice"}`, string(body))
}

func TestPut_RequiresPrincipal(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Tokens = nil })

	req, err := http.NewRequest(http.MethodPut, env.http.URL+"/cache?url="+url.QueryEscape(env.upstream.URL+"/x"), strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestInvalidate_BroadcastsToWebsocket(t *testing.T) {
	env := newTestEnv(t)

	for _, p := range []string{"/p/1", "/p/1/reviews"} {
		q := url.Values{"url": {env.upstream.URL + p}, "category": {"marketplace"}, "tags": {"product-1"}}
		resp := env.do(t, http.MethodPut, "/cache?"+q.Encode(), strings.NewReader(`{}`))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/invalidations"
	header := http.Header{"Authorization": {"Bearer " + aliceToken}}
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.Eventually(t, func() bool { return env.srv.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	res := env.do(t, http.MethodPost, "/invalidate", strings.NewReader(`{"tags":["product-1"]}`))
	require.Equal(t, http.StatusOK, res.StatusCode)
	var out struct {
		Invalidated map[string][]string `json:"invalidated"`
	}
	decode(t, res, &out)
	require.Len(t, out.Invalidated["product-1"], 2)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var msg strategy.Invalidation
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, strategy.InvalidationType, msg.Type)
	assert.Equal(t, "product-1", msg.Tag)
	assert.ElementsMatch(t, out.Invalidated["product-1"], msg.Keys)
}

func TestInvalidate_RequiresTags(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/invalidate", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQuotaAndCleanup(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, env.fetchPath("/big", "category", "images"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/quota", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap map[string]any
	decode(t, resp, &snap)
	assert.Positive(t, snap["usedBytes"])
	assert.Equal(t, float64(1<<20), snap["quotaBytes"])
	assert.Equal(t, "normal", snap["level"])

	resp = env.do(t, http.MethodPost, "/quota/cleanup?target=70&aggressive=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report map[string]any
	decode(t, resp, &report)
	assert.Equal(t, true, report["aggressive"])
	assert.InDelta(t, 70, report["target"], 0.001)

	resp = env.do(t, http.MethodPost, "/quota/cleanup?target=150", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPreloadAndReport(t *testing.T) {
	env := newTestEnv(t)

	body := `{"urls":["` + env.upstream.URL + `/a","` + env.upstream.URL + `/missing"],"category":"static","network_condition":"wifi"}`
	resp := env.do(t, http.MethodPost, "/preload", strings.NewReader(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	decode(t, resp, &out)
	assert.Equal(t, float64(1), out["loaded"])
	assert.Len(t, out["errors"], 1)

	resp = env.do(t, http.MethodGet, "/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report map[string]any
	decode(t, resp, &report)
	for _, key := range []string{"summary", "trends", "alerts", "recommendations", "healthScore"} {
		assert.Contains(t, report, key)
	}

	resp = env.do(t, http.MethodGet, "/perf/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "performance.json")

	resp = env.do(t, http.MethodPost, "/perf/clear", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestOffline(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/offline", strings.NewReader(`{"kind":"share"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/offline", strings.NewReader(`{"kind":"comment","payload":{"text":"hi"},"tags":["post-1"]}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var a offline.Action
	decode(t, resp, &a)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, offline.StatusPending, a.Status)

	// the enqueue triggers a replay, and an explicit sync drains anything left
	resp = env.do(t, http.MethodPost, "/offline/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		env.mu.Lock()
		defer env.mu.Unlock()
		return len(env.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp = env.do(t, http.MethodGet, "/offline", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Actions []offline.Action `json:"actions"`
	}
	decode(t, resp, &list)
	assert.Empty(t, list.Actions)
}

func TestOfflineSync_NotConfigured(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.OfflineSender = nil })

	resp := env.do(t, http.MethodPost, "/offline/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
