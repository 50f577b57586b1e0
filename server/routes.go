package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	perrors "github.com/jmgilman/go/errors"

	"github.com/wolfeidau/strategy-cache/download"
	"github.com/wolfeidau/strategy-cache/offline"
	"github.com/wolfeidau/strategy-cache/store/content"
	"github.com/wolfeidau/strategy-cache/strategy"
	"github.com/wolfeidau/strategy-cache/telemetry"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// forwardHeaders are copied from /fetch requests onto the network fetch.
var forwardHeaders = []string{"Accept", "Accept-Language"}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Strategy engine
	mux.HandleFunc("GET /fetch", s.handleFetch)
	mux.HandleFunc("PUT /cache", s.handlePut)
	mux.HandleFunc("POST /preload", s.handlePreload)
	mux.HandleFunc("POST /invalidate", s.handleInvalidate)
	mux.Handle("GET /ws/invalidations", s.hub)

	// Metadata and quota
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /quota", s.handleQuota)
	mux.HandleFunc("POST /quota/cleanup", s.handleQuotaCleanup)

	// Performance
	mux.HandleFunc("GET /report", s.handleReport)
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("GET /perf/export", s.handlePerfExport)
	mux.HandleFunc("POST /perf/clear", s.handlePerfClear)

	// Offline queue
	mux.HandleFunc("GET /offline", s.handleOfflineList)
	mux.HandleFunc("POST /offline", s.handleOfflineEnqueue)
	mux.HandleFunc("POST /offline/sync", s.handleOfflineSync)
	mux.HandleFunc("DELETE /offline/failed", s.handleOfflinePurge)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"health_score": s.perf.HealthScore(),
	})
}

// fetchOptions reads the strategy options shared by the cache routes from
// the query string.
func fetchOptions(r *http.Request) (strategy.FetchOptions, error) {
	q := r.URL.Query()
	opts := strategy.FetchOptions{
		Category: q.Get("category"),
		Tags:     splitList(q.Get("tags")),
	}
	if m := q.Get("mode"); m != "" {
		mode, err := strategy.ParseMode(m)
		if err != nil {
			return opts, badRequest(err.Error())
		}
		opts.Mode = mode
	}
	for name, into := range map[string]*time.Duration{"max_age": &opts.MaxAge, "timeout": &opts.NetworkTimeout} {
		if v := q.Get(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return opts, badRequest(fmt.Sprintf("invalid %s %q", name, v))
			}
			*into = d
		}
	}
	if v := q.Get("max_entries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, badRequest(fmt.Sprintf("invalid max_entries %q", v))
		}
		opts.MaxEntries = n
	}
	for name, values := range q {
		if param, ok := strings.CutPrefix(name, "param."); ok && len(values) > 0 {
			if opts.KeyParams == nil {
				opts.KeyParams = make(map[string]string)
			}
			opts.KeyParams[param] = values[0]
		}
	}
	return opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// handleFetch resolves ?url= through the strategy of its category and
// writes the response.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "fetch")

	target := r.URL.Query().Get("url")
	if target == "" {
		s.writeError(w, r, badRequest("url is required"))
		return
	}
	opts, err := fetchOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, name := range forwardHeaders {
		if v := r.Header.Get(name); v != "" {
			if opts.Header == nil {
				opts.Header = make(http.Header)
			}
			opts.Header.Set(name, v)
		}
	}
	category := opts.Category
	if category == "" {
		category = strategy.DefaultCategory
	}
	telemetry.SetCategory(r, category)

	res, err := s.engine.FetchWithStrategy(r.Context(), target, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cacheHeader := "MISS"
	result := telemetry.CacheMiss
	switch {
	case res.Source == strategy.SourceCache && res.Stale:
		cacheHeader, result = "STALE", telemetry.CacheStale
	case res.Source == strategy.SourceCache:
		cacheHeader, result = "HIT", telemetry.CacheHit
	}
	telemetry.SetCacheResult(r, result)

	download.WriteResponse(w, r, res.Response, map[string]string{
		"X-Cache":     cacheHeader,
		"X-Cache-Key": res.Key,
	}, s.logger)
}

// handlePut stores the request body as the cached response for ?url=.
// It needs an authenticated principal.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache_put")

	target := r.URL.Query().Get("url")
	if target == "" {
		s.writeError(w, r, badRequest("url is required"))
		return
	}
	opts, err := fetchOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := s.config.MaxBodyBytes
	if limit <= 0 {
		limit = download.DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		s.writeError(w, r, badRequest("reading body: "+err.Error()))
		return
	}

	resp := &content.Response{Status: http.StatusOK, Header: make(http.Header), Body: body}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		resp.Header.Set("Content-Type", ct)
	}

	meta, err := s.engine.PutWithMetadata(r.Context(), target, resp, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

type preloadRequest struct {
	URLs             []string `json:"urls"`
	Category         string   `json:"category"`
	Tags             []string `json:"tags"`
	NetworkCondition string   `json:"network_condition"`
}

// handlePreload warms the cache with a list of urls.
func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "preload")

	var req preloadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, r, badRequest("urls is required"))
		return
	}

	opts := strategy.FetchOptions{Category: req.Category, Tags: req.Tags}
	loaded, err := s.engine.Preload(r.Context(), req.URLs, opts, req.NetworkCondition)
	resp := map[string]any{"requested": len(req.URLs), "loaded": loaded}
	if err != nil {
		resp["errors"] = strings.Split(err.Error(), "\n")
	}
	writeJSON(w, http.StatusOK, resp)
}

type invalidateRequest struct {
	Tags []string `json:"tags"`
}

// handleInvalidate removes every entry carrying one of the given tags.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "invalidate")

	var req invalidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Tags) == 0 {
		s.writeError(w, r, badRequest("tags is required"))
		return
	}

	removed := make(map[string][]string, len(req.Tags))
	for _, tag := range req.Tags {
		keys, err := s.engine.InvalidateByTag(r.Context(), tag)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		removed[tag] = keys
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": removed})
}

// handleStats reports aggregate metadata statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetUsageStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.quota.GetStorageQuotaInfo(r.Context()))
}

// handleQuotaCleanup runs a proactive cleanup down to ?target= percent
// (default: the warning threshold). A second request while one runs gets 409.
func (s *Server) handleQuotaCleanup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := s.quota.Thresholds().Warning
	if v := q.Get("target"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < 0 || t > 100 {
			s.writeError(w, r, badRequest(fmt.Sprintf("invalid target %q", v)))
			return
		}
		target = t
	}
	aggressive, _ := strconv.ParseBool(q.Get("aggressive"))

	report, err := s.quota.PerformProactiveCleanup(r.Context(), target, aggressive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.perf.Report())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.perf.ActiveAlerts()})
}

func (s *Server) handlePerfExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.perf.ExportMetricsData()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="performance.json"`)
	_, _ = w.Write(data)
}

func (s *Server) handlePerfClear(w http.ResponseWriter, r *http.Request) {
	s.perf.ClearMetricsData()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOfflineList(w http.ResponseWriter, r *http.Request) {
	actions, err := s.queue.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actions == nil {
		actions = []offline.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type enqueueRequest struct {
	Kind       offline.Kind    `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Tags       []string        `json:"tags"`
	MaxRetries int             `json:"max_retries"`
}

// handleOfflineEnqueue queues an action and nudges the replayer.
func (s *Server) handleOfflineEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Kind.Valid() {
		s.writeError(w, r, badRequest(fmt.Sprintf("unknown action kind %q", req.Kind)))
		return
	}

	a, err := s.queue.Enqueue(r.Context(), offline.Action{
		Kind:       req.Kind,
		Payload:    req.Payload,
		Tags:       req.Tags,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.replayer != nil {
		s.replayer.Trigger()
	}
	writeJSON(w, http.StatusAccepted, a)
}

// handleOfflineSync replays pending actions now and reports the outcome.
func (s *Server) handleOfflineSync(w http.ResponseWriter, r *http.Request) {
	if s.replayer == nil {
		s.writeError(w, r, perrors.New(perrors.CodeUnavailable, "offline replay is not configured"))
		return
	}
	res, err := s.replayer.Replay(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOfflinePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.PurgeFailed(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
