package download

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/wolfeidau/strategy-cache/store/content"
)

// hopHeaders are not replayed from a cached response.
var hopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length", "Upgrade"}

// HandleDownloadError writes an appropriate HTTP error response for fetch
// errors. It handles context cancellation/timeout and generic network failures.
func HandleDownloadError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	logger.Error("fetch failed", "error", err)
	http.Error(w, "upstream error", http.StatusBadGateway)
}

// ForgetOnDownloadError calls Forget on the downloader if the error represents
// a real fetch failure (not a caller context timeout).
func ForgetOnDownloadError(d *Downloader, key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}

// WriteResponse replays resp to w, adding extra headers. For HEAD requests
// it writes headers but skips the body.
func WriteResponse(w http.ResponseWriter, r *http.Request, resp *content.Response, extra map[string]string, logger *slog.Logger) {
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	for _, name := range hopHeaders {
		w.Header().Del(name)
	}
	for k, v := range extra {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if r.Method != http.MethodHead {
		if _, err := w.Write(resp.Body); err != nil {
			logger.Error("failed to write response", "error", err)
		}
	}
}
