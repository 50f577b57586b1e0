package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	strategycache "github.com/wolfeidau/strategy-cache"
	"github.com/wolfeidau/strategy-cache/store/content"
)

// DefaultMaxBodyBytes caps the size of a fetched body.
const DefaultMaxBodyBytes = 32 * 1024 * 1024

// ErrBodyTooLarge is returned when a response body exceeds the fetch limit.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Fetcher performs network GETs and captures the response in memory.
type Fetcher struct {
	client       *http.Client
	maxBodyBytes int64
	userAgent    string
	now          func() time.Time
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithMaxBodyBytes sets the largest body the fetcher will read.
func WithMaxBodyBytes(n int64) FetcherOption {
	return func(f *Fetcher) {
		f.maxBodyBytes = n
	}
}

// WithUserAgent sets the User-Agent header sent on every fetch.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		f.now = now
	}
}

// NewFetcher creates a fetcher on client. A nil client uses http.DefaultClient.
func NewFetcher(client *http.Client, opts ...FetcherOption) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Fetcher{
		client:       client,
		maxBodyBytes: DefaultMaxBodyBytes,
		userAgent:    "strategy-cache",
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch GETs rawURL. Transport failures and 5xx responses are returned as
// retryable network failures; any other status is returned as a response.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, header http.Header) (*content.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, strategycache.ContentInvalid(fmt.Sprintf("building request for %s: %v", rawURL, err))
	}
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("User-Agent") == "" && f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, strategycache.NetworkFailure("fetching "+rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, strategycache.NetworkFailure(fmt.Sprintf("fetching %s: upstream returned %d", rawURL, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, strategycache.NetworkFailure("reading body of "+rawURL, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, ErrBodyTooLarge)
	}

	return &content.Response{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: f.now(),
	}, nil
}
