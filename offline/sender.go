package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	perrors "github.com/jmgilman/go/errors"

	strategycache "github.com/wolfeidau/strategy-cache"
)

// DefaultSendTimeout is the default timeout for a single delivery.
const DefaultSendTimeout = 30 * time.Second

// HTTPSender posts action payloads to <base>/<kind>.
type HTTPSender struct {
	baseURL string
	token   string
	client  *http.Client
}

// SenderOption configures an HTTPSender.
type SenderOption func(*HTTPSender)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) SenderOption {
	return func(s *HTTPSender) {
		s.client = client
	}
}

// WithBearerToken sets the bearer token sent with every delivery.
func WithBearerToken(token string) SenderOption {
	return func(s *HTTPSender) {
		s.token = token
	}
}

// NewHTTPSender creates a sender for the API at baseURL.
func NewHTTPSender(baseURL string, opts ...SenderOption) *HTTPSender {
	s := &HTTPSender{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultSendTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send implements Sender. The action id is sent as an Idempotency-Key so a
// delivery retried after a lost response is not applied twice.
//
// Transport failures and 5xx or 429 responses are retryable; other
// non-2xx responses are permanent.
func (s *HTTPSender) Send(ctx context.Context, a Action) error {
	url := fmt.Sprintf("%s/%s", s.baseURL, a.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(a.Payload))
	if err != nil {
		return strategycache.ContentInvalid(fmt.Sprintf("creating request for action %s: %v", a.ID, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return strategycache.NetworkFailure("delivering action "+a.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return perrors.Newf(perrors.CodeRateLimit, "delivering action %s: status %d", a.ID, resp.StatusCode)
	case resp.StatusCode >= 500:
		return perrors.Newf(perrors.CodeUnavailable, "delivering action %s: status %d", a.ID, resp.StatusCode)
	default:
		return perrors.Newf(perrors.CodeInvalidInput, "delivering action %s: status %d", a.ID, resp.StatusCode)
	}
}
