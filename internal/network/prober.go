package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Prober performs one reachability check. A transport-level failure means
// disconnected; a received response carries its status code.
type Prober interface {
	Probe(ctx context.Context) (statusCode int, err error)
}

// HTTPProber sends a HEAD request to a stable external endpoint.
type HTTPProber struct {
	client *retryablehttp.Client
	url    string
}

// NewHTTPProber creates a prober for url. The underlying client never
// retries: a failed probe simply reports disconnected until the next tick.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Timeout = timeout

	return &HTTPProber{
		client: client,
		url:    url,
	}
}

// Probe implements Prober
func (p *HTTPProber) Probe(ctx context.Context) (int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s failed: %w", p.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
