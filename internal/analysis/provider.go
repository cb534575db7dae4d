package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/miaoyq/leafscan/pkg/types"
)

const (
	DefaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20
)

// Provider classifies the health of a plant from image bytes. Errors are
// *types.ScanError values so callers can tell transient from fatal.
type Provider interface {
	Analyze(ctx context.Context, image []byte) (*types.AnalysisResult, error)
}

// HTTPConfig configures an HTTPProvider
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	RetryMax int
}

// HTTPProvider posts images to a remote analysis endpoint
type HTTPProvider struct {
	client   *retryablehttp.Client
	endpoint string
	apiKey   string
	logger   *zap.Logger
}

// NewHTTPProvider creates a provider for cfg.Endpoint
func NewHTTPProvider(cfg HTTPConfig, logger *zap.Logger) *HTTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Timeout = cfg.Timeout

	return &HTTPProvider{
		client:   client,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		logger:   logger,
	}
}

// response is the wire shape returned by the analysis endpoint
type response struct {
	Status     *string  `json:"status"`
	Confidence *float64 `json:"confidence"`
	Tips       []string `json:"tips"`
	PlantType  string   `json:"plantType"`
}

// Analyze implements Provider
func (p *HTTPProvider) Analyze(ctx context.Context, image []byte) (*types.AnalysisResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(image))
	if err != nil {
		return nil, types.NewAPIError(0, "failed to create analysis request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, types.NewNetworkError("analysis request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, types.NewNetworkError("failed to read analysis response", err)
	}

	p.logger.Debug("Analysis response received",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, types.NewAPIError(resp.StatusCode, "analysis request rejected", fmt.Errorf("%s", bytes.TrimSpace(body)))
	}

	return Decode(body)
}

// Decode validates a raw analysis response. Anything that does not match
// the expected shape is a non-retryable API error.
func Decode(body []byte) (*types.AnalysisResult, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, types.NewAPIError(0, "malformed analysis response", err)
	}
	if r.Status == nil || !types.HealthStatus(*r.Status).Valid() {
		return nil, types.NewAPIError(0, "analysis response has an invalid status", nil)
	}
	if r.Confidence == nil || math.IsNaN(*r.Confidence) || *r.Confidence < 0 || *r.Confidence > 1 {
		return nil, types.NewAPIError(0, "analysis response has an invalid confidence", nil)
	}

	tips := r.Tips
	if tips == nil {
		tips = []string{}
	}
	return &types.AnalysisResult{
		Status:     types.HealthStatus(*r.Status),
		Confidence: *r.Confidence,
		Tips:       tips,
		PlantType:  r.PlantType,
	}, nil
}
