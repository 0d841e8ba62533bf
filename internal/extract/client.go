// Package extract is the client for the external extraction service that
// turns raw scraped HTML into structured business fields.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/resilience"
)

// PermanentError marks a rejection that retrying cannot fix.
type PermanentError = resilience.PermanentError

// Client extracts structured fields from raw content.
type Client interface {
	// Extract returns the fields found in raw. Errors are classified with
	// resilience.IsTransient and resilience.IsPermanent.
	Extract(ctx context.Context, raw string, src model.SourceDescriptor) (*model.ExtractedFields, error)
}

type extractRequest struct {
	RawContent string                 `json:"raw_content"`
	Source     model.SourceDescriptor `json:"source"`
}

type extractResponse struct {
	Data *model.ExtractedFields `json:"data"`
}

// Option configures the HTTP client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout bounds a single extraction call. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSec float64) Option {
	return func(c *httpClient) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// WithRetry overrides in-call retry of transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithBreaker routes calls through a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *httpClient) {
		c.breaker = b
	}
}

type httpClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// NewHTTPClient creates an extraction client that POSTs to {baseURL}/v1/extract.
func NewHTTPClient(baseURL, apiKey string, opts ...Option) Client {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 2
	retry.OnRetry = resilience.RetryLogger("extract", "extract")

	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: 30 * time.Second,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: retry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Extract(ctx context.Context, raw string, src model.SourceDescriptor) (*model.ExtractedFields, error) {
	payload, err := json.Marshal(extractRequest{RawContent: raw, Source: src})
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "extract: marshal request"), 0)
	}

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*model.ExtractedFields, error) {
		if c.breaker != nil {
			if err := c.breaker.Allow(); err != nil {
				return nil, err
			}
		}
		fields, err := c.call(ctx, payload)
		if c.breaker != nil && ctx.Err() == nil {
			c.breaker.Record(err)
		}
		return fields, err
	})
}

func (c *httpClient) call(ctx context.Context, payload []byte) (*model.ExtractedFields, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "extract: rate limit wait")
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(payload))
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "extract: create request"), 0)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "extract: request cancelled")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "extract: timed out after %s", c.timeout), 0)
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, "extract: request failed"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "extract: read response body"), resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(statusError(resp.StatusCode, body), resp.StatusCode)
	case resilience.IsPermanentHTTPStatus(resp.StatusCode):
		return nil, resilience.NewPermanentError(statusError(resp.StatusCode, body), resp.StatusCode)
	default:
		return nil, resilience.NewPermanentError(statusError(resp.StatusCode, body), resp.StatusCode)
	}

	var out extractResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "extract: decode response"), resp.StatusCode)
	}
	if out.Data == nil {
		return nil, resilience.NewTransientError(eris.New("extract: response without data"), resp.StatusCode)
	}
	return out.Data, nil
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return eris.New(fmt.Sprintf("extract: status %d: %s", code, msg))
}
