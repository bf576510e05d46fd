package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantfabric/etl-core/internal/core"
)

// =============================================================================
// HTTP CLIENT
// Rate-limited client shared by provider adapters. Retry lives in the
// collector harness, not here: each Do is a single classified attempt.
// =============================================================================

// ClientConfig configures the HTTP client behavior.
type ClientConfig struct {
	// BaseURL is the base URL for all requests.
	BaseURL string

	// Auth configures authentication.
	Auth AuthConfig

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// Limiter enforces the provider call budget across all requests made
	// through this client, including pagination.
	Limiter *RateLimiter

	// Headers to add to all requests.
	Headers map[string]string

	// UserAgent string (default: "etl-core/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// Client is a rate-limited HTTP client with coded error classification.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

// NewClient creates a new HTTP client with the given configuration.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = &ClientConfig{}
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "etl-core/1.0"
	}
	if config.Auth == nil {
		config.Auth = NoAuth{}
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
	}
}

// Request represents an HTTP request to be made.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    io.Reader
}

// Response wraps an HTTP response with convenience methods.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals the response body into the given target.
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// Do executes a single request attempt under the provider rate limit.
// Failures are returned as coded errors: 5xx and 429 are transient, other
// 4xx are auth/validation failures and must not be retried.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.config.Limiter != nil {
		if err := c.config.Limiter.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	fullURL := c.config.BaseURL
	if req.Path != "" {
		fullURL = strings.TrimSuffix(fullURL, "/") + "/" + strings.TrimPrefix(req.Path, "/")
	}
	if len(req.Query) > 0 {
		fullURL += "?" + cloneQuery(req.Query).Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, req.Body)
	if err != nil {
		return nil, core.NewError(core.CodeConfigInvalid, false, fmt.Errorf("create request: %w", err))
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	c.config.Auth.Apply(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewError(core.CodeCancelled, false, ctx.Err())
		}
		return nil, core.NewError(core.CodeTransientProvider, true, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewError(core.CodeTransientProvider, true, fmt.Errorf("read body: %w", err))
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}

	if resp.StatusCode >= 400 {
		return response, classifyStatus(resp.StatusCode, body)
	}
	return response, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  query,
	})
}

func classifyStatus(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return core.Errorf(core.CodeTransientProvider, true, "HTTP 429: provider throttled: %s", msg)
	case status >= 500:
		return core.Errorf(core.CodeTransientProvider, true, "HTTP %d: %s", status, msg)
	default:
		return core.Errorf(core.CodeAuthOrValidation, false, "HTTP %d: %s", status, msg)
	}
}
