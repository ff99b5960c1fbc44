// Package upstream is the HTTP client for the OpenAI-compatible model API.
// The client only ever sees sanitized payloads.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrTimeout is returned when the per-request bound elapsed before the
// upstream answered. It is distinct from the caller canceling.
var ErrTimeout = errors.New("upstream: timeout")

// StatusError reports a non-2xx upstream answer. The body is not kept.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: status %d", e.Status)
}

// Response is a complete upstream answer.
type Response struct {
	Status  int
	Body    []byte
	Latency time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	baseURL     string
	pool        *Pool
	http        *http.Client
	timeout     time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds one call including retries (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxAttempts sets how many times a transport failure is tried
// (default 2). HTTP error statuses are never retried.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client. baseURL is the API root; "/v1" is appended unless
// already present.
func New(baseURL string, pool *Pool, opts ...Option) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}
	c := &Client{
		baseURL: baseURL,
		pool:    pool,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout:     30 * time.Second,
		maxAttempts: 2,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatCompletion posts a sanitized chat completion payload.
func (c *Client) ChatCompletion(ctx context.Context, payload []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, "/chat/completions", payload)
}

// Models fetches the model list.
func (c *Client) Models(ctx context.Context) (*Response, error) {
	return c.Do(ctx, http.MethodGet, "/models", nil)
}

// Do sends one request with the next pool credential, retrying transport
// failures. Errors:
//   - the caller's ctx error when the caller canceled
//   - ErrTimeout when the per-request bound elapsed
//   - *StatusError on a non-2xx answer (Response is still returned)
//   - a wrapped transport error otherwise
func (c *Client) Do(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.once(callCtx, method, path, payload)
		if err == nil {
			resp.Latency = time.Since(start)
			if resp.Status < 200 || resp.Status > 299 {
				return resp, &StatusError{Status: resp.Status}
			}
			return resp, nil
		}
		lastErr = err
		if callCtx.Err() != nil {
			break
		}
		c.logger.Warn("upstream: request failed", "path", path, "attempt", attempt, "err", err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	return nil, fmt.Errorf("upstream: %w", lastErr)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	cred := c.pool.Next()
	if err := cred.Apply(req, payload); err != nil {
		return nil, fmt.Errorf("credential %s: %w", cred.ID(), err)
	}

	c.logger.Debug("upstream request", "method", method, "path", path, "credential", cred.ID(), "bytes", len(payload))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{Status: resp.StatusCode, Body: b}, nil
}
