// Package render provides a client for the external page rendering service.
//
// The service drives a pool of headless browsers: it loads a page, waits for
// a selector, runs a bounded number of scroll passes to trigger lazy content,
// and returns the settled HTML together with the status of the underlying
// navigation.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Default base URL for a locally run rendering service.
const defaultBaseURL = "http://localhost:8090"

// Client defines the rendering service operations.
type Client interface {
	// Render loads a page in a headless browser and returns the settled HTML.
	Render(ctx context.Context, req RenderRequest) (*RenderResult, error)
	// Health reports whether the rendering service is reachable.
	Health(ctx context.Context) error
}

// RenderRequest is the body for POST /render.
type RenderRequest struct {
	URL          string `json:"url"`
	WaitSelector string `json:"waitSelector,omitempty"`
	ScrollPasses int    `json:"scrollPasses,omitempty"`
	SettleMillis int    `json:"settleMs,omitempty"`
}

// RenderResult is the response from POST /render. Status carries the HTTP
// status of the navigation inside the browser, not of the service call.
type RenderResult struct {
	HTML          string `json:"html"`
	Status        int    `json:"status"`
	FinalURL      string `json:"finalUrl"`
	ElapsedMillis int64  `json:"elapsedMs"`
}

// APIError is returned when the rendering service responds with a non-2xx
// status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("render: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout. Rendering a page can take far
// longer than a static fetch; the default is 90 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	backoff time.Duration
}

// New creates a rendering service client. The API key is optional; when
// empty no Authorization header is sent.
func New(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 90 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		backoff: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Render(ctx context.Context, rr RenderRequest) (*RenderResult, error) {
	if rr.URL == "" {
		return nil, eris.New("render: empty url")
	}

	buf, err := json.Marshal(rr)
	if err != nil {
		return nil, eris.Wrap(err, "render: marshal request")
	}

	body, status, err := c.retryDo(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(buf))
		if err != nil {
			return nil, eris.Wrap(err, "render: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "render: request failed")
	}

	if status < 200 || status >= 300 {
		return nil, &APIError{StatusCode: status, Body: string(body)}
	}

	var result RenderResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "render: decode response")
	}

	return &result, nil
}

func (c *httpClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return eris.Wrap(err, "render: create health request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "render: health check")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("render: health status %d", resp.StatusCode)
	}
	return nil
}

// retryableStatusCode returns true if the HTTP status code should trigger a
// retry. Only service-side flakiness is retried here; deciding what to do
// about the target page's status belongs to the caller.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// retryDo executes an HTTP request with exponential backoff retries on
// transport errors and retryable statuses. A fresh request is built per
// attempt so the body can be re-sent. Returns the response body and status
// code on success, or the last error after exhausting retries.
func (c *httpClient) retryDo(ctx context.Context, build func() (*http.Request, error)) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := c.backoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := build()
		if err != nil {
			return nil, 0, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "render: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = &APIError{StatusCode: resp.StatusCode, Body: string(body)}
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}
