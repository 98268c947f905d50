package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New("test-api-key", WithBaseURL(srv.URL))
	c.(*httpClient).backoff = time.Millisecond
	return srv, c
}

func TestRender(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantHTML   string
		wantStatus int
		wantErr    bool
		wantAPIErr bool
		wantCode   int
	}{
		{
			name: "happy path",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/render", r.URL.Path)
				assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var req RenderRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "https://shop.example.com/launch", req.URL)
				assert.Equal(t, ".product-card", req.WaitSelector)
				assert.Equal(t, 3, req.ScrollPasses)

				json.NewEncoder(w).Encode(RenderResult{
					HTML:          "<html><body>rendered</body></html>",
					Status:        200,
					FinalURL:      "https://shop.example.com/launch",
					ElapsedMillis: 2150,
				})
			},
			wantHTML:   "<html><body>rendered</body></html>",
			wantStatus: 200,
		},
		{
			name: "navigation status passes through",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(RenderResult{HTML: "", Status: 404})
			},
			wantHTML:   "",
			wantStatus: 404,
		},
		{
			name: "auth error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}`))
			},
			wantErr:    true,
			wantAPIErr: true,
			wantCode:   401,
		},
		{
			name: "bad request",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"missing url"}`))
			},
			wantErr:    true,
			wantAPIErr: true,
			wantCode:   400,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestServer(t, tt.handler)
			res, err := c.Render(context.Background(), RenderRequest{
				URL:          "https://shop.example.com/launch",
				WaitSelector: ".product-card",
				ScrollPasses: 3,
				SettleMillis: 1000,
			})

			if tt.wantErr {
				require.Error(t, err)
				if tt.wantAPIErr {
					var apiErr *APIError
					require.ErrorAs(t, err, &apiErr)
					assert.Equal(t, tt.wantCode, apiErr.StatusCode)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHTML, res.HTML)
			assert.Equal(t, tt.wantStatus, res.Status)
		})
	}
}

func TestRender_EmptyURL(t *testing.T) {
	t.Parallel()
	c := New("key")
	_, err := c.Render(context.Background(), RenderRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty url")
}

func TestRender_RetryOn503(t *testing.T) {
	var attempts atomic.Int32
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`browser pool exhausted`))
			return
		}
		// The body must survive the rebuild on every attempt.
		var req RenderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://shop.example.com", req.URL)

		json.NewEncoder(w).Encode(RenderResult{HTML: "<html/>", Status: 200})
	})

	res, err := c.Render(context.Background(), RenderRequest{URL: "https://shop.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "<html/>", res.HTML)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRender_RetryExhausted(t *testing.T) {
	var attempts atomic.Int32
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream closed`))
	})

	_, err := c.Render(context.Background(), RenderRequest{URL: "https://shop.example.com"})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 502, apiErr.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRender_NoRetryOn400(t *testing.T) {
	var attempts atomic.Int32
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad selector"}`))
	})

	_, err := c.Render(context.Background(), RenderRequest{URL: "https://shop.example.com"})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRender_NoAuthHeaderWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(RenderResult{HTML: "<html/>", Status: 200})
	}))
	t.Cleanup(srv.Close)

	c := New("", WithBaseURL(srv.URL))
	_, err := c.Render(context.Background(), RenderRequest{URL: "https://shop.example.com"})
	require.NoError(t, err)
}

func TestRender_MalformedJSON(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{not json`))
	})

	_, err := c.Render(context.Background(), RenderRequest{URL: "https://shop.example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestRender_ContextCancellation(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should have been cancelled")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Render(ctx, RenderRequest{URL: "https://shop.example.com"})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "healthy", status: http.StatusOK},
		{name: "unhealthy", status: http.StatusServiceUnavailable, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/healthz", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(srv.Close)

			c := New("key", WithBaseURL(srv.URL))
			err := c.Health(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	t.Parallel()
	e := &APIError{StatusCode: 503, Body: `browser pool exhausted`}
	assert.Equal(t, `render: HTTP 503: browser pool exhausted`, e.Error())
}

func TestWithOptions(t *testing.T) {
	t.Parallel()

	customClient := &http.Client{}
	c := New("key", WithHTTPClient(customClient), WithTimeout(10*time.Second))
	hc := c.(*httpClient)
	assert.Equal(t, customClient, hc.http)
	assert.Equal(t, 10*time.Second, hc.http.Timeout)
}

func TestRetryableStatusCode(t *testing.T) {
	assert.True(t, retryableStatusCode(429))
	assert.True(t, retryableStatusCode(500))
	assert.True(t, retryableStatusCode(502))
	assert.True(t, retryableStatusCode(503))
	assert.True(t, retryableStatusCode(504))
	assert.False(t, retryableStatusCode(200))
	assert.False(t, retryableStatusCode(400))
	assert.False(t, retryableStatusCode(404))
}
