package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kicktrack/tracker-cli/internal/resilience"
	"github.com/kicktrack/tracker-cli/pkg/render"
)

// stubGate is a Gate with a fixed answer, so fetch behavior can be tested
// without a robots.txt round trip.
type stubGate struct {
	allowed bool
	reason  string
	delay   time.Duration
}

func (g stubGate) Allowed(ctx context.Context, rawURL string) (bool, string) {
	return g.allowed, g.reason
}

func (g stubGate) CrawlDelay(ctx context.Context, rawURL string) (time.Duration, bool) {
	return g.delay, g.delay > 0
}

type stubRenderer struct {
	res    *render.RenderResult
	err    error
	gotReq render.RenderRequest
}

func (s *stubRenderer) Render(ctx context.Context, req render.RenderRequest) (*render.RenderResult, error) {
	s.gotReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

func (s *stubRenderer) Health(ctx context.Context) error {
	return nil
}

func newTestFetcher(opts Options) *Fetcher {
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return New(stubGate{allowed: true}, nil, opts)
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-bot/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("X-Shopify-Api-Features"))
		w.Write([]byte(`{"products":[]}`))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{UserAgent: "test-bot/1.0"})
	out := f.Fetch(context.Background(), Request{
		URL:    srv.URL + "/products.json",
		Header: http.Header{"X-Shopify-Api-Features": []string{"application/json"}},
	})

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, `{"products":[]}`, string(out.Payload))
	assert.Equal(t, 200, out.HTTPStatus)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int64(1), f.Counters().PagesFetched.Load())
}

func TestFetch_BlockedMakesNoRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(stubGate{allowed: false, reason: "denylist"}, nil, Options{})
	out := f.Fetch(context.Background(), Request{URL: srv.URL + "/raffle/air-max"})

	assert.Equal(t, StatusBlocked, out.Status)
	assert.Equal(t, "denylist", out.Reason)
	assert.True(t, resilience.IsBlocked(out.Err))
	assert.Nil(t, out.Payload)
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, int64(1), f.Counters().RobotsBlocked.Load())
}

func TestFetch_NotFoundFailsImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(Options{})
	out := f.Fetch(context.Background(), Request{URL: srv.URL + "/gone"})

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 404, out.HTTPStatus)
	assert.True(t, resilience.IsNotFound(out.Err))
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, int64(1), f.Counters().Errors.Load())
}

func TestFetch_RateLimitWaitsThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{})
	out := f.Fetch(context.Background(), Request{URL: srv.URL + "/launches"})

	assert.Equal(t, StatusSuccess, out.Status)
	// The 429 round did not consume retry budget.
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int64(0), f.Counters().RateLimited.Load())
}

func TestFetch_RateLimitCapExceeded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MaxRateLimitWaits: 2})
	out := f.Fetch(context.Background(), Request{URL: srv.URL + "/launches"})

	assert.Equal(t, StatusRateLimited, out.Status)
	assert.Equal(t, 429, out.HTTPStatus)
	assert.True(t, resilience.IsRateLimit(out.Err))
	assert.Equal(t, 0, out.Attempts)
	// Two waits allowed, so the third 429 gives up.
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, int64(1), f.Counters().RateLimited.Load())
}

func TestFetch_RateLimitContextExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := newTestFetcher(Options{})
	out := f.Fetch(ctx, Request{URL: srv.URL + "/launches"})

	assert.Equal(t, StatusRateLimited, out.Status)
	assert.Contains(t, out.Reason, "context expired")
	assert.Equal(t, 30*time.Second, out.RetryAfter)
}

func TestFetch_TransientRetriesThenSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MaxAttempts: 3})
	out := f.Fetch(context.Background(), Request{URL: srv.URL + "/flaky"})

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetch_RetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MaxAttempts: 2})
	out := f.Fetch(context.Background(), Request{URL: srv.URL + "/down"})

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 503, out.HTTPStatus)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, int32(2), hits.Load())
	assert.True(t, resilience.IsTransient(out.Err))
	assert.Contains(t, out.Err.Error(), "retries exhausted")
	assert.Equal(t, int64(1), f.Counters().Errors.Load())
}

func TestFetch_ClientErrorNoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	f := newTestFetcher(Options{})
	out := f.Fetch(context.Background(), Request{URL: srv.URL + "/bad"})

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 410, out.HTTPStatus)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := newTestFetcher(Options{})
	out := f.Fetch(context.Background(), Request{URL: srv.URL + "/private"})

	assert.Equal(t, StatusFailed, out.Status)
	assert.True(t, resilience.IsAuth(out.Err))
}

func TestFetch_PacingBetweenRequests(t *testing.T) {
	var reqTimes []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqTimes = append(reqTimes, time.Now())
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{MinDelay: 60 * time.Millisecond})
	for range 3 {
		out := f.Fetch(context.Background(), Request{URL: srv.URL + "/paced"})
		require.Equal(t, StatusSuccess, out.Status)
	}

	require.Len(t, reqTimes, 3)
	gap := reqTimes[2].Sub(reqTimes[0])
	assert.GreaterOrEqual(t, gap.Milliseconds(), int64(100), "requests should be paced")
}

func TestFetch_CrawlDelayRaisesFloor(t *testing.T) {
	var reqTimes []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqTimes = append(reqTimes, time.Now())
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(stubGate{allowed: true, delay: 80 * time.Millisecond}, nil, Options{
		MinDelay:    time.Millisecond,
		BackoffBase: time.Millisecond,
	})
	for range 2 {
		out := f.Fetch(context.Background(), Request{URL: srv.URL + "/paced"})
		require.Equal(t, StatusSuccess, out.Status)
	}

	require.Len(t, reqTimes, 2)
	gap := reqTimes[1].Sub(reqTimes[0])
	assert.GreaterOrEqual(t, gap.Milliseconds(), int64(60), "crawl delay should win over the floor")
}

func TestFetch_RenderedMode(t *testing.T) {
	renderer := &stubRenderer{res: &render.RenderResult{HTML: "<html><body>cards</body></html>", Status: 200}}
	f := New(stubGate{allowed: true}, renderer, Options{})

	out := f.Fetch(context.Background(), Request{
		URL:          "https://www.soleretriever.com/sneaker-release-dates",
		Mode:         ModeRendered,
		WaitSelector: "[data-testid='release-card']",
	})

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "<html><body>cards</body></html>", string(out.Payload))
	assert.Equal(t, "https://www.soleretriever.com/sneaker-release-dates", renderer.gotReq.URL)
	assert.Equal(t, "[data-testid='release-card']", renderer.gotReq.WaitSelector)
	assert.Equal(t, 3, renderer.gotReq.ScrollPasses)
	assert.Equal(t, 1000, renderer.gotReq.SettleMillis)
}

func TestFetch_RenderedNavigation404(t *testing.T) {
	renderer := &stubRenderer{res: &render.RenderResult{HTML: "", Status: 404}}
	f := New(stubGate{allowed: true}, renderer, Options{})

	out := f.Fetch(context.Background(), Request{URL: "https://example.com/x", Mode: ModeRendered})

	assert.Equal(t, StatusFailed, out.Status)
	assert.True(t, resilience.IsNotFound(out.Err))
}

func TestFetch_RenderedWithoutClient(t *testing.T) {
	f := New(stubGate{allowed: true}, nil, Options{})
	out := f.Fetch(context.Background(), Request{URL: "https://example.com/x", Mode: ModeRendered})

	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Err.Error(), "no render client")
}

func TestFetch_SharedCounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	shared := &Counters{}
	f1 := New(stubGate{allowed: true}, nil, Options{Counters: shared})
	f2 := New(stubGate{allowed: true}, nil, Options{Counters: shared})

	f1.Fetch(context.Background(), Request{URL: srv.URL + "/a"})
	f2.Fetch(context.Background(), Request{URL: srv.URL + "/b"})

	snap := shared.Snapshot()
	assert.Equal(t, int64(2), snap.PagesFetched)
}

func TestNew_Defaults(t *testing.T) {
	f := New(stubGate{allowed: true}, nil, Options{})
	assert.Equal(t, 30*time.Second, f.opts.Timeout)
	assert.Equal(t, 3, f.opts.MaxAttempts)
	assert.Equal(t, 60*time.Second, f.opts.DefaultRetryAfter)
	assert.Equal(t, 3, f.opts.MaxRateLimitWaits)
	assert.Equal(t, 3, f.opts.ScrollPasses)
	assert.NotEmpty(t, f.opts.UserAgent)
	assert.NotNil(t, f.counters)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fallback := 60 * time.Second

	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{name: "empty", header: "", want: fallback},
		{name: "seconds", header: "7", want: 7 * time.Second},
		{name: "zero seconds", header: "0", want: 0},
		{name: "negative", header: "-5", want: fallback},
		{name: "http date future", header: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{name: "http date past", header: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{name: "garbage", header: "soon", want: fallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.header, now, fallback))
		})
	}
}

func TestCounters_Snapshot(t *testing.T) {
	c := &Counters{}
	c.PagesFetched.Add(5)
	c.RobotsBlocked.Add(2)
	c.RateLimited.Add(1)
	c.Errors.Add(3)

	snap := c.Snapshot()
	assert.Equal(t, int64(5), snap.PagesFetched)
	assert.Equal(t, int64(2), snap.RobotsBlocked)
	assert.Equal(t, int64(1), snap.RateLimited)
	assert.Equal(t, int64(3), snap.Errors)
}
