// Package fetch implements the resilient page fetcher used by every scrape
// worker: politeness gating, per-domain pacing, a bounded retry budget, and
// delegation to the rendering service for JavaScript-heavy sources.
package fetch

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kicktrack/tracker-cli/internal/politeness"
	"github.com/kicktrack/tracker-cli/internal/resilience"
	"github.com/kicktrack/tracker-cli/pkg/render"
)

// Mode selects how a page is fetched.
type Mode string

const (
	// ModeStatic fetches the page with a plain HTTP GET.
	ModeStatic Mode = "static"
	// ModeRendered fetches the page through the rendering service.
	ModeRendered Mode = "rendered"
)

// Status classifies the final outcome of a fetch.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusBlocked     Status = "blocked"
	StatusRateLimited Status = "rate_limited"
	StatusFailed      Status = "failed"
)

// Request describes a single page fetch.
type Request struct {
	URL          string
	Mode         Mode
	WaitSelector string
	Header       http.Header
}

// Outcome is the result of a fetch. Payload is non-nil only on
// StatusSuccess. Attempts counts retry budget consumed; rate-limit waits do
// not consume budget and so do not appear in Attempts.
type Outcome struct {
	Status     Status
	Payload    []byte
	HTTPStatus int
	Reason     string
	RetryAfter time.Duration
	Err        error
	Attempts   int
}

// Gate is the politeness check consulted before any traffic to a target URL.
// *politeness.Gate satisfies it.
type Gate interface {
	Allowed(ctx context.Context, rawURL string) (bool, string)
	CrawlDelay(ctx context.Context, rawURL string) (time.Duration, bool)
}

// Options configures a Fetcher. Zero values fall back to defaults, except
// MinDelay where zero genuinely means no pacing floor.
type Options struct {
	UserAgent         string
	Timeout           time.Duration
	MaxAttempts       int
	MinDelay          time.Duration
	DefaultRetryAfter time.Duration
	MaxRateLimitWaits int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ScrollPasses      int
	SettleMillis      int
	Counters          *Counters
}

// Fetcher fetches pages for one source. Workers share Counters across the
// farm but own their fetcher, so per-domain pacing state stays independent.
type Fetcher struct {
	gate     Gate
	renderer render.Client
	client   *http.Client
	opts     Options
	counters *Counters

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Fetcher. The renderer may be nil when no source uses
// rendered mode.
func New(gate Gate, renderer render.Client, opts Options) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = politeness.DefaultUserAgent
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.DefaultRetryAfter == 0 {
		opts.DefaultRetryAfter = 60 * time.Second
	}
	if opts.MaxRateLimitWaits == 0 {
		opts.MaxRateLimitWaits = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.ScrollPasses == 0 {
		opts.ScrollPasses = 3
	}
	if opts.SettleMillis == 0 {
		opts.SettleMillis = 1000
	}
	counters := opts.Counters
	if counters == nil {
		counters = &Counters{}
	}
	return &Fetcher{
		gate:     gate,
		renderer: renderer,
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		counters: counters,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Counters returns the counters this fetcher reports into.
func (f *Fetcher) Counters() *Counters {
	return f.counters
}

// Fetch retrieves one page. The politeness gate runs first; a blocked URL
// produces zero requests to the target. Pacing applies before every attempt.
// 429 responses honor Retry-After without consuming an attempt, up to
// MaxRateLimitWaits; 404 fails immediately; transport errors and retryable
// statuses back off exponentially until the attempt budget runs out.
func (f *Fetcher) Fetch(ctx context.Context, req Request) Outcome {
	allowed, reason := f.gate.Allowed(ctx, req.URL)
	if !allowed {
		f.counters.RobotsBlocked.Add(1)
		zap.L().Debug("fetch blocked",
			zap.String("url", req.URL),
			zap.String("reason", reason),
		)
		return Outcome{
			Status: StatusBlocked,
			Reason: reason,
			Err:    &resilience.BlockedError{URL: req.URL, Reason: reason},
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeStatic
	}
	if mode == ModeRendered && f.renderer == nil {
		f.counters.Errors.Add(1)
		return Outcome{
			Status: StatusFailed,
			Err:    eris.Errorf("fetch: no render client configured for %s", req.URL),
		}
	}

	lim := f.limiterFor(ctx, req.URL)

	attempts := 0
	rateWaits := 0
	var lastErr error
	var lastStatus int

	for attempts < f.opts.MaxAttempts {
		if err := lim.Wait(ctx); err != nil {
			f.counters.Errors.Add(1)
			return Outcome{
				Status:   StatusFailed,
				Err:      eris.Wrap(err, "fetch: pacing wait"),
				Attempts: attempts,
			}
		}

		var (
			payload    []byte
			httpStatus int
			retryAfter string
			err        error
		)
		switch mode {
		case ModeRendered:
			payload, httpStatus, err = f.attemptRendered(ctx, req)
		default:
			payload, httpStatus, retryAfter, err = f.attemptStatic(ctx, req)
		}

		if err != nil {
			attempts++
			lastErr = err
			lastStatus = httpStatus
			if attempts < f.opts.MaxAttempts {
				zap.L().Warn("fetch attempt failed, retrying",
					zap.String("url", req.URL),
					zap.Int("attempt", attempts),
					zap.Error(err),
				)
				f.backoff(ctx, attempts-1)
			}
			continue
		}

		switch {
		case httpStatus >= 200 && httpStatus < 300:
			f.counters.PagesFetched.Add(1)
			return Outcome{
				Status:     StatusSuccess,
				Payload:    payload,
				HTTPStatus: httpStatus,
				Attempts:   attempts + 1,
			}

		case httpStatus == http.StatusTooManyRequests:
			wait := parseRetryAfter(retryAfter, time.Now(), f.opts.DefaultRetryAfter)
			rateWaits++
			if rateWaits > f.opts.MaxRateLimitWaits {
				f.counters.RateLimited.Add(1)
				return Outcome{
					Status:     StatusRateLimited,
					HTTPStatus: httpStatus,
					Reason:     "rate limit wait budget exhausted",
					RetryAfter: wait,
					Err:        &resilience.RateLimitError{RetryAfter: wait},
					Attempts:   attempts,
				}
			}
			zap.L().Warn("rate limited, honoring retry-after",
				zap.String("url", req.URL),
				zap.Duration("retry_after", wait),
				zap.Int("wait", rateWaits),
			)
			if !sleepCtx(ctx, wait) {
				f.counters.RateLimited.Add(1)
				return Outcome{
					Status:     StatusRateLimited,
					HTTPStatus: httpStatus,
					Reason:     "context expired during rate limit wait",
					RetryAfter: wait,
					Err:        &resilience.RateLimitError{RetryAfter: wait},
					Attempts:   attempts,
				}
			}
			continue

		case httpStatus == http.StatusNotFound:
			f.counters.Errors.Add(1)
			return Outcome{
				Status:     StatusFailed,
				HTTPStatus: httpStatus,
				Err:        &resilience.NotFoundError{URL: req.URL},
				Attempts:   attempts + 1,
			}

		case resilience.IsTransientHTTPStatus(httpStatus):
			attempts++
			lastErr = resilience.NewTransientError(eris.Errorf("http %d from %s", httpStatus, req.URL), httpStatus)
			lastStatus = httpStatus
			if attempts < f.opts.MaxAttempts {
				zap.L().Warn("server error, retrying",
					zap.String("url", req.URL),
					zap.Int("status", httpStatus),
					zap.Int("attempt", attempts),
				)
				f.backoff(ctx, attempts-1)
			}
			continue

		case httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden:
			f.counters.Errors.Add(1)
			return Outcome{
				Status:     StatusFailed,
				HTTPStatus: httpStatus,
				Err:        &resilience.AuthError{StatusCode: httpStatus},
				Attempts:   attempts + 1,
			}

		default:
			f.counters.Errors.Add(1)
			return Outcome{
				Status:     StatusFailed,
				HTTPStatus: httpStatus,
				Err:        eris.Errorf("fetch: unexpected status %d from %s", httpStatus, req.URL),
				Attempts:   attempts + 1,
			}
		}
	}

	f.counters.Errors.Add(1)
	return Outcome{
		Status:     StatusFailed,
		HTTPStatus: lastStatus,
		Err:        eris.Wrap(lastErr, "fetch: retries exhausted"),
		Attempts:   attempts,
	}
}

func (f *Fetcher) attemptStatic(ctx context.Context, req Request) ([]byte, int, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, 0, "", eris.Wrap(err, "fetch: create request")
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/json,application/xml;q=0.9,*/*;q=0.8")
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	retryAfter := resp.Header.Get("Retry-After")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, retryAfter, eris.Wrap(err, "fetch: read body")
	}
	return body, resp.StatusCode, retryAfter, nil
}

func (f *Fetcher) attemptRendered(ctx context.Context, req Request) ([]byte, int, error) {
	res, err := f.renderer.Render(ctx, render.RenderRequest{
		URL:          req.URL,
		WaitSelector: req.WaitSelector,
		ScrollPasses: f.opts.ScrollPasses,
		SettleMillis: f.opts.SettleMillis,
	})
	if err != nil {
		return nil, 0, err
	}
	return []byte(res.HTML), res.Status, nil
}

// limiterFor returns the pacing limiter for the URL's host, creating it on
// first use with the larger of the configured floor and the robots crawl
// delay. Limiter state survives failed fetches; rate.Wait returns its
// reservation when the context expires.
func (f *Fetcher) limiterFor(ctx context.Context, rawURL string) *rate.Limiter {
	key := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		key = u.Host
	}

	f.mu.Lock()
	if lim, ok := f.limiters[key]; ok {
		f.mu.Unlock()
		return lim
	}
	f.mu.Unlock()

	delay := f.opts.MinDelay
	if cd, ok := f.gate.CrawlDelay(ctx, rawURL); ok && cd > delay {
		delay = cd
	}

	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	lim := rate.NewLimiter(limit, 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.limiters[key]; ok {
		return existing
	}
	f.limiters[key] = lim
	return lim
}

func (f *Fetcher) backoff(ctx context.Context, attempt int) {
	d := time.Duration(float64(f.opts.BackoffBase) * math.Pow(2, float64(attempt)))
	if d > f.opts.BackoffMax {
		d = f.opts.BackoffMax
	}
	if half := int64(d) / 2; half > 0 {
		d += time.Duration(rand.Int64N(half))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// sleepCtx waits d unless the context expires first. Reports whether the
// full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// parseRetryAfter interprets a Retry-After header as either delay seconds or
// an HTTP date. Empty or malformed values fall back to the default.
func parseRetryAfter(h string, now time.Time, fallback time.Duration) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		d := at.Sub(now)
		if d < 0 {
			return 0
		}
		return d
	}
	return fallback
}
