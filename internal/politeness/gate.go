// Package politeness decides whether a URL may be fetched at all: a
// configured denylist is checked first, then the domain's robots.txt policy.
// Policies are fetched lazily per domain and cached for the process lifetime.
package politeness

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// DefaultUserAgent identifies the collector to sites it visits.
const DefaultUserAgent = "kicktrack-bot/1.0 (+https://github.com/kicktrack/tracker-cli)"

// Config controls gate behavior.
type Config struct {
	// UserAgent is matched against robots.txt groups and sent on the
	// robots fetch itself.
	UserAgent string

	// FailOpen allows fetching when a domain's robots.txt cannot be
	// retrieved or parsed. The failure is logged either way.
	FailOpen bool

	// Timeout bounds the robots.txt fetch. Default: 10s.
	Timeout time.Duration

	// DenyPatterns override the default denylist.
	DenyPatterns []string
}

// Gate caches one robots policy per domain and answers allow/deny questions
// for the configured user agent. Safe for concurrent use.
type Gate struct {
	agent    string
	failOpen bool
	deny     *Denylist
	client   *http.Client

	mu       sync.Mutex
	policies map[string]*policy
}

// policy is the cached per-domain robots state. A failed load is cached too,
// so an unreachable domain is not re-probed on every call.
type policy struct {
	group  *robotstxt.Group
	failed bool
}

// NewGate creates a politeness gate.
func NewGate(cfg Config) *Gate {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Gate{
		agent:    cfg.UserAgent,
		failOpen: cfg.FailOpen,
		deny:     NewDenylist(cfg.DenyPatterns),
		client:   &http.Client{Timeout: cfg.Timeout},
		policies: make(map[string]*policy),
	}
}

// Allowed reports whether rawURL may be fetched. The second return names the
// refusing rule when it is not.
func (g *Gate) Allowed(ctx context.Context, rawURL string) (bool, string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false, "unparsable url"
	}

	if g.deny.Matches(rawURL) {
		return false, "denylist"
	}

	p := g.policyFor(ctx, u)
	if p.failed {
		if g.failOpen {
			return true, ""
		}
		return false, "robots policy unavailable"
	}

	if !p.group.Test(requestPath(u)) {
		return false, "robots disallow"
	}
	return true, ""
}

// CrawlDelay returns the robots-declared crawl delay for rawURL's domain,
// if the policy declares one.
func (g *Gate) CrawlDelay(ctx context.Context, rawURL string) (time.Duration, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0, false
	}
	p := g.policyFor(ctx, u)
	if p.failed || p.group.CrawlDelay <= 0 {
		return 0, false
	}
	return p.group.CrawlDelay, true
}

// policyFor returns the cached policy for u's domain, loading it on first use.
func (g *Gate) policyFor(ctx context.Context, u *url.URL) *policy {
	host := strings.ToLower(u.Host)

	g.mu.Lock()
	p, ok := g.policies[host]
	g.mu.Unlock()
	if ok {
		return p
	}

	p = g.loadPolicy(ctx, u.Scheme, host)

	g.mu.Lock()
	if existing, ok := g.policies[host]; ok {
		p = existing
	} else {
		g.policies[host] = p
	}
	g.mu.Unlock()
	return p
}

func (g *Gate) loadPolicy(ctx context.Context, scheme, host string) *policy {
	robotsURL := scheme + "://" + host + "/robots.txt"
	log := zap.L().With(zap.String("component", "politeness"), zap.String("host", host))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		log.Warn("robots request build failed, continuing without policy", zap.Error(err))
		return &policy{failed: true}
	}
	req.Header.Set("User-Agent", g.agent)

	resp, err := g.client.Do(req)
	if err != nil {
		log.Warn("robots fetch failed, continuing without policy",
			zap.Bool("fail_open", g.failOpen),
			zap.Error(err),
		)
		return &policy{failed: true}
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		log.Warn("robots parse failed, continuing without policy",
			zap.Int("status", resp.StatusCode),
			zap.Bool("fail_open", g.failOpen),
			zap.Error(err),
		)
		return &policy{failed: true}
	}

	group := data.FindGroup(g.agent)
	log.Debug("robots policy loaded",
		zap.Int("status", resp.StatusCode),
		zap.Duration("crawl_delay", group.CrawlDelay),
	)
	return &policy{group: group}
}

// requestPath is the path plus query, the part robots rules match against.
func requestPath(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
