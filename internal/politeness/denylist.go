package politeness

import (
	"net/url"
	"path"
	"strings"
)

// defaultDenyPatterns reject paths that are never worth fetching: raffle
// entry flows, private API routes, and account/checkout surfaces.
var defaultDenyPatterns = []string{
	"/raffle/*",
	"/api/*",
	"/user/*",
	"/account/*",
	"/cart*",
	"/checkout*",
}

// Denylist rejects URLs by glob-style path patterns, independent of what a
// site's robots policy says. Uses path.Match from stdlib plus a segmented
// match so "/api/*" covers multi-level paths like "/api/v2/cart".
type Denylist struct {
	patterns []string
}

// NewDenylist creates a Denylist from glob patterns (e.g. "/raffle/*").
// Falls back to the default patterns if none are provided.
func NewDenylist(patterns []string) *Denylist {
	if len(patterns) == 0 {
		patterns = defaultDenyPatterns
	}
	return &Denylist{patterns: patterns}
}

// Patterns returns the configured patterns.
func (d *Denylist) Patterns() []string {
	return d.patterns
}

// Matches checks whether a URL's path hits any deny pattern. Unparsable
// URLs are treated as matches.
func (d *Denylist) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return d.matchesPath(u.Path)
}

func (d *Denylist) matchesPath(urlPath string) bool {
	urlPath = strings.ToLower(urlPath)
	for _, pattern := range d.patterns {
		pattern = strings.ToLower(pattern)
		if matchSegmented(pattern, urlPath) {
			return true
		}
	}
	return false
}

// matchSegmented performs glob matching where a pattern like "/api/*"
// matches both "/api/cart" and "/api/v2/deep/path".
//
// It first tries an exact path.Match. If the pattern ends in "/*" and that
// fails, it also tries matching the URL path prefix against the pattern
// directory (so "/api/*" matches "/api/a/b/c").
func matchSegmented(pattern, urlPath string) bool {
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/") {
			return true
		}
	}

	return false
}
