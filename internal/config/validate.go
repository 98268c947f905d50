package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks that the settings a command needs are actually present.
// mode names the command family being started.
func (c *Config) Validate(mode string) error {
	var problems []string

	needCatalog := func() {
		if (c.Store.APIBaseURL == "" || c.Store.APIKey == "") && c.Store.DatabaseURL == "" {
			problems = append(problems, "store.api_base_url with store.api_key, or store.database_url, is required")
		}
	}
	needRegistry := func() {
		if c.Registry.Path == "" {
			problems = append(problems, "registry.path is required")
		}
	}

	switch mode {
	case "scrape", "sync":
		needRegistry()
		needCatalog()
	case "watch", "serve":
		needRegistry()
		needCatalog()
		if mode == "serve" && c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "import":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for bulk import")
		}
	case "export":
		needCatalog()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Namespace == "" {
		problems = append(problems, "store.namespace is required")
	}
	if c.Fetch.MaxAttempts < 1 || c.Fetch.MaxAttempts > 10 {
		problems = append(problems, "fetch.max_attempts must be between 1 and 10")
	}
	if c.Scheduler.MaxConcurrent < 1 || c.Scheduler.MaxConcurrent > 20 {
		problems = append(problems, "scheduler.max_concurrent must be between 1 and 20")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		problems = append(problems, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}
