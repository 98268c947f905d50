package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Politeness PolitenessConfig `yaml:"politeness" mapstructure:"politeness"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Render     RenderConfig     `yaml:"render" mapstructure:"render"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the catalog backends and run history.
type StoreConfig struct {
	// Namespace is the catalog table (and REST route) records land in.
	Namespace string `yaml:"namespace" mapstructure:"namespace"`

	// APIBaseURL and APIKey point at the PostgREST-style primary catalog.
	APIBaseURL string `yaml:"api_base_url" mapstructure:"api_base_url"`
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
	APISchema  string `yaml:"api_schema" mapstructure:"api_schema"`
	PageSize   int    `yaml:"page_size" mapstructure:"page_size"`

	// DatabaseURL enables the direct Postgres fallback catalog.
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`

	// RunDBPath is the local SQLite file holding run history.
	RunDBPath string `yaml:"run_db_path" mapstructure:"run_db_path"`

	// KeepRuns caps run history; the watcher prunes older rows after each
	// cycle. Zero disables pruning.
	KeepRuns int `yaml:"keep_runs" mapstructure:"keep_runs"`
}

// PolitenessConfig configures robots.txt handling and the URL denylist.
type PolitenessConfig struct {
	UserAgent         string   `yaml:"user_agent" mapstructure:"user_agent"`
	FailOpen          bool     `yaml:"fail_open" mapstructure:"fail_open"`
	RobotsTimeoutSecs int      `yaml:"robots_timeout_secs" mapstructure:"robots_timeout_secs"`
	DenyPatterns      []string `yaml:"deny_patterns" mapstructure:"deny_patterns"`
}

// FetchConfig configures the HTTP fetch layer shared by all workers.
type FetchConfig struct {
	TimeoutSecs           int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts           int `yaml:"max_attempts" mapstructure:"max_attempts"`
	MinDelayMillis        int `yaml:"min_delay_millis" mapstructure:"min_delay_millis"`
	DefaultRetryAfterSecs int `yaml:"default_retry_after_secs" mapstructure:"default_retry_after_secs"`
	MaxRateLimitWaits     int `yaml:"max_rate_limit_waits" mapstructure:"max_rate_limit_waits"`
	BackoffBaseMillis     int `yaml:"backoff_base_millis" mapstructure:"backoff_base_millis"`
	BackoffMaxSecs        int `yaml:"backoff_max_secs" mapstructure:"backoff_max_secs"`
}

// RenderConfig configures the headless browser rendering service.
type RenderConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	Key          string `yaml:"key" mapstructure:"key"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ScrollPasses int    `yaml:"scroll_passes" mapstructure:"scroll_passes"`
	SettleMillis int    `yaml:"settle_millis" mapstructure:"settle_millis"`
}

// SchedulerConfig configures the continuous watch loop.
type SchedulerConfig struct {
	RealtimeMins  int `yaml:"realtime_mins" mapstructure:"realtime_mins"`
	BalancedMins  int `yaml:"balanced_mins" mapstructure:"balanced_mins"`
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	JitterSecs    int `yaml:"jitter_secs" mapstructure:"jitter_secs"`
}

// MonitoringConfig configures source health checks and alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalMins    int     `yaml:"check_interval_mins" mapstructure:"check_interval_mins"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ConsecutiveEmpty     int     `yaml:"consecutive_empty" mapstructure:"consecutive_empty"`
}

// RegistryConfig locates the source registry file.
type RegistryConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ExportConfig configures file exports.
type ExportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An empty path
// searches the working directory for config.yaml; a non-empty path names
// the file explicitly and must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.namespace", "releases")
	v.SetDefault("store.page_size", 1000)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.run_db_path", "tracker.db")
	v.SetDefault("store.keep_runs", 500)
	v.SetDefault("politeness.fail_open", true)
	v.SetDefault("politeness.robots_timeout_secs", 10)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.min_delay_millis", 1000)
	v.SetDefault("fetch.default_retry_after_secs", 60)
	v.SetDefault("fetch.max_rate_limit_waits", 3)
	v.SetDefault("fetch.backoff_base_millis", 500)
	v.SetDefault("fetch.backoff_max_secs", 30)
	v.SetDefault("render.base_url", "http://localhost:8090")
	v.SetDefault("render.timeout_secs", 60)
	v.SetDefault("render.scroll_passes", 3)
	v.SetDefault("render.settle_millis", 1000)
	v.SetDefault("scheduler.realtime_mins", 5)
	v.SetDefault("scheduler.balanced_mins", 30)
	v.SetDefault("scheduler.max_concurrent", 3)
	v.SetDefault("scheduler.jitter_secs", 30)
	v.SetDefault("monitoring.check_interval_mins", 15)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.consecutive_empty", 3)
	v.SetDefault("registry.path", "sources.yaml")
	v.SetDefault("export.dir", "exports")
	v.SetDefault("server.port", 8787)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// A searched file is optional; an explicit one is not.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
