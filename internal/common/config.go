package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
// Loaded once at startup; treat the loaded value as an immutable snapshot.
// Hot reload builds a fresh Config and swaps the pointer - in-flight jobs
// keep the snapshot they captured when they started.
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Server      ServerConfig   `toml:"server"`
	Storage     StorageConfig  `toml:"storage"`
	Queue       QueueConfig    `toml:"queue"`
	Watcher     WatcherConfig  `toml:"watcher"`
	Inference   InferenceConfig `toml:"inference"`
	Resolver    ResolverConfig `toml:"resolver"`
	Catalog     CatalogConfig  `toml:"catalog"`
	Session     SessionConfig  `toml:"session"`
	Webhook     WebhookConfig  `toml:"webhook"`
	Logging     LoggingConfig  `toml:"logging"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
	Badger BadgerConfig `toml:"badger"`
	Images ImageDirs    `toml:"images"`
}

// SQLiteConfig configures the relational store holding scan and session state.
type SQLiteConfig struct {
	Path          string `toml:"path"`
	CacheSizeMB   int    `toml:"cache_size_mb"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
	WALMode       bool   `toml:"wal_mode"`
}

// BadgerConfig configures the durable queue backend.
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

type ImageDirs struct {
	Raw       string `toml:"raw"`       // capture drop copies
	Processed string `toml:"processed"` // preprocessed 1024px JPEGs
	Master    string `toml:"master"`    // archival originals
}

// QueueConfig covers both queue lanes and the worker pool.
type QueueConfig struct {
	Workers           int    `toml:"workers" validate:"gte=1"`          // pool size
	Concurrency       int    `toml:"concurrency" validate:"gte=1"`      // jobs per worker
	PollInterval      string `toml:"poll_interval"`                     // e.g. "250ms"
	VisibilityTimeout string `toml:"visibility_timeout"`                // redelivery window
	MaxAttempts       int    `toml:"max_attempts" validate:"gte=1"`     // terminal-fail after
	RetryBase         string `toml:"retry_base"`                        // backoff base, single config point
	RetryCap          string `toml:"retry_cap"`                         // backoff ceiling
	RateLimitJobs     int    `toml:"rate_limit_jobs" validate:"gte=1"`  // jobs per window
	RateLimitWindow   string `toml:"rate_limit_window"`                 // e.g. "60s"
	WarnDepth         int    `toml:"warn_depth"`                        // soft signal
	AutoPauseDepth    int    `toml:"auto_pause_depth" validate:"gte=1"` // suspend capture lane claims
	AutoResumeDepth   int    `toml:"auto_resume_depth" validate:"gte=0"`
	GracefulShutdown  string `toml:"graceful_shutdown"` // drain budget
	WorkerWait        string `toml:"worker_wait"`       // per-worker drain cap
}

// WatcherConfig configures the capture ingestion watcher.
type WatcherConfig struct {
	DropDir          string `toml:"drop_dir"`
	PollInterval     string `toml:"poll_interval"` // sweep backstop for missed fs events
	MaxQueueDepth    int    `toml:"max_queue_depth" validate:"gte=1"`
	DetectionBudget  string `toml:"detection_budget"` // soft warning threshold
	FingerprintLimit int    `toml:"fingerprint_limit"`
	FingerprintPrune int    `toml:"fingerprint_prune"`
}

// InferenceConfig configures the extraction orchestrator.
type InferenceConfig struct {
	Provider         string  `toml:"provider" validate:"oneof=gemini claude"` // primary path provider
	GeminiAPIKey     string  `toml:"gemini_api_key"`
	GeminiModel      string  `toml:"gemini_model"`
	ClaudeAPIKey     string  `toml:"claude_api_key"`
	ClaudeModel      string  `toml:"claude_model"`
	Timeout          string  `toml:"timeout"`            // per-call hard timeout
	MaxImageBytes    int64   `toml:"max_image_bytes"`    // hard pre-call guardrail
	TargetImageBytes int64   `toml:"target_image_bytes"` // preprocess target
	FallbackURL      string  `toml:"fallback_url"`       // local extractor endpoint
	DailyQuota       int     `toml:"daily_quota"`        // primary-path calls per day
	QuotaWarning     int     `toml:"quota_warning"`      // remaining calls warning threshold
	Temperature      float32 `toml:"temperature"`
}

// ResolverConfig holds identity-resolution thresholds.
type ResolverConfig struct {
	AutoAccept     float64 `toml:"auto_accept" validate:"gte=0,lte=1"`
	AcceptMargin   float64 `toml:"accept_margin" validate:"gte=0,lte=1"`
	Reasonable     float64 `toml:"reasonable" validate:"gte=0,lte=1"`
	PathCEnabled   bool    `toml:"path_c_enabled"`
	PathCMinSignal int     `toml:"path_c_min_signals" validate:"gte=1"`
	PathCHard      float64 `toml:"path_c_hard" validate:"gte=0,lte=1"`
	PathCSoft      float64 `toml:"path_c_soft" validate:"gte=0,lte=1"`
}

type CatalogConfig struct {
	CardsCSV     string `toml:"cards_csv"`
	PricesCSV    string `toml:"prices_csv"`
	IconsDir     string `toml:"icons_dir"` // optional set-symbol templates
	CacheEntries int    `toml:"cache_entries"`
	CacheTTL     string `toml:"cache_ttl"`
}

type SessionConfig struct {
	HeartbeatStale string `toml:"heartbeat_stale"` // session considered stale after
	Retention      string `toml:"retention"`       // closed sessions pruned after
	PruneSchedule  string `toml:"prune_schedule"`  // cron spec
}

type WebhookConfig struct {
	URL     string `toml:"url"`
	Secret  string `toml:"secret"`
	Timeout string `toml:"timeout"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=debug info warn error"`
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability;
// only operator-facing settings belong in cardmint.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8085,
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/cardmint.db",
				CacheSizeMB:   64,
				BusyTimeoutMS: 5000,
				WALMode:       true,
			},
			Badger: BadgerConfig{
				Path: "./data/queue",
			},
			Images: ImageDirs{
				Raw:       "./data/images/raw",
				Processed: "./data/images/processed",
				Master:    "./data/images/master",
			},
		},
		Queue: QueueConfig{
			Workers:           3,
			Concurrency:       3,
			PollInterval:      "250ms",
			VisibilityTimeout: "5m",
			MaxAttempts:       3,
			RetryBase:         "1s",
			RetryCap:          "30s",
			RateLimitJobs:     100,
			RateLimitWindow:   "60s",
			WarnDepth:         50,
			AutoPauseDepth:    11,
			AutoResumeDepth:   8,
			GracefulShutdown:  "10s",
			WorkerWait:        "2s",
		},
		Watcher: WatcherConfig{
			DropDir:          "./captures",
			PollInterval:     "2s",
			MaxQueueDepth:    300,
			DetectionBudget:  "50ms",
			FingerprintLimit: 10000,
			FingerprintPrune: 5000,
		},
		Inference: InferenceConfig{
			Provider:         "gemini",
			GeminiModel:      "gemini-2.0-flash",
			ClaudeModel:      "claude-haiku-3-5-20241022",
			Timeout:          "30s",
			MaxImageBytes:    400 * 1024,
			TargetImageBytes: 250 * 1024,
			FallbackURL:      "http://127.0.0.1:8088",
			DailyQuota:       1500,
			QuotaWarning:     100,
			Temperature:      0.0,
		},
		Resolver: ResolverConfig{
			AutoAccept:     0.90,
			AcceptMargin:   0.10,
			Reasonable:     0.40,
			PathCEnabled:   true,
			PathCMinSignal: 2,
			PathCHard:      0.90,
			PathCSoft:      0.70,
		},
		Catalog: CatalogConfig{
			CardsCSV:     "./data/catalog/cards.csv",
			PricesCSV:    "./data/catalog/prices.csv",
			CacheEntries: 10000,
			CacheTTL:     "15m",
		},
		Session: SessionConfig{
			HeartbeatStale: "90s",
			Retention:      "720h", // 30 days
			PruneSchedule:  "0 0 4 * * *",
		},
		Webhook: WebhookConfig{
			Timeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration from defaults, then each file in order
// (later files override earlier ones), then environment variables.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFlagOverrides applies command-line overrides (highest priority).
// Zero values mean "not set" and leave the config untouched.
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}

// applyEnvOverrides maps CARDMINT_* environment variables onto the config.
// Only settings that make sense to override per-deployment are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CARDMINT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CARDMINT_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CARDMINT_GEMINI_API_KEY"); v != "" {
		cfg.Inference.GeminiAPIKey = v
	}
	if v := os.Getenv("CARDMINT_CLAUDE_API_KEY"); v != "" {
		cfg.Inference.ClaudeAPIKey = v
	}
	if v := os.Getenv("CARDMINT_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("CARDMINT_DROP_DIR"); v != "" {
		cfg.Watcher.DropDir = v
	}
	if v := os.Getenv("CARDMINT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks structural constraints plus the cross-field rules the
// validator tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Queue.AutoResumeDepth >= c.Queue.AutoPauseDepth {
		return fmt.Errorf("invalid configuration: auto_resume_depth (%d) must be below auto_pause_depth (%d)",
			c.Queue.AutoResumeDepth, c.Queue.AutoPauseDepth)
	}
	if c.Resolver.PathCSoft > c.Resolver.PathCHard {
		return fmt.Errorf("invalid configuration: path_c_soft (%.2f) must not exceed path_c_hard (%.2f)",
			c.Resolver.PathCSoft, c.Resolver.PathCHard)
	}
	if c.Resolver.Reasonable > c.Resolver.AutoAccept {
		return fmt.Errorf("invalid configuration: reasonable floor (%.2f) must not exceed auto_accept (%.2f)",
			c.Resolver.Reasonable, c.Resolver.AutoAccept)
	}

	for _, d := range []struct {
		name, value string
	}{
		{"queue.poll_interval", c.Queue.PollInterval},
		{"queue.visibility_timeout", c.Queue.VisibilityTimeout},
		{"queue.retry_base", c.Queue.RetryBase},
		{"queue.retry_cap", c.Queue.RetryCap},
		{"queue.rate_limit_window", c.Queue.RateLimitWindow},
		{"queue.graceful_shutdown", c.Queue.GracefulShutdown},
		{"queue.worker_wait", c.Queue.WorkerWait},
		{"watcher.poll_interval", c.Watcher.PollInterval},
		{"watcher.detection_budget", c.Watcher.DetectionBudget},
		{"inference.timeout", c.Inference.Timeout},
		{"catalog.cache_ttl", c.Catalog.CacheTTL},
		{"session.heartbeat_stale", c.Session.HeartbeatStale},
		{"session.retention", c.Session.Retention},
		{"webhook.timeout", c.Webhook.Timeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid configuration: %s %q: %w", d.name, d.value, err)
		}
	}

	return nil
}

// MustDuration parses a duration string that Validate has already accepted.
func MustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("duration %q escaped config validation: %v", s, err))
	}
	return d
}
