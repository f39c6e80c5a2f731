// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	APIAuth   APIAuthConfig   `mapstructure:"api_auth"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Files     FilesConfig     `mapstructure:"files"`
	API       APIConfig       `mapstructure:"api"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	History   HistoryConfig   `mapstructure:"history"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// APIAuthConfig guards the HTTP surface with a static key.
type APIAuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// AuthConfig holds the implicit default platform credential.
type AuthConfig struct {
	Cookie string `mapstructure:"cookie"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig locates the per-community stores and the account store.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// CrawlConfig governs pagination, pacing and retry of crawl runs.
type CrawlConfig struct {
	PerPage             int     `mapstructure:"per_page"`
	IntervalMinSeconds  float64 `mapstructure:"interval_min_seconds"`
	IntervalMaxSeconds  float64 `mapstructure:"interval_max_seconds"`
	LongSleepMinSeconds float64 `mapstructure:"long_sleep_min_seconds"`
	LongSleepMaxSeconds float64 `mapstructure:"long_sleep_max_seconds"`
	PagesPerBatch       int     `mapstructure:"pages_per_batch"`
	TimestampOffsetMs   int     `mapstructure:"timestamp_offset_ms"`
	MaxRetriesPerPage   int     `mapstructure:"max_retries_per_page"`
	IncrementalPages    int     `mapstructure:"incremental_pages"`
	DetectionTTLSeconds int     `mapstructure:"detection_ttl_seconds"`
}

// FilesConfig governs file collection and downloads.
type FilesConfig struct {
	PerPage                int     `mapstructure:"per_page"`
	IntervalMinSeconds     float64 `mapstructure:"interval_min_seconds"`
	IntervalMaxSeconds     float64 `mapstructure:"interval_max_seconds"`
	LongSleepMinSeconds    float64 `mapstructure:"long_sleep_min_seconds"`
	LongSleepMaxSeconds    float64 `mapstructure:"long_sleep_max_seconds"`
	FilesPerBatch          int     `mapstructure:"files_per_batch"`
	DownloadTimeoutSeconds int     `mapstructure:"download_timeout_seconds"`
}

// APIConfig configures the remote platform client.
type APIConfig struct {
	BaseURL           string   `mapstructure:"base_url"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
	UserAgents        []string `mapstructure:"user_agents"`
	AppVersion        string   `mapstructure:"app_version"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	Burst             int      `mapstructure:"burst"`
}

// TasksConfig sizes the work-unit pool and the log streams.
type TasksConfig struct {
	Concurrency      int `mapstructure:"concurrency"`
	QueueDepth       int `mapstructure:"queue_depth"`
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
	StreamBuffer     int `mapstructure:"stream_buffer"`
}

// HistoryConfig points at the optional Postgres task archive.
type HistoryConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SchedulerConfig drives periodic incremental syncs.
type SchedulerConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Spec    string  `mapstructure:"spec"`
	Groups  []int64 `mapstructure:"groups"`
	Pages   int     `mapstructure:"pages"`
}

// Load builds a Config from .env, disk and environment.
func Load(path string) (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("ZSXQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadEnvFiles honours ENV_FILE, otherwise .env.local then .env; missing files are fine.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8208)
	v.SetDefault("api_auth.enabled", false)
	v.SetDefault("auth.cookie", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("storage.data_dir", "output/databases")
	v.SetDefault("crawl.per_page", 20)
	v.SetDefault("crawl.interval_min_seconds", 2.0)
	v.SetDefault("crawl.interval_max_seconds", 5.0)
	v.SetDefault("crawl.long_sleep_min_seconds", 180.0)
	v.SetDefault("crawl.long_sleep_max_seconds", 300.0)
	v.SetDefault("crawl.pages_per_batch", 15)
	v.SetDefault("crawl.timestamp_offset_ms", 1)
	v.SetDefault("crawl.max_retries_per_page", 10)
	v.SetDefault("crawl.incremental_pages", 10)
	v.SetDefault("crawl.detection_ttl_seconds", 300)
	v.SetDefault("files.per_page", 20)
	v.SetDefault("files.interval_min_seconds", 1.0)
	v.SetDefault("files.interval_max_seconds", 3.0)
	v.SetDefault("files.long_sleep_min_seconds", 60.0)
	v.SetDefault("files.long_sleep_max_seconds", 120.0)
	v.SetDefault("files.files_per_batch", 10)
	v.SetDefault("files.download_timeout_seconds", 600)
	v.SetDefault("api.base_url", "https://api.zsxq.com")
	v.SetDefault("api.timeout_seconds", 30)
	v.SetDefault("api.app_version", "2.77.0")
	v.SetDefault("api.requests_per_second", 1.0)
	v.SetDefault("api.burst", 2)
	v.SetDefault("tasks.concurrency", 2)
	v.SetDefault("tasks.queue_depth", 32)
	v.SetDefault("tasks.heartbeat_seconds", 15)
	v.SetDefault("tasks.stream_buffer", 256)
	v.SetDefault("history.table", "task_runs")
	v.SetDefault("history.max_conns", 4)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.spec", "@every 6h")
	v.SetDefault("scheduler.pages", 5)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.APIAuth.Enabled && c.APIAuth.APIKey == "" {
		return fmt.Errorf("api_auth.api_key must be set when api_auth is enabled")
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Crawl.PerPage <= 0 || c.Crawl.PerPage > 100 {
		return fmt.Errorf("crawl.per_page must be within 1..100")
	}
	if c.Crawl.IntervalMinSeconds < 0 || c.Crawl.IntervalMinSeconds > c.Crawl.IntervalMaxSeconds {
		return fmt.Errorf("crawl.interval_min_seconds must be >= 0 and <= interval_max_seconds")
	}
	if c.Crawl.LongSleepMinSeconds < 0 || c.Crawl.LongSleepMinSeconds > c.Crawl.LongSleepMaxSeconds {
		return fmt.Errorf("crawl.long_sleep_min_seconds must be >= 0 and <= long_sleep_max_seconds")
	}
	if c.Crawl.PagesPerBatch <= 0 {
		return fmt.Errorf("crawl.pages_per_batch must be > 0")
	}
	if c.Crawl.MaxRetriesPerPage <= 0 {
		return fmt.Errorf("crawl.max_retries_per_page must be > 0")
	}
	if c.Files.PerPage <= 0 || c.Files.FilesPerBatch <= 0 {
		return fmt.Errorf("files.per_page and files.files_per_batch must be > 0")
	}
	if c.Files.IntervalMinSeconds > c.Files.IntervalMaxSeconds || c.Files.LongSleepMinSeconds > c.Files.LongSleepMaxSeconds {
		return fmt.Errorf("files interval and long sleep minimums must not exceed their maximums")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	if c.Tasks.Concurrency <= 0 {
		return fmt.Errorf("tasks.concurrency must be > 0")
	}
	if c.Scheduler.Enabled && strings.TrimSpace(c.Scheduler.Spec) == "" {
		return fmt.Errorf("scheduler.spec is required when the scheduler is enabled")
	}
	return nil
}

// APITimeout returns the per-request timeout for remote calls.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// DetectionTTL returns how long account detection results stay fresh.
func (c Config) DetectionTTL() time.Duration {
	return time.Duration(c.Crawl.DetectionTTLSeconds) * time.Second
}

// Heartbeat returns the idle interval between stream heartbeats.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Tasks.HeartbeatSeconds) * time.Second
}

// Seconds converts fractional seconds from the config into a duration.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
