package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ledgerlens/ledgerlens/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all ledgerlens configuration.
type Config struct {
	Listen string `yaml:"listen"`
	DBPath string `yaml:"db_path"`
	// SyncInterval is how often long-running commands write counters and the
	// cache snapshot to the database. Zero writes only on shutdown.
	SyncInterval time.Duration   `yaml:"sync_interval"`
	Log          LogConfig       `yaml:"log"`
	Analysis     AnalysisConfig  `yaml:"analysis"`
	Cache        CacheConfig     `yaml:"cache"`
	Audit        AuditConfig     `yaml:"audit"`
	Metrics      MetricsConfig   `yaml:"metrics"`
	Schedule     ScheduleConfig  `yaml:"schedule"`
	Providers    ProvidersConfig `yaml:"providers"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// AnalysisConfig bounds requests and controls provider ordering.
type AnalysisConfig struct {
	MaxDaysBack     int `yaml:"max_days_back"`
	DefaultDaysBack int `yaml:"default_days_back"`
	// AutoOrder is the provider ordering used for the "auto" model.
	AutoOrder      []models.ProviderID `yaml:"auto_order"`
	ComputeTimeout time.Duration       `yaml:"compute_timeout"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	Capacity int `yaml:"capacity"`
	// StaleAfter forces recomputation of entries older than this. Zero disables it.
	StaleAfter time.Duration `yaml:"stale_after"`
	Persist    bool          `yaml:"persist"`
}

// AuditConfig controls the analysis log.
type AuditConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ScheduleConfig controls the scheduled analysis runner in serve.
type ScheduleConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ProvidersConfig holds per-provider settings.
type ProvidersConfig struct {
	Cloud CloudConfig `yaml:"cloud"`
	Local LocalConfig `yaml:"local"`
}

// RetryConfig is a provider's internal retry policy.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// CloudConfig defines the hosted provider, reached through an
// OpenAI-compatible endpoint.
type CloudConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	Retry             RetryConfig   `yaml:"retry"`
}

// LocalConfig defines the Ollama provider. An empty Model is resolved from
// the server's model list.
type LocalConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	retry := RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
	return &Config{
		Listen:       ":8080",
		DBPath:       "ledgerlens.db",
		SyncInterval: 30 * time.Second,
		Log: LogConfig{
			Level: "info",
		},
		Analysis: AnalysisConfig{
			MaxDaysBack:     365,
			DefaultDaysBack: 30,
			AutoOrder:       []models.ProviderID{models.ProviderCloud, models.ProviderLocal},
			ComputeTimeout:  2 * time.Minute,
		},
		Cache: CacheConfig{
			Capacity: 500,
			Persist:  true,
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Schedule: ScheduleConfig{
			Enabled:      true,
			PollInterval: time.Minute,
		},
		Providers: ProvidersConfig{
			Cloud: CloudConfig{
				Enabled:           true,
				BaseURL:           "https://generativelanguage.googleapis.com/v1beta/openai/",
				Model:             "gemini-2.0-flash",
				Timeout:           30 * time.Second,
				RequestsPerMinute: 60,
				Burst:             5,
				Retry:             retry,
			},
			Local: LocalConfig{
				Enabled: true,
				URL:     "http://localhost:11434",
				Timeout: 60 * time.Second,
				Retry:   retry,
			},
		},
	}
}

// Load reads a YAML config file, expands environment variables and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Analysis.MaxDaysBack <= 0 {
		return fmt.Errorf("analysis.max_days_back must be positive")
	}
	if c.Analysis.DefaultDaysBack <= 0 || c.Analysis.DefaultDaysBack > c.Analysis.MaxDaysBack {
		return fmt.Errorf("analysis.default_days_back must be in 1..%d", c.Analysis.MaxDaysBack)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive")
	}
	if c.Cache.StaleAfter < 0 {
		return fmt.Errorf("cache.stale_after must not be negative")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync_interval must not be negative")
	}
	if c.Schedule.Enabled && c.Schedule.PollInterval <= 0 {
		return fmt.Errorf("schedule.poll_interval must be positive")
	}
	if len(c.Analysis.AutoOrder) == 0 {
		return fmt.Errorf("analysis.auto_order must name at least one provider")
	}
	seen := make(map[models.ProviderID]bool, len(c.Analysis.AutoOrder))
	for _, id := range c.Analysis.AutoOrder {
		if !id.Valid() {
			return fmt.Errorf("analysis.auto_order: unknown provider %q", id)
		}
		if seen[id] {
			return fmt.Errorf("analysis.auto_order: duplicate provider %q", id)
		}
		seen[id] = true
		if !c.ProviderEnabled(id) {
			return fmt.Errorf("analysis.auto_order: provider %q is disabled", id)
		}
	}
	return nil
}

// ProviderEnabled reports whether the given provider is switched on.
func (c *Config) ProviderEnabled(id models.ProviderID) bool {
	switch id {
	case models.ProviderCloud:
		return c.Providers.Cloud.Enabled
	case models.ProviderLocal:
		return c.Providers.Local.Enabled
	default:
		return false
	}
}
