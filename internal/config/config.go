package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"odin/internal/common"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration wraps time.Duration so it can be written as "30s" in TOML
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config is the service configuration, read from odin.toml
type Config struct {
	Server      ServerConfig        `toml:"server"`
	Upstream    UpstreamConfig      `toml:"upstream"`
	Search      SearchConfig        `toml:"search"`
	Correlation CorrelationConfig   `toml:"correlation"`
	Analytics   AnalyticsConfig     `toml:"analytics"`
	Cache       CacheConfig         `toml:"cache"`
	Attributes  map[string][]string `toml:"attributes,omitempty"`

	// DataDir holds task files and the preferences file
	DataDir string `toml:"data_dir"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// RateLimit is the sustained inbound requests per second per client IP;
	// 0 disables inbound limiting
	RateLimit float64  `toml:"rate_limit"`
	Burst     int      `toml:"burst"`
	LogLevel  string   `toml:"log_level"`
	LogFormat string   `toml:"log_format"` // "text" or "json"
	CORS      []string `toml:"cors_origins"`
	// FinishedTasks bounds how many completed search tasks are kept in memory
	FinishedTasks int `toml:"finished_tasks"`
}

type UpstreamConfig struct {
	STACURL   string   `toml:"stac_url"`
	WTSSURL   string   `toml:"wtss_url"`
	Timeout   Duration `toml:"timeout"`
	UserAgent string   `toml:"user_agent"`
	// MinInterval spaces consecutive upstream calls made by the serial worker
	MinInterval Duration `toml:"min_interval"`
}

type SearchConfig struct {
	BatchSize       int    `toml:"batch_size"`
	GroupPrefix     string `toml:"group_prefix"`
	GroupCollection string `toml:"group_collection"`
	ResultLimit     int    `toml:"result_limit"`
}

type CorrelationConfig struct {
	MaxGap            Duration `toml:"max_gap"`
	NoDataThreshold   float64  `toml:"nodata_threshold"`
	RescaleAttributes []string `toml:"rescale_attributes"`
	ScaleFactor       float64  `toml:"scale_factor"`
}

// CacheConfig bounds the cache of rendered search series (charts and CSV).
// Entries <= 0 disables it.
type CacheConfig struct {
	Entries int      `toml:"entries"`
	TTL     Duration `toml:"ttl"`
}

type AnalyticsConfig struct {
	PostHogKey  string `toml:"posthog_key"`
	PostHogHost string `toml:"posthog_host"`
}

// Default returns a configuration with every field set to its default
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":3000",
			RateLimit:     10,
			Burst:         20,
			LogLevel:      "info",
			LogFormat:     "text",
			CORS:          []string{"*"},
			FinishedTasks: 64,
		},
		Upstream: UpstreamConfig{
			STACURL:   common.DefaultSTACURL,
			WTSSURL:   common.DefaultWTSSURL,
			Timeout:   Duration{30 * time.Second},
			UserAgent: "odin/1.0",
		},
		Search: SearchConfig{
			BatchSize:       15,
			GroupPrefix:     "AMAZONIA",
			GroupCollection: "AMAZONIA-1",
			ResultLimit:     1000,
		},
		Correlation: CorrelationConfig{
			MaxGap:            Duration{30 * 24 * time.Hour},
			NoDataThreshold:   -3000,
			RescaleAttributes: []string{"NDVI", "EVI"},
			ScaleFactor:       10000,
		},
		Cache: CacheConfig{
			Entries: 512,
			TTL:     Duration{10 * time.Minute},
		},
		DataDir: DefaultDataDir(),
	}
}

// DefaultDataDir returns ~/.odin, or ./.odin if the home directory is unknown
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".odin"
	}
	return filepath.Join(homeDir, ".odin")
}

// Load reads the TOML file at path. A missing file yields the defaults.
// Keys present in the file win, including explicit zeros such as
// rate_limit = 0; keys left out keep their default. Environment overrides
// are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			defaults := Default()
			// lists are decoded from scratch and restored below when absent
			cfg.Server.CORS = nil
			cfg.Correlation.RescaleAttributes = nil
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			mergeLists(cfg, defaults)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeLists fills list fields the file did not set from defaults
func mergeLists(cfg, defaults *Config) {
	if cfg.Server.CORS == nil {
		cfg.Server.CORS = defaults.Server.CORS
	}
	if cfg.Correlation.RescaleAttributes == nil {
		cfg.Correlation.RescaleAttributes = defaults.Correlation.RescaleAttributes
	}
}

// applyEnv overrides fields from ODIN_* variables
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("ODIN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("ODIN_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := getenv("ODIN_LOG_FORMAT"); v != "" {
		c.Server.LogFormat = v
	}
	if v := getenv("ODIN_STAC_URL"); v != "" {
		c.Upstream.STACURL = v
	}
	if v := getenv("ODIN_WTSS_URL"); v != "" {
		c.Upstream.WTSSURL = v
	}
	if v := getenv("ODIN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := getenv("ODIN_POSTHOG_KEY"); v != "" {
		c.Analytics.PostHogKey = v
	}
	if v := getenv("ODIN_UPSTREAM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("failed to parse ODIN_UPSTREAM_TIMEOUT: %w", err)
		}
		c.Upstream.Timeout = Duration{d}
	}
	if v := getenv("ODIN_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("failed to parse ODIN_BATCH_SIZE: %w", err)
		}
		c.Search.BatchSize = n
	}
	return nil
}

// Validate checks the values that would otherwise fail later at runtime
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Server.RateLimit < 0 || c.Server.Burst < 0 {
		problems = append(problems, "server.rate_limit and server.burst must not be negative")
	}
	switch strings.ToLower(c.Server.LogFormat) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("server.log_format must be text or json, got %q", c.Server.LogFormat))
	}
	if c.Upstream.STACURL == "" || c.Upstream.WTSSURL == "" {
		problems = append(problems, "upstream.stac_url and upstream.wtss_url are required")
	}
	if c.Upstream.Timeout.Duration <= 0 {
		problems = append(problems, "upstream.timeout must be positive")
	}
	if c.Search.BatchSize < 1 {
		problems = append(problems, "search.batch_size must be at least 1")
	}
	if c.Cache.TTL.Duration < 0 {
		problems = append(problems, "cache.ttl must not be negative")
	}
	if c.Correlation.ScaleFactor == 0 {
		problems = append(problems, "correlation.scale_factor must not be zero")
	}
	for collection, attrs := range c.Attributes {
		if len(attrs) == 0 {
			problems = append(problems, fmt.Sprintf("attributes.%s is empty", collection))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// TasksDir is where queued search tasks are persisted
func (c *Config) TasksDir() string {
	return filepath.Join(c.DataDir, "tasks")
}

// PreferencesPath is the JSON file holding the last used search preferences
func (c *Config) PreferencesPath() string {
	return filepath.Join(c.DataDir, "preferences.json")
}
