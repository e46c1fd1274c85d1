// Package config provides typed configuration for the candle cache: cache
// location, provider selection and credentials, rate limiting, and logging.
// Values load in priority order: defaults, then an optional YAML file, then
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "90s" or
// "2m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete application configuration.
type Config struct {
	AppName  string         `yaml:"app_name" env:"APP_NAME"`
	Cache    CacheConfig    `yaml:"cache"`
	Provider ProviderConfig `yaml:"provider"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CacheConfig configures where cache files live.
type CacheConfig struct {
	// Root is the directory holding one subdirectory per provider.
	Root string `yaml:"root" env:"CACHE_ROOT"`
}

// ProviderConfig configures the upstream candle source.
type ProviderConfig struct {
	Name      string `yaml:"name" env:"PROVIDER"`         // "bitfinex" or "binance"
	APIKey    string `yaml:"api_key" env:"API_KEY"`       // optional, authenticated SDK calls
	APISecret string `yaml:"api_secret" env:"API_SECRET"` // optional
	BaseURL   string `yaml:"base_url" env:"PROVIDER_BASE_URL"`
	PageLimit int    `yaml:"page_limit" env:"PAGE_LIMIT"`

	// Gate configures the call-counting cooldown applied to page fetches.
	Gate GateConfig `yaml:"rate_gate"`

	// RequestsPerSecond enables an additional token-bucket throttle on raw
	// requests. Zero disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"REQUEST_BURST"`
}

// GateConfig configures the periodic fetch cooldown.
type GateConfig struct {
	EveryN   int      `yaml:"every_n" env:"RATE_EVERY_N"`
	Cooldown Duration `yaml:"cooldown" env:"RATE_COOLDOWN"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`     // debug, info, warn, error
	Format     string `yaml:"format" env:"LOG_FORMAT"`   // json, text
	Output     string `yaml:"output" env:"LOG_OUTPUT"`   // stdout, stderr, file
	FilePath   string `yaml:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"LOG_MAX_SIZE"` // MB
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"LOG_MAX_AGE"` // days
	Compress   bool   `yaml:"compress" env:"LOG_COMPRESS"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		AppName: "candlecache",
		Cache: CacheConfig{
			Root: "cache",
		},
		Provider: ProviderConfig{
			Name:      "bitfinex",
			PageLimit: 1000,
			Gate: GateConfig{
				EveryN:   20,
				Cooldown: Duration(60 * time.Second),
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment variables, then validates the result. An empty path
// skips the file stage; a path that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&cfg.AppName, "APP_NAME")
	setString(&cfg.Cache.Root, "CACHE_ROOT")
	setString(&cfg.Provider.Name, "PROVIDER")
	setString(&cfg.Provider.APIKey, "API_KEY")
	setString(&cfg.Provider.APISecret, "API_SECRET")
	setString(&cfg.Provider.BaseURL, "PROVIDER_BASE_URL")
	setInt(&cfg.Provider.PageLimit, "PAGE_LIMIT")
	setInt(&cfg.Provider.Gate.EveryN, "RATE_EVERY_N")
	if v := os.Getenv("RATE_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Provider.Gate.Cooldown = Duration(d)
		}
	}
	if v := os.Getenv("REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Provider.RequestsPerSecond = f
		}
	}
	setInt(&cfg.Provider.Burst, "REQUEST_BURST")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Output, "LOG_OUTPUT")
	setString(&cfg.Logging.FilePath, "LOG_FILE_PATH")
}

// Validate checks the configuration for values that would fail later in a
// less obvious place.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Provider.Name) {
	case "bitfinex", "binance":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	if c.Provider.PageLimit <= 0 {
		return fmt.Errorf("page_limit must be positive, got %d", c.Provider.PageLimit)
	}
	if c.Provider.Gate.EveryN < 0 {
		return fmt.Errorf("rate_gate.every_n must not be negative, got %d", c.Provider.Gate.EveryN)
	}
	if c.Provider.Gate.Cooldown < 0 {
		return fmt.Errorf("rate_gate.cooldown must not be negative, got %s", c.Provider.Gate.Cooldown.Std())
	}
	if c.Provider.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative, got %g", c.Provider.RequestsPerSecond)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr":
	case "file":
		if c.Logging.FilePath == "" {
			return fmt.Errorf("log output is \"file\" but file_path is empty")
		}
	default:
		return fmt.Errorf("unknown log output %q", c.Logging.Output)
	}

	if c.Cache.Root == "" {
		return fmt.Errorf("cache root must not be empty")
	}
	return nil
}
