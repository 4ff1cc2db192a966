// ABOUTME: Configuration loading and parsing for courierd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete courierd configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// AllowedOrigins is the CORS allowlist for browser clients.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds identity token configuration.
// An empty secret disables token verification; the websocket join
// then trusts the identity field as-is.
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
}

// LimitsConfig holds rate limiting and timeout configuration
type LimitsConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	StoreTimeout      time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	StoreTimeoutRaw string `yaml:"store_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the working directory is loaded first if present, so that
// ${VAR_NAME} references in the YAML can resolve against it.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	// Best-effort: a missing .env is fine
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional fields
func applyDefaults(cfg *Config) {
	if cfg.Limits.StoreTimeout == 0 {
		cfg.Limits.StoreTimeout = 5 * time.Second
	}
	if cfg.Limits.RequestsPerMinute == 0 {
		cfg.Limits.RequestsPerMinute = 600
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Limits.RequestsPerMinute < 0 {
		return fmt.Errorf("limits.requests_per_minute must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Limits.StoreTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Limits.StoreTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing store_timeout %q: %w", cfg.Limits.StoreTimeoutRaw, err)
		}
		cfg.Limits.StoreTimeout = d
	}

	return nil
}
