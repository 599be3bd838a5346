// Package config provides configuration management for RuleForge.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all RuleForge configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	MITRE      MITREConfig      `yaml:"mitre"`
	Validation ValidationConfig `yaml:"validation"`
	Repos      ReposConfig      `yaml:"repositories"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// MITREConfig holds ATT&CK bundle retrieval settings.
type MITREConfig struct {
	BundleURL     string        `yaml:"bundle_url"`
	Timeout       time.Duration `yaml:"timeout"`
	UserAgent     string        `yaml:"user_agent"`
	LoadOnStartup bool          `yaml:"load_on_startup"`
}

// ValidationConfig holds detection rule validation settings.
type ValidationConfig struct {
	FileEnv     string `yaml:"file_env"`     // env var naming the default rule file
	DefaultFile string `yaml:"default_file"` // used when FileEnv is unset
	RulesPath   string `yaml:"rules_path"`   // rules_dir for repositories that set none
	Workers     int    `yaml:"workers"`
}

// ReposConfig lists git repositories of detection rules.
type ReposConfig struct {
	Enabled       bool             `yaml:"enabled"`
	BasePath      string           `yaml:"base_path"`
	SyncOnStartup bool             `yaml:"sync_on_startup"`
	Repositories  []RuleRepoConfig `yaml:"repos"`
}

// RuleRepoConfig describes one rule repository.
type RuleRepoConfig struct {
	Name      string `yaml:"name"`
	RemoteURL string `yaml:"remote_url"`
	Branch    string `yaml:"branch"`
	Depth     int    `yaml:"depth"`
	RulesDir  string `yaml:"rules_dir"`
}

// RateLimitConfig holds API rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool           `yaml:"enabled"`
	RequestsPerMinute int            `yaml:"requests_per_minute"`
	RouteCosts        map[string]int `yaml:"route_costs"` // "METHOD:/path" -> cost multiplier
	IncludeHeaders    bool           `yaml:"include_headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  45 * time.Second,
			MaxBodyBytes:    1024 * 1024,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 24 * time.Hour,
		},
		MITRE: MITREConfig{
			BundleURL:     "https://raw.githubusercontent.com/mitre/cti/master/enterprise-attack/enterprise-attack.json",
			Timeout:       30 * time.Second,
			UserAgent:     "RuleForge/1.0",
			LoadOnStartup: true,
		},
		Validation: ValidationConfig{
			FileEnv:     "ALERT_TOML_FILE",
			DefaultFile: "alert_example.toml",
			RulesPath:   "rules",
			Workers:     4,
		},
		Repos: ReposConfig{
			Enabled:  false,
			BasePath: "repositories",
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
			RouteCosts: map[string]int{
				"POST:/api/v1/catalog/reload": 30,
				"POST:/api/v1/rules/validate": 2,
			},
			IncludeHeaders: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "ruleforge",
			Environment:    "development",
			MetricsEnabled: true,
			TracingEnabled: false,
			SamplingRate:   0.1,
		},
	}
}

// Validate checks settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	u, err := url.Parse(c.MITRE.BundleURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid mitre bundle_url: %q", c.MITRE.BundleURL)
	}
	if c.Validation.Workers <= 0 {
		return fmt.Errorf("validation workers must be positive, got %d", c.Validation.Workers)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	if c.Repos.Enabled && c.Repos.BasePath == "" {
		return fmt.Errorf("repositories base_path is required when repositories are enabled")
	}
	seen := make(map[string]bool)
	for _, r := range c.Repos.Repositories {
		if r.Name == "" || r.RemoteURL == "" {
			return fmt.Errorf("repository entries need name and remote_url")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate repository name: %s", r.Name)
		}
		seen[r.Name] = true
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry sampling_rate must be within [0,1], got %v", c.Telemetry.SamplingRate)
	}
	return nil
}

// RuleFile resolves the rule file to validate: explicit path, then the
// configured environment variable, then the default file name.
func (c *Config) RuleFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if c.Validation.FileEnv != "" {
		if v := os.Getenv(c.Validation.FileEnv); v != "" {
			return v
		}
	}
	return c.Validation.DefaultFile
}

// RulesDir returns the rule directory inside repo's checkout, falling back to
// validation.rules_path.
func (c *Config) RulesDir(repo RuleRepoConfig) string {
	if repo.RulesDir != "" {
		return repo.RulesDir
	}
	return c.Validation.RulesPath
}
