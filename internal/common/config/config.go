// Package config provides configuration management for OpenClaw.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for OpenClaw.
type Config struct {
	Server     ServerConfig          `mapstructure:"server"`
	Database   DatabaseConfig        `mapstructure:"database"`
	NATS       NATSConfig            `mapstructure:"nats"`
	Logging    LoggingConfig         `mapstructure:"logging"`
	Dispatcher DispatcherConfig      `mapstructure:"dispatcher"`
	HumanLoop  HumanLoopConfig       `mapstructure:"humanLoop"`
	Merge      MergeConfig           `mapstructure:"merge"`
	Budgets    BudgetsConfig         `mapstructure:"budgets"`
	Prices     map[string]ModelPrice `mapstructure:"prices"`
	Branching  BranchingConfig       `mapstructure:"branching"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// Database driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite" uses Path, "postgres" uses the
// host/port/user fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // SQLite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DispatcherConfig bounds the dispatcher's concurrency and cadence.
type DispatcherConfig struct {
	MaxConcurrentTurns          int `mapstructure:"maxConcurrentTurns"`
	FallbackPollIntervalSeconds int `mapstructure:"fallbackPollIntervalSeconds"`
	TurnTimeoutSeconds          int `mapstructure:"turnTimeoutSeconds"`
	ShutdownGraceSeconds        int `mapstructure:"shutdownGraceSeconds"`
}

// HumanLoopConfig controls human-request expiry scanning.
type HumanLoopConfig struct {
	ExpiryPollIntervalSeconds int `mapstructure:"expiryPollIntervalSeconds"`
}

// MergeConfig bounds merge job execution.
type MergeConfig struct {
	JobTimeoutSeconds int `mapstructure:"jobTimeoutSeconds"`
}

// BudgetsConfig holds default budget caps in currency units.
// Zero means unlimited; per-team settings override these.
type BudgetsConfig struct {
	TeamDailyCap float64 `mapstructure:"teamDailyCap"`
	PerTaskCap   float64 `mapstructure:"perTaskCap"`
}

// ModelPrice is the price schedule for one model, in currency per million
// tokens.
type ModelPrice struct {
	Input      float64 `mapstructure:"input"`
	Output     float64 `mapstructure:"output"`
	CacheRead  float64 `mapstructure:"cacheRead"`
	CacheWrite float64 `mapstructure:"cacheWrite"`
}

// BranchingConfig controls task branch-name derivation.
type BranchingConfig struct {
	Prefix        string `mapstructure:"prefix"`
	SlugMaxLength int    `mapstructure:"slugMaxLength"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// FallbackPollInterval returns the fallback poll cadence as a time.Duration.
func (d *DispatcherConfig) FallbackPollInterval() time.Duration {
	return time.Duration(d.FallbackPollIntervalSeconds) * time.Second
}

// TurnTimeout returns the per-turn timeout as a time.Duration.
func (d *DispatcherConfig) TurnTimeout() time.Duration {
	return time.Duration(d.TurnTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the shutdown grace period as a time.Duration.
func (d *DispatcherConfig) ShutdownGrace() time.Duration {
	return time.Duration(d.ShutdownGraceSeconds) * time.Second
}

// ExpiryPollInterval returns the expiry scan cadence as a time.Duration.
func (h *HumanLoopConfig) ExpiryPollInterval() time.Duration {
	return time.Duration(h.ExpiryPollIntervalSeconds) * time.Second
}

// JobTimeout returns the merge job timeout as a time.Duration.
func (m *MergeConfig) JobTimeout() time.Duration {
	return time.Duration(m.JobTimeoutSeconds) * time.Second
}

// TeamDailyCapMicros returns the default daily cap in micro-units.
func (b *BudgetsConfig) TeamDailyCapMicros() int64 {
	return toMicros(b.TeamDailyCap)
}

// PerTaskCapMicros returns the default per-task cap in micro-units.
func (b *BudgetsConfig) PerTaskCapMicros() int64 {
	return toMicros(b.PerTaskCap)
}

func toMicros(v float64) int64 {
	return int64(math.Round(v * 1_000_000))
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OPENCLAW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - SQLite file unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "openclaw.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "openclaw")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "openclaw")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "openclaw-cluster")
	v.SetDefault("nats.clientId", "openclaw-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Dispatcher defaults
	v.SetDefault("dispatcher.maxConcurrentTurns", 32)
	v.SetDefault("dispatcher.fallbackPollIntervalSeconds", 30)
	v.SetDefault("dispatcher.turnTimeoutSeconds", 3600)
	v.SetDefault("dispatcher.shutdownGraceSeconds", 30)

	// Human-loop defaults
	v.SetDefault("humanLoop.expiryPollIntervalSeconds", 60)

	// Merge worker defaults
	v.SetDefault("merge.jobTimeoutSeconds", 600)

	// Budget defaults - zero means unlimited
	v.SetDefault("budgets.teamDailyCap", 0.0)
	v.SetDefault("budgets.perTaskCap", 0.0)

	// Price schedule defaults, currency per million tokens
	v.SetDefault("prices.claude-sonnet-4-20250514.input", 3.0)
	v.SetDefault("prices.claude-sonnet-4-20250514.output", 15.0)
	v.SetDefault("prices.claude-sonnet-4-20250514.cacheRead", 0.3)
	v.SetDefault("prices.claude-sonnet-4-20250514.cacheWrite", 3.75)
	v.SetDefault("prices.claude-opus-4-20250514.input", 15.0)
	v.SetDefault("prices.claude-opus-4-20250514.output", 75.0)
	v.SetDefault("prices.claude-opus-4-20250514.cacheRead", 1.5)
	v.SetDefault("prices.claude-opus-4-20250514.cacheWrite", 18.75)
	v.SetDefault("prices.claude-haiku-3-20250414.input", 0.25)
	v.SetDefault("prices.claude-haiku-3-20250414.output", 1.25)
	v.SetDefault("prices.claude-haiku-3-20250414.cacheRead", 0.03)
	v.SetDefault("prices.claude-haiku-3-20250414.cacheWrite", 0.30)

	// Branching defaults
	v.SetDefault("branching.prefix", "")
	v.SetDefault("branching.slugMaxLength", 50)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPENCLAW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/openclaw/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("OPENCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/openclaw/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case DriverSQLite:
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite or postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Dispatcher.MaxConcurrentTurns <= 0 {
		errs = append(errs, "dispatcher.maxConcurrentTurns must be positive")
	}
	if cfg.Dispatcher.FallbackPollIntervalSeconds <= 0 {
		errs = append(errs, "dispatcher.fallbackPollIntervalSeconds must be positive")
	}
	if cfg.Dispatcher.TurnTimeoutSeconds <= 0 {
		errs = append(errs, "dispatcher.turnTimeoutSeconds must be positive")
	}
	if cfg.HumanLoop.ExpiryPollIntervalSeconds <= 0 {
		errs = append(errs, "humanLoop.expiryPollIntervalSeconds must be positive")
	}
	if cfg.Merge.JobTimeoutSeconds <= 0 {
		errs = append(errs, "merge.jobTimeoutSeconds must be positive")
	}
	if cfg.Budgets.TeamDailyCap < 0 || cfg.Budgets.PerTaskCap < 0 {
		errs = append(errs, "budget caps must be non-negative")
	}
	if cfg.Branching.SlugMaxLength <= 0 {
		errs = append(errs, "branching.slugMaxLength must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
