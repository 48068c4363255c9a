// Package config provides configuration management for the coderelay hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Security   SecurityConfig   `mapstructure:"security"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Workspaces WorkspacesConfig `mapstructure:"workspaces"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds storage backend configuration.
// Driver selects the backend: "sqlite" (default), "postgres", or "memory".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`

	// SQLite
	Path string `mapstructure:"path"`

	// PostgreSQL
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
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SecurityConfig holds credential encryption and client auth configuration.
type SecurityConfig struct {
	// EncryptionKeyFile is the path of the 32-byte master key used for
	// repository credential encryption. Generated on first boot if absent.
	EncryptionKeyFile string `mapstructure:"encryptionKeyFile"`

	// ClientTokens maps bearer tokens to user ids for the browser channel.
	// When empty the hub runs in dev mode: any non-empty token is accepted
	// and doubles as the user id.
	ClientTokens map[string]string `mapstructure:"clientTokens"`
}

// AgentsConfig holds agent registry tuning.
type AgentsConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // in seconds
	OfflineGrace      int `mapstructure:"offlineGrace"`      // in seconds
	DefaultMaxWorkers int `mapstructure:"defaultMaxWorkers"`
}

// WorkspacesConfig holds workspace allocation configuration.
type WorkspacesConfig struct {
	Root string `mapstructure:"root"`
}

// RepositoryConfig holds repository probe tuning.
type RepositoryConfig struct {
	ConnectionTimeoutMs int `mapstructure:"connectionTimeoutMs"`
	RetryCount          int `mapstructure:"retryCount"`
	BranchCacheTTL      int `mapstructure:"branchCacheTtl"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the agent heartbeat interval as a time.Duration.
func (a *AgentsConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(a.HeartbeatInterval) * time.Second
}

// OfflineGraceDuration returns the agent offline grace as a time.Duration.
func (a *AgentsConfig) OfflineGraceDuration() time.Duration {
	return time.Duration(a.OfflineGrace) * time.Second
}

// ConnectionTimeout returns the per-probe timeout as a time.Duration.
func (r *RepositoryConfig) ConnectionTimeout() time.Duration {
	return time.Duration(r.ConnectionTimeoutMs) * time.Millisecond
}

// BranchCacheTTLDuration returns the branch cache TTL as a time.Duration.
func (r *RepositoryConfig) BranchCacheTTLDuration() time.Duration {
	return time.Duration(r.BranchCacheTTL) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("CODERELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/coderelay.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "coderelay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "coderelay")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "coderelay-hub")
	v.SetDefault("nats.maxReconnects", 10)

	// Security defaults
	v.SetDefault("security.encryptionKeyFile", "data/master.key")
	v.SetDefault("security.clientTokens", map[string]string{})

	// Agent registry defaults
	v.SetDefault("agents.heartbeatInterval", 15)
	v.SetDefault("agents.offlineGrace", 30)
	v.SetDefault("agents.defaultMaxWorkers", 2)

	// Workspace defaults
	v.SetDefault("workspaces.root", "workspaces")

	// Repository probe defaults
	v.SetDefault("repository.connectionTimeoutMs", 10000)
	v.SetDefault("repository.retryCount", 3)
	v.SetDefault("repository.branchCacheTtl", 3600)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODERELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/coderelay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CODERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("security.encryptionKeyFile", "CODERELAY_SECURITY_ENCRYPTION_KEY_FILE")
	_ = v.BindEnv("repository.connectionTimeoutMs", "CODERELAY_REPOSITORY_CONNECTION_TIMEOUT_MS")
	_ = v.BindEnv("repository.branchCacheTtl", "CODERELAY_REPOSITORY_BRANCH_CACHE_TTL")
	_ = v.BindEnv("agents.heartbeatInterval", "CODERELAY_AGENTS_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("agents.offlineGrace", "CODERELAY_AGENTS_OFFLINE_GRACE")
	_ = v.BindEnv("agents.defaultMaxWorkers", "CODERELAY_AGENTS_DEFAULT_MAX_WORKERS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coderelay/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	case "memory":
		// No validation needed - volatile store for development and tests
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres, memory")
	}

	// Security validation
	if cfg.Security.EncryptionKeyFile == "" {
		errs = append(errs, "security.encryptionKeyFile is required")
	}

	// Agent registry validation
	if cfg.Agents.HeartbeatInterval <= 0 {
		errs = append(errs, "agents.heartbeatInterval must be positive")
	}
	if cfg.Agents.OfflineGrace <= 0 {
		errs = append(errs, "agents.offlineGrace must be positive")
	}
	if cfg.Agents.DefaultMaxWorkers <= 0 {
		errs = append(errs, "agents.defaultMaxWorkers must be positive")
	}

	// Repository probe validation
	if cfg.Repository.ConnectionTimeoutMs <= 0 {
		errs = append(errs, "repository.connectionTimeoutMs must be positive")
	}
	if cfg.Repository.RetryCount <= 0 {
		errs = append(errs, "repository.retryCount must be positive")
	}
	if cfg.Repository.BranchCacheTTL <= 0 {
		errs = append(errs, "repository.branchCacheTtl must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
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
