// Package config provides configuration management for the orchestration core.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestration core.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Persistence  PersistenceConfig  `mapstructure:"persistence"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Events       EventsConfig       `mapstructure:"events"`
	Session      SessionDefaults    `mapstructure:"session"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds the optional HTTP reference adapter's configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// PersistenceConfig holds persistence layer configuration.
type PersistenceConfig struct {
	Driver   string `mapstructure:"driver"` // "file", "sqlite", or "postgres"
	Root     string `mapstructure:"root"`   // root directory for the "file" driver
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
	Compress bool   `mapstructure:"compress"` // zstd-compress context/output.tail snapshot files
}

// NATSConfig holds configuration for the optional NATS-backed Coordination Bus transport.
type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty means use the in-memory bus only
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event/monitor namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// SessionDefaults holds the defaults applied to SessionConfig when a field is unset.
type SessionDefaults struct {
	PtyRows           int     `mapstructure:"ptyRows"`
	PtyCols           int     `mapstructure:"ptyCols"`
	OutputBufferBytes int64   `mapstructure:"outputBufferBytes"`
	MaxTokens         int     `mapstructure:"maxTokens"`
	CompressionRatio  float64 `mapstructure:"compressionThreshold"`
	IdleTimeout       int     `mapstructure:"idleTimeoutSeconds"`
	Shell             string  `mapstructure:"shell"`
}

// OrchestratorConfig holds orchestrator concurrency and pooling defaults.
type OrchestratorConfig struct {
	MaxConcurrent   int           `mapstructure:"maxConcurrent"` // semaphore capacity; 0 = number of logical CPUs
	PerRoleMax      int           `mapstructure:"perRoleMax"`
	IdleSessionTTL  time.Duration `mapstructure:"idleSessionTtl"`
	RetryLimit      int           `mapstructure:"retryLimit"`
	RetryDelay      time.Duration `mapstructure:"retryDelay"`
	DefaultRole     string        `mapstructure:"defaultRole"`
	ProcessInterval time.Duration `mapstructure:"processInterval"`
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

// detectDefaultLogFormat returns "json" under container orchestration, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FLEETCTL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("persistence.driver", "file")
	v.SetDefault("persistence.root", "./.fleetctl/sessions")
	v.SetDefault("persistence.path", "./fleetctl.db")
	v.SetDefault("persistence.host", "localhost")
	v.SetDefault("persistence.port", 5432)
	v.SetDefault("persistence.user", "fleetctl")
	v.SetDefault("persistence.dbName", "fleetctl")
	v.SetDefault("persistence.sslMode", "disable")
	v.SetDefault("persistence.maxConns", 25)
	v.SetDefault("persistence.minConns", 5)
	v.SetDefault("persistence.compress", false)

	// Empty URL means use the in-memory Coordination Bus transport only.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "fleetctl-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("session.ptyRows", 24)
	v.SetDefault("session.ptyCols", 80)
	v.SetDefault("session.outputBufferBytes", 4*1024*1024)
	v.SetDefault("session.maxTokens", 100000)
	v.SetDefault("session.compressionThreshold", 0.8)
	v.SetDefault("session.idleTimeoutSeconds", 5)
	v.SetDefault("session.shell", "")

	v.SetDefault("orchestrator.maxConcurrent", 0)
	v.SetDefault("orchestrator.perRoleMax", 4)
	v.SetDefault("orchestrator.idleSessionTtl", 10*time.Minute)
	v.SetDefault("orchestrator.retryLimit", 3)
	v.SetDefault("orchestrator.retryDelay", 30*time.Second)
	v.SetDefault("orchestrator.defaultRole", "generic")
	v.SetDefault("orchestrator.processInterval", 2*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FLEETCTL_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLEETCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleetctl/")

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

// validate checks that configuration fields carry sane values.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Persistence.Driver == "postgres" {
		if cfg.Persistence.Port <= 0 || cfg.Persistence.Port > 65535 {
			errs = append(errs, "persistence.port must be between 1 and 65535")
		}
		if cfg.Persistence.DBName == "" {
			errs = append(errs, "persistence.dbName is required for the postgres driver")
		}
	}

	if cfg.Session.CompressionRatio <= 0 || cfg.Session.CompressionRatio > 1 {
		errs = append(errs, "session.compressionThreshold must be in (0,1]")
	}

	if cfg.Orchestrator.MaxConcurrent < 0 {
		errs = append(errs, "orchestrator.maxConcurrent must be >= 0")
	}

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

// DSN returns the PostgreSQL connection string for the persistence layer.
func (p *PersistenceConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}
