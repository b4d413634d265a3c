// Package config provides configuration management for dbgnexus.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for dbgnexus.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Driver  DriverConfig  `mapstructure:"driver"`
	Session SessionConfig `mapstructure:"session"`
	Cache   CacheConfig   `mapstructure:"cache"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Extension ExtensionConfig `mapstructure:"extension"`
}

// ServerConfig holds MCP host transport configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DriverConfig holds the configuration for spawning the out-of-process debugger.
type DriverConfig struct {
	// Executable is the debugger binary (e.g. cdb.exe, windbg.exe).
	Executable string `mapstructure:"executable"`
	// ExtraArgs is a shell-style argument string parsed with shlex and placed
	// before the symbol-path and per-session dump/attach target arguments.
	ExtraArgs string `mapstructure:"extraArgs"`
	// PromptSentinel is the literal string the driver scans for to know the
	// child has finished emitting output for a command.
	PromptSentinel string `mapstructure:"promptSentinel"`
	// IdleReadTimeoutSeconds bounds how long Execute waits between successive
	// lines of output before treating the child as unresponsive, independent
	// of the overall per-command-class timeout enforced by the caller.
	IdleReadTimeoutSeconds int `mapstructure:"idleReadTimeoutSeconds"`
	// BreakSequence is written to the child's stdin when a command's context
	// is cancelled or times out, asking the debugger to interrupt whatever
	// it is doing and return to its prompt.
	BreakSequence string `mapstructure:"breakSequence"`
	// BreakWaitSeconds bounds how long Execute waits for the prompt sentinel
	// to reappear after writing BreakSequence before giving up on a clean
	// interrupt and leaving recovery to the session's health sweep.
	BreakWaitSeconds int `mapstructure:"breakWaitSeconds"`
	// StopGraceSeconds is how long Stop waits for a clean child exit before
	// force-killing the process.
	StopGraceSeconds int `mapstructure:"stopGraceSeconds"`
}

func (d *DriverConfig) StopGrace() time.Duration {
	return time.Duration(d.StopGraceSeconds) * time.Second
}

func (d *DriverConfig) IdleReadTimeout() time.Duration {
	return time.Duration(d.IdleReadTimeoutSeconds) * time.Second
}

func (d *DriverConfig) BreakWait() time.Duration {
	return time.Duration(d.BreakWaitSeconds) * time.Second
}

// SessionConfig controls session lifecycle and capacity limits.
type SessionConfig struct {
	MaxSessions          int `mapstructure:"maxSessions"`
	IdleTimeoutMinutes   int `mapstructure:"idleTimeoutMinutes"`
	HealthSweepSeconds   int `mapstructure:"healthSweepSeconds"`
	MaxQueueDepth        int `mapstructure:"maxQueueDepth"`
}

func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

func (s *SessionConfig) HealthSweepInterval() time.Duration {
	return time.Duration(s.HealthSweepSeconds) * time.Second
}

// CacheConfig bounds the per-session result cache.
type CacheConfig struct {
	MaxEntries int `mapstructure:"maxEntries"`
	MaxBytes   int `mapstructure:"maxBytes"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// ExtensionConfig gates the enqueue-extension tool: the subsystem can be
// disabled entirely, or scoped to a fixed allowlist of extension names a
// deployment is known to have available (SOS, gchandles, custom DLL
// exports). An empty AllowedNames means any extension name is accepted.
type ExtensionConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	AllowedNames []string `mapstructure:"allowedNames"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DBGNEXUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8991)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Driver defaults
	v.SetDefault("driver.executable", "cdb.exe")
	v.SetDefault("driver.extraArgs", "-lines -notlsave")
	v.SetDefault("driver.promptSentinel", "0:000>")
	v.SetDefault("driver.idleReadTimeoutSeconds", 30)
	v.SetDefault("driver.breakSequence", "Ctrl-Break")
	v.SetDefault("driver.breakWaitSeconds", 5)
	v.SetDefault("driver.stopGraceSeconds", 5)

	// Session defaults
	v.SetDefault("session.maxSessions", 16)
	v.SetDefault("session.idleTimeoutMinutes", 30)
	v.SetDefault("session.healthSweepSeconds", 15)
	v.SetDefault("session.maxQueueDepth", 256)

	// Cache defaults
	v.SetDefault("cache.maxEntries", 500)
	v.SetDefault("cache.maxBytes", 64*1024*1024)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "dbgnexus-cluster")
	v.SetDefault("nats.clientId", "dbgnexus-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Extension defaults - enabled with no allowlist restriction
	v.SetDefault("extension.enabled", true)
	v.SetDefault("extension.allowedNames", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMB", 0)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 14)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DBGNEXUS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/dbgnexus/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DBGNEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("driver.executable", "DBGNEXUS_DRIVER_EXECUTABLE")
	_ = v.BindEnv("session.maxSessions", "DBGNEXUS_SESSION_MAX_SESSIONS")
	_ = v.BindEnv("logging.level", "DBGNEXUS_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "DBGNEXUS_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dbgnexus/")

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

	if cfg.Driver.Executable == "" {
		errs = append(errs, "driver.executable is required")
	}
	if cfg.Driver.PromptSentinel == "" {
		errs = append(errs, "driver.promptSentinel is required")
	}
	if cfg.Driver.IdleReadTimeoutSeconds <= 0 {
		errs = append(errs, "driver.idleReadTimeoutSeconds must be positive")
	}
	if cfg.Driver.BreakSequence == "" {
		errs = append(errs, "driver.breakSequence is required")
	}
	if cfg.Driver.BreakWaitSeconds <= 0 {
		errs = append(errs, "driver.breakWaitSeconds must be positive")
	}

	if cfg.Session.MaxSessions <= 0 {
		errs = append(errs, "session.maxSessions must be positive")
	}
	if cfg.Session.MaxQueueDepth <= 0 {
		errs = append(errs, "session.maxQueueDepth must be positive")
	}

	if cfg.Cache.MaxEntries <= 0 {
		errs = append(errs, "cache.maxEntries must be positive")
	}
	if cfg.Cache.MaxBytes <= 0 {
		errs = append(errs, "cache.maxBytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
