// Package config provides centralized configuration management for sandboxd.
//
// Configuration can be loaded from:
// - TOML configuration file (default: /etc/sandboxd/config.toml)
// - Environment variables (prefixed with SANDBOX_)
//
// Configuration is organized into sections matching the domain components:
// - Sandbox: execution coordinator settings
// - Jail: nsjail invocation settings
// - Server: HTTP API settings
// - Metrics: metrics endpoint settings
// - Log: logging settings
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Duration wraps time.Duration so TOML values like "30s" decode directly.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all configuration for the sandboxd service.
type Config struct {
	// Sandbox configuration
	Sandbox SandboxConfig `toml:"sandbox"`

	// Jail configuration
	Jail JailConfig `toml:"jail"`

	// HTTP server configuration
	Server ServerConfig `toml:"server"`

	// Metrics configuration
	Metrics MetricsConfig `toml:"metrics"`

	// Logging configuration
	Log LogConfig `toml:"log"`
}

// SandboxConfig holds execution coordinator settings.
type SandboxConfig struct {
	// BaseDir is the writable base directory for ephemeral workspaces.
	// Each execution owns a disjoint subtree keyed by session id.
	BaseDir string `toml:"base_dir"`

	// MaxConcurrent caps the number of in-flight executions.
	MaxConcurrent int `toml:"max_concurrent"`
}

// JailConfig holds nsjail invocation settings.
type JailConfig struct {
	// Binary is the confined-execution binary, resolved on PATH if relative.
	Binary string `toml:"binary"`

	// RootfsPath is the minimal base filesystem the child is chrooted into.
	// Overridable via SANDBOX_ROOTFS.
	RootfsPath string `toml:"rootfs_path"`

	// Shell is the interpreter invoked with -c <entrypoint> inside the jail.
	Shell string `toml:"shell"`

	// MountPoint is the in-jail path the work directory is mounted at.
	MountPoint string `toml:"mount_point"`

	// UID is the unprivileged user the child runs as.
	UID int `toml:"uid"`

	// GID is the unprivileged group the child runs as.
	GID int `toml:"gid"`

	// WaitSlack is added to the jail's own time limit to form the outer
	// supervisor bound. The jail is expected to enforce its limit first.
	WaitSlack Duration `toml:"wait_slack"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	// Address is the listen address for the API server.
	Address string `toml:"address"`

	// ShutdownTimeout is how long to wait for graceful shutdown.
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled controls whether the /metrics endpoint is served.
	Enabled bool `toml:"enabled"`

	// Path is the HTTP path for the metrics endpoint.
	Path string `toml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `toml:"level"`

	// Format is the log format: text, json.
	Format string `toml:"format"`

	// File is the optional log file path.
	File string `toml:"file"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			BaseDir:       "/tmp/sandbox",
			MaxConcurrent: 10,
		},
		Jail: JailConfig{
			Binary:     "nsjail",
			RootfsPath: "/opt/sandbox-rootfs",
			Shell:      "/bin/bash",
			MountPoint: "/app",
			UID:        9999,
			GID:        9999,
			WaitSlack:  Duration{2 * time.Second},
		},
		Server: ServerConfig{
			Address:         ":8000",
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file, starting from defaults.
// A missing file returns the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables are prefixed with SANDBOX_ and use underscores.
// Example: SANDBOX_MAX_CONCURRENT=20
//
// SANDBOX_ROOTFS is read once here; the jail treats it as immutable for the
// lifetime of the process.
func LoadFromEnv(cfg *Config) {
	// Sandbox
	loadEnvString(&cfg.Sandbox.BaseDir, "SANDBOX_BASE_DIR")
	loadEnvInt(&cfg.Sandbox.MaxConcurrent, "SANDBOX_MAX_CONCURRENT")

	// Jail
	loadEnvString(&cfg.Jail.Binary, "SANDBOX_JAIL_BINARY")
	loadEnvString(&cfg.Jail.RootfsPath, "SANDBOX_ROOTFS")
	loadEnvString(&cfg.Jail.Shell, "SANDBOX_SHELL")
	loadEnvInt(&cfg.Jail.UID, "SANDBOX_UID")
	loadEnvInt(&cfg.Jail.GID, "SANDBOX_GID")

	// Server
	loadEnvString(&cfg.Server.Address, "SANDBOX_LISTEN_ADDRESS")
	loadEnvDuration(&cfg.Server.ShutdownTimeout, "SANDBOX_SHUTDOWN_TIMEOUT")

	// Metrics
	loadEnvBool(&cfg.Metrics.Enabled, "SANDBOX_METRICS_ENABLED")

	// Logging
	loadEnvString(&cfg.Log.Level, "SANDBOX_LOG_LEVEL")
	loadEnvString(&cfg.Log.Format, "SANDBOX_LOG_FORMAT")
}

// Load combines file and environment sources: defaults, then the file at
// path (if any), then environment overrides.
func Load(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	LoadFromEnv(cfg)
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.Sandbox.MaxConcurrent)
	}

	if c.Sandbox.BaseDir == "" {
		return fmt.Errorf("sandbox base_dir must not be empty")
	}

	if c.Jail.Binary == "" {
		return fmt.Errorf("jail binary must not be empty")
	}

	if !filepath.IsAbs(c.Jail.MountPoint) {
		return fmt.Errorf("jail mount_point must be absolute, got %q", c.Jail.MountPoint)
	}

	if c.Jail.UID < 0 || c.Jail.UID > 65534 {
		return fmt.Errorf("invalid jail uid: %d", c.Jail.UID)
	}
	if c.Jail.GID < 0 || c.Jail.GID > 65534 {
		return fmt.Errorf("invalid jail gid: %d", c.Jail.GID)
	}

	if c.Jail.WaitSlack.Duration <= 0 {
		return fmt.Errorf("jail wait_slack must be positive, got %s", c.Jail.WaitSlack)
	}

	// Validate log level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// ApplyToLogger applies logging configuration.
func (c *Config) ApplyToLogger(log *logrus.Logger) {
	// Set level
	switch c.Log.Level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	// Set format
	switch c.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	// Set output file if specified
	if c.Log.File != "" {
		dir := filepath.Dir(c.Log.File)
		if err := os.MkdirAll(dir, 0755); err == nil {
			if f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				log.SetOutput(f)
			}
		}
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func loadEnvString(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func loadEnvBool(target *bool, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val == "true" || val == "1" || val == "yes"
	}
}

func loadEnvInt(target *int, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*target = i
		}
	}
}

func loadEnvDuration(target *Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			target.Duration = d
		}
	}
}
