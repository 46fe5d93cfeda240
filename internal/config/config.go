// Package config handles configuration loading and management for omerows.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "60s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// HTTPConfig holds transport settings.
type HTTPConfig struct {
	// Timeout bounds every HTTP request (default: 30s)
	Timeout Duration `yaml:"timeout"`
}

// KeepAliveConfig holds session heartbeat settings.
type KeepAliveConfig struct {
	// Interval is the delay between heartbeats, and before the first one
	// (default: 60s)
	Interval Duration `yaml:"interval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string `yaml:"level"`
	// File is an optional rotating log file path
	File string `yaml:"file"`
	// MaxSizeMB is the log file size limit before rotation
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep
	MaxBackups int `yaml:"max_backups"`
	// Compress enables compression of rotated files
	Compress bool `yaml:"compress"`
	// JSON switches output to JSON format
	JSON bool `yaml:"json"`
}

// Config represents the complete omerows configuration.
type Config struct {
	// Server is the default OMERO server address (scheme://host[:port])
	Server    string          `yaml:"server"`
	HTTP      HTTPConfig      `yaml:"http"`
	KeepAlive KeepAliveConfig `yaml:"keep_alive"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP:      HTTPConfig{Timeout: Duration(30 * time.Second)},
		KeepAlive: KeepAliveConfig{Interval: Duration(60 * time.Second)},
		Log:       LogConfig{Level: "info"},
	}
}

// DefaultConfigPath returns the default configuration file path for the
// current platform. The OMEROWSRC environment variable overrides it.
func DefaultConfigPath() string {
	if envPath := os.Getenv("OMEROWSRC"); envPath != "" {
		return envPath
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		configDir = home
	default: // linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = xdgConfig
		} else {
			home, _ := os.UserHomeDir()
			configDir = home
		}
	}

	return filepath.Join(configDir, ".omerowsrc")
}

// Load reads and parses the configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault loads the configuration from path, falling back to the
// built-in defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Parse parses YAML configuration data, filling unset fields with defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive, got %s", c.HTTP.Timeout.Std())
	}
	if c.KeepAlive.Interval <= 0 {
		return fmt.Errorf("keep_alive.interval must be positive, got %s", c.KeepAlive.Interval.Std())
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}
