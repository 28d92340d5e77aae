// Package config loads omniuri settings from a YAML file and OMNIURI_*
// environment variables.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (OMNIURI_*, e.g. OMNIURI_LOCK_TIMEOUT=2m)
//  2. Configuration file
//  3. Default values
//
// Backend sections carry a free-form options map that the backend's own
// config type decodes, so backend settings stay owned by the backend
// packages.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete omniuri configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Lock sets the default lock timeout and poll interval
	Lock LockConfig `mapstructure:"lock"`

	// Localize bounds recursive localization
	Localize LocalizeConfig `mapstructure:"localize"`

	// Transfer tunes cross-backend copies
	Transfer TransferConfig `mapstructure:"transfer"`

	// HashCache selects the MD5 cache used by the metadata oracle
	HashCache HashCacheConfig `mapstructure:"hash_cache"`

	// Rmdir sizes the deletion worker pool
	Rmdir RmdirConfig `mapstructure:"rmdir"`

	// Backends lists per-backend settings
	Backends BackendsConfig `mapstructure:"backends"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// LockConfig holds lock acquisition defaults.
type LockConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// LocalizeConfig bounds recursive localization.
type LocalizeConfig struct {
	// MaxDepth is the recursion ceiling; reaching it is a cycle error
	MaxDepth int `mapstructure:"max_depth" validate:"gte=1"`

	// DefaultTarget is the backend tag used when a call names no target
	DefaultTarget string `mapstructure:"default_target"`
}

// TransferConfig tunes cross-backend copies.
type TransferConfig struct {
	// BandwidthLimit caps streamed transfers in bytes per second; 0 is unlimited
	BandwidthLimit int64 `mapstructure:"bandwidth_limit" validate:"gte=0"`

	// TempDir holds staging files; empty means the OS temp dir
	TempDir string `mapstructure:"temp_dir"`

	// Staged routes pairs without a native transfer through a local
	// temporary file instead of streaming
	Staged bool `mapstructure:"staged"`
}

// HashCacheConfig selects the MD5 cache.
type HashCacheConfig struct {
	// Type is one of none, memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=none memory badger"`

	// Path is the badger directory; required when Type is badger
	Path string `mapstructure:"path" validate:"required_if=Type badger"`
}

// RmdirConfig sizes the deletion worker pool.
type RmdirConfig struct {
	Workers int `mapstructure:"workers" validate:"gte=1,lte=256"`
}

// BackendsConfig holds one section per backend kind.
type BackendsConfig struct {
	Local  BackendConfig `mapstructure:"local"`
	Memory BackendConfig `mapstructure:"memory"`
	S3     BackendConfig `mapstructure:"s3"`
	SFTP   BackendConfig `mapstructure:"sftp"`
	HTTP   BackendConfig `mapstructure:"http"`
}

// BackendConfig is the common shape of a backend section.
type BackendConfig struct {
	// Disabled leaves the backend out of the registry
	Disabled bool `mapstructure:"disabled"`

	// LocPrefix is the localization root for this backend
	LocPrefix string `mapstructure:"loc_prefix"`

	// Options is decoded by the backend's own config type
	Options map[string]any `mapstructure:"options"`
}

// Load loads configuration from file, environment, and defaults.
// A missing config file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: OMNIURI_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("OMNIURI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// env lookups only happen for keys viper knows about
	for key, value := range defaultValues() {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/omniuri, ~/.config/omniuri, or "."
// if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "omniuri")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "omniuri")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
