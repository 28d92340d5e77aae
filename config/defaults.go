package config

import (
	"strings"
	"time"
)

// Default values. The lock and depth defaults match the library's own.
const (
	DefaultLockTimeout      = 60 * time.Second
	DefaultLockPollInterval = 500 * time.Millisecond
	DefaultMaxDepth         = 10
	DefaultRmdirWorkers     = 4
	DefaultTarget           = "local"
)

func defaultValues() map[string]any {
	return map[string]any{
		"logging.level":            "INFO",
		"logging.format":           "text",
		"logging.output":           "stderr",
		"lock.timeout":             DefaultLockTimeout,
		"lock.poll_interval":       DefaultLockPollInterval,
		"localize.max_depth":       DefaultMaxDepth,
		"localize.default_target":  DefaultTarget,
		"transfer.bandwidth_limit": 0,
		"transfer.temp_dir":        "",
		"transfer.staged":          false,
		"hash_cache.type":          "none",
		"hash_cache.path":          "",
		"rmdir.workers":            DefaultRmdirWorkers,
	}
}

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if cfg.Lock.Timeout == 0 {
		cfg.Lock.Timeout = DefaultLockTimeout
	}
	if cfg.Lock.PollInterval == 0 {
		cfg.Lock.PollInterval = DefaultLockPollInterval
	}
	if cfg.Localize.MaxDepth == 0 {
		cfg.Localize.MaxDepth = DefaultMaxDepth
	}
	if cfg.Localize.DefaultTarget == "" {
		cfg.Localize.DefaultTarget = DefaultTarget
	}
	if cfg.HashCache.Type == "" {
		cfg.HashCache.Type = "none"
	}
	cfg.HashCache.Type = strings.ToLower(cfg.HashCache.Type)
	if cfg.Rmdir.Workers == 0 {
		cfg.Rmdir.Workers = DefaultRmdirWorkers
	}

	for _, b := range []*BackendConfig{
		&cfg.Backends.Local,
		&cfg.Backends.Memory,
		&cfg.Backends.S3,
		&cfg.Backends.SFTP,
		&cfg.Backends.HTTP,
	} {
		if b.Options == nil {
			b.Options = make(map[string]any)
		}
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}
