package sftp

import (
	"errors"
	"os"
	"strconv"
)

// Errors specific to the SFTP backend.
var (
	ErrHostRequired = errors.New("sftp: host is required")
	ErrUserRequired = errors.New("sftp: user is required")
	ErrNoAuth       = errors.New("sftp: no authentication method provided (password or key_file required)")
)

// Config holds configuration for the SFTP backend. A backend serves one
// host; identities look like "sftp://<Host>/absolute/path".
type Config struct {
	// Tag overrides the backend tag. Default: "sftp"
	Tag string

	// Host is the SFTP server hostname or IP address (required).
	Host string

	// Port is the SSH port. Default: 22.
	Port int

	// User is the SSH username (required).
	User string

	// Password is the SSH password.
	// Either Password or KeyFile must be provided.
	Password string

	// KeyFile is the path to an SSH private key file.
	// Either Password or KeyFile must be provided.
	KeyFile string

	// KeyPassphrase is the passphrase for encrypted private keys.
	KeyPassphrase string

	// KnownHostsFile is the path to the known_hosts file.
	// If empty, host key verification is disabled (insecure).
	KnownHostsFile string

	// Timeout is the connection timeout in seconds.
	// Default: 30.
	Timeout int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Tag:     Tag,
		Port:    22,
		Timeout: 30,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// Environment variables:
//   - OMNIURI_SFTP_HOST: server hostname
//   - OMNIURI_SFTP_PORT: SSH port (default: 22)
//   - OMNIURI_SFTP_USER: username
//   - OMNIURI_SFTP_PASSWORD: password
//   - OMNIURI_SFTP_KEY_FILE: path to private key
//   - OMNIURI_SFTP_KEY_PASSPHRASE: passphrase for encrypted key
//   - OMNIURI_SFTP_KNOWN_HOSTS: path to known_hosts file
//   - OMNIURI_SFTP_TIMEOUT: connection timeout in seconds
func ConfigFromEnv() Config {
	return configFrom(func(key string) (string, bool) {
		v := os.Getenv("OMNIURI_SFTP_" + envKeys[key])
		return v, v != ""
	})
}

var envKeys = map[string]string{
	"host":           "HOST",
	"port":           "PORT",
	"user":           "USER",
	"password":       "PASSWORD",
	"key_file":       "KEY_FILE",
	"key_passphrase": "KEY_PASSPHRASE",
	"known_hosts":    "KNOWN_HOSTS",
	"timeout":        "TIMEOUT",
	"tag":            "TAG",
}

// ConfigFromMap creates a Config from a string map.
// Supported keys:
//   - tag: backend tag
//   - host: server hostname (required)
//   - port: SSH port (default: 22)
//   - user: username (required)
//   - pass or password: password
//   - key_file: path to private key
//   - key_passphrase: passphrase for encrypted key
//   - known_hosts: path to known_hosts file
//   - timeout: connection timeout in seconds
func ConfigFromMap(m map[string]string) Config {
	return configFrom(func(key string) (string, bool) {
		v, ok := m[key]
		if !ok && key == "password" {
			v, ok = m["pass"]
		}
		return v, ok
	})
}

func configFrom(get func(key string) (string, bool)) Config {
	config := DefaultConfig()

	if v, ok := get("tag"); ok && v != "" {
		config.Tag = v
	}
	if v, ok := get("host"); ok {
		config.Host = v
	}
	if v, ok := get("port"); ok {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			config.Port = port
		}
	}
	if v, ok := get("user"); ok {
		config.User = v
	}
	if v, ok := get("password"); ok {
		config.Password = v
	}
	if v, ok := get("key_file"); ok {
		config.KeyFile = v
	}
	if v, ok := get("key_passphrase"); ok {
		config.KeyPassphrase = v
	}
	if v, ok := get("known_hosts"); ok {
		config.KnownHostsFile = v
	}
	if v, ok := get("timeout"); ok {
		if timeout, err := strconv.Atoi(v); err == nil && timeout > 0 {
			config.Timeout = timeout
		}
	}
	return config
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Host == "" {
		return ErrHostRequired
	}
	if c.User == "" {
		return ErrUserRequired
	}
	if c.Password == "" && c.KeyFile == "" {
		return ErrNoAuth
	}
	return nil
}
