package s3

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// DefaultPartSize is the multipart upload part size.
const DefaultPartSize = 8 * 1024 * 1024

// Errors specific to the S3 backend.
var (
	ErrInvalidURI = errors.New("s3: identity must look like s3://bucket/key")
)

// Config holds configuration for the S3 backend. One backend serves every
// bucket; the bucket is part of each identity.
type Config struct {
	// Tag overrides the backend tag. Default: "s3"
	Tag string

	// Region is the AWS region (e.g., "us-east-1").
	// If empty, uses AWS_REGION or AWS_DEFAULT_REGION environment variable.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible services.
	// Examples:
	//   - MinIO: "http://localhost:9000"
	//   - Cloudflare R2: "https://<account_id>.r2.cloudflarestorage.com"
	// Leave empty for AWS S3.
	Endpoint string

	// AccessKeyID is the AWS access key ID.
	// If empty, uses AWS_ACCESS_KEY_ID environment variable or IAM role.
	AccessKeyID string

	// SecretAccessKey is the AWS secret access key.
	SecretAccessKey string

	// SessionToken is an optional session token for temporary credentials.
	SessionToken string

	// UsePathStyle forces path-style addressing instead of virtual-hosted-style.
	// Required for MinIO.
	UsePathStyle bool

	// AnonymousFallback retries read-only operations that fail with a
	// permission error once with unsigned requests. Default: true
	AnonymousFallback bool

	// MaxRetries bounds retries of transient errors (503, 504, SlowDown).
	// Default: 3
	MaxRetries int

	// RetryDelay is the fixed delay between retries. Default: 1s
	RetryDelay time.Duration

	// ReleaseRetries and ReleaseDelay tune lock release. Defaults: 5, 1s
	ReleaseRetries int
	ReleaseDelay   time.Duration

	// PartSize is the multipart upload part size in bytes. Default: 8 MiB
	PartSize int64

	// Concurrency is the number of parts uploaded in parallel. Default: 5
	Concurrency int

	// TempDir holds writer spool files. Default: os.TempDir()
	TempDir string

	// PresignCredentials signs presigned URLs. If nil, the backend's own
	// credentials are used.
	PresignCredentials aws.CredentialsProvider

	// Logger receives lock release failures.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Tag:               Tag,
		AnonymousFallback: true,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		ReleaseRetries:    5,
		ReleaseDelay:      time.Second,
		PartSize:          DefaultPartSize,
		Concurrency:       5,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// Environment variables:
//   - OMNIURI_S3_REGION or AWS_REGION or AWS_DEFAULT_REGION: region
//   - OMNIURI_S3_ENDPOINT: custom endpoint
//   - AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN: credentials
//   - OMNIURI_S3_USE_PATH_STYLE: "true" for path-style addressing
func ConfigFromEnv() Config {
	config := DefaultConfig()

	if v := os.Getenv("OMNIURI_S3_REGION"); v != "" {
		config.Region = v
	} else if v := os.Getenv("AWS_REGION"); v != "" {
		config.Region = v
	} else if v := os.Getenv("AWS_DEFAULT_REGION"); v != "" {
		config.Region = v
	}
	if v := os.Getenv("OMNIURI_S3_ENDPOINT"); v != "" {
		config.Endpoint = v
	}

	config.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	config.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	config.SessionToken = os.Getenv("AWS_SESSION_TOKEN")

	if v := os.Getenv("OMNIURI_S3_USE_PATH_STYLE"); v == "true" || v == "1" {
		config.UsePathStyle = true
	}
	return config
}

// ConfigFromMap creates a Config from a string map.
// Supported keys:
//   - tag: backend tag
//   - region: AWS region
//   - endpoint: custom endpoint URL
//   - access_key_id, secret_access_key, session_token: credentials
//   - use_path_style: "true" for path-style addressing
//   - anonymous_fallback: "false" to disable unsigned read retries
//   - max_retries: transient error retries
//   - retry_delay: delay between retries (Go duration)
//   - part_size: multipart part size in bytes
//   - concurrency: parallel part uploads
//   - temp_dir: directory for writer spool files
func ConfigFromMap(m map[string]string) Config {
	config := DefaultConfig()

	if v, ok := m["tag"]; ok && v != "" {
		config.Tag = v
	}
	if v, ok := m["region"]; ok {
		config.Region = v
	}
	if v, ok := m["endpoint"]; ok {
		config.Endpoint = v
	}
	if v, ok := m["access_key_id"]; ok {
		config.AccessKeyID = v
	}
	if v, ok := m["secret_access_key"]; ok {
		config.SecretAccessKey = v
	}
	if v, ok := m["session_token"]; ok {
		config.SessionToken = v
	}
	if v, ok := m["use_path_style"]; ok && (v == "true" || v == "1") {
		config.UsePathStyle = true
	}
	if v, ok := m["anonymous_fallback"]; ok && (v == "false" || v == "0") {
		config.AnonymousFallback = false
	}
	if v, ok := m["max_retries"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.MaxRetries = n
		}
	}
	if v, ok := m["retry_delay"]; ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.RetryDelay = d
		}
	}
	if v, ok := m["part_size"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.PartSize = n
		}
	}
	if v, ok := m["concurrency"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Concurrency = n
		}
	}
	if v, ok := m["temp_dir"]; ok {
		config.TempDir = v
	}
	return config
}
