// Package http provides a read-only HTTP(S) backend for omniuri.
//
// Identities are plain URLs. Metadata comes from a HEAD request: size from
// Content-Length, mtime from Last-Modified and the MD5 from Content-MD5 or a
// plain-digest ETag. Writes, deletes, listings and locks are not supported.
package http

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grokify/omniuri"
)

// Tag is the default backend tag.
const Tag = "http"

// Config holds configuration for the HTTP backend.
type Config struct {
	// Tag overrides the backend tag. Default: "http"
	Tag string `mapstructure:"tag"`

	// Timeout bounds each request. Default: 30s
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are added to every request, e.g. Authorization.
	Headers map[string]string `mapstructure:"headers"`

	// MaxRetries bounds retries of 429 and 5xx responses. Default: 3
	MaxRetries int `mapstructure:"max_retries"`

	// RetryDelay is the fixed delay between retries. Default: 1s
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Tag:        Tag,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.client = c
	}
}

// Backend implements omniuri.Backend over HTTP GET and HEAD.
type Backend struct {
	config Config
	client *http.Client
	retry  omniuri.RetryConfig
	closed bool
	mu     sync.RWMutex
}

// New creates a new HTTP backend.
func New(cfg Config, opts ...Option) *Backend {
	if cfg.Tag == "" {
		cfg.Tag = Tag
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Backend{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		retry: omniuri.RetryConfig{
			MaxRetries:      cfg.MaxRetries,
			Delay:           cfg.RetryDelay,
			RetryableErrors: omniuri.IsTransient,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Tag returns the backend tag.
func (b *Backend) Tag() string {
	return b.config.Tag
}

// Valid accepts http:// and https:// URLs.
func (b *Backend) Valid(raw string) bool {
	rest, ok := strings.CutPrefix(raw, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(raw, "http://")
	}
	return ok && rest != "" && !strings.HasPrefix(rest, "/")
}

// LockStrategy returns nil; HTTP resources cannot be locked.
func (b *Backend) LockStrategy() omniuri.LockStrategy {
	return nil
}

// ReadOnly reports that writes and deletes are rejected.
func (b *Backend) ReadOnly() bool {
	return true
}

// Stat issues a HEAD request.
func (b *Backend) Stat(ctx context.Context, u omniuri.URI) (omniuri.ObjectInfo, error) {
	resp, err := b.do(ctx, http.MethodHead, u)
	if err != nil {
		return omniuri.ObjectInfo{}, err
	}
	resp.Body.Close()

	info := omniuri.ObjectInfo{Size: resp.ContentLength}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.ModTime = t
		}
	}
	info.MD5 = headerMD5(resp.Header)
	return info, nil
}

// headerMD5 reads Content-MD5 (base64) or falls back to a strong ETag that
// is a bare MD5 hex digest. Weak ETags do not promise identical bytes.
func headerMD5(h http.Header) string {
	if v := h.Get("Content-MD5"); v != "" {
		if raw, err := base64.StdEncoding.DecodeString(v); err == nil && len(raw) == 16 {
			return hex.EncodeToString(raw)
		}
	}
	etag := h.Get("ETag")
	if strings.HasPrefix(etag, "W/") {
		return ""
	}
	return omniuri.ParseMD5(strings.Trim(etag, `"`))
}

// NewReader issues a GET request and streams the body.
func (b *Backend) NewReader(ctx context.Context, u omniuri.URI) (io.ReadCloser, error) {
	resp, err := b.do(ctx, http.MethodGet, u)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// NewWriter is not supported.
func (b *Backend) NewWriter(_ context.Context, u omniuri.URI) (io.WriteCloser, error) {
	return nil, fmt.Errorf("%w: http backend is read-only: %s", omniuri.ErrNotSupported, u)
}

// Delete is not supported.
func (b *Backend) Delete(_ context.Context, u omniuri.URI) error {
	return fmt.Errorf("%w: http backend is read-only: %s", omniuri.ErrNotSupported, u)
}

// List is not supported; HTTP has no directory listing.
func (b *Backend) List(_ context.Context, u omniuri.URI) ([]string, error) {
	return nil, fmt.Errorf("%w: listing %s", omniuri.ErrNotSupported, u)
}

// Close marks the backend closed and drops idle connections.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.client.CloseIdleConnections()
	return nil
}

func (b *Backend) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return omniuri.ErrBackendClosed
	}
	return nil
}

// do sends the request, retrying transient statuses. On success the caller
// owns the response body.
func (b *Backend) do(ctx context.Context, method string, u omniuri.URI) (*http.Response, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	var resp *http.Response
	err := omniuri.Retry(ctx, b.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", omniuri.ErrInvalidPath, u, err)
		}
		for k, v := range b.config.Headers {
			req.Header.Set(k, v)
		}

		r, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: http: %s %s: %w", omniuri.ErrTransient, method, u, err)
		}
		if err := statusError(r.StatusCode, u); err != nil {
			_, _ = io.Copy(io.Discard, r.Body)
			r.Body.Close()
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// statusError converts an HTTP status to omniuri errors.
func statusError(code int, u omniuri.URI) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		return fmt.Errorf("%w: %s", omniuri.ErrNotFound, u)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %s", omniuri.ErrPermissionDenied, u, http.StatusText(code))
	case code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: %s: %s", omniuri.ErrTransient, u, http.StatusText(code))
	}
	return fmt.Errorf("http: %s: unexpected status %d", u, code)
}

// Ensure Backend implements omniuri.Backend.
var (
	_ omniuri.Backend         = (*Backend)(nil)
	_ omniuri.ReadOnlyBackend = (*Backend)(nil)
)
