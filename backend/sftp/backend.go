// Package sftp provides an SFTP backend for omniuri.
//
// Identities look like "sftp://example.com/srv/data/file.json"; the path
// after the host is absolute on the server. Connections are opened lazily,
// one per caller thread id.
//
// Basic usage with password authentication:
//
//	backend, err := sftp.New(sftp.Config{
//	    Host:     "example.com",
//	    User:     "username",
//	    Password: "password",
//	})
//
// With SSH key authentication:
//
//	backend, err := sftp.New(sftp.Config{
//	    Host:    "example.com",
//	    User:    "username",
//	    KeyFile: "/path/to/id_rsa",
//	})
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/grokify/omniuri"
)

const (
	// Tag is the default backend tag.
	Tag = "sftp"

	// Scheme is the identity prefix this backend accepts.
	Scheme = "sftp://"
)

// Dialer opens one SFTP session. The returned closer is closed after the
// client, and tears down the transport under it.
type Dialer func(ctx context.Context) (*sftp.Client, io.Closer, error)

// Option configures a Backend.
type Option func(*Backend)

// WithDialer replaces the SSH dialer, e.g. with an in-memory server in tests.
func WithDialer(d Dialer) Option {
	return func(b *Backend) {
		b.dial = d
	}
}

type conn struct {
	client *sftp.Client
	closer io.Closer
}

func (c *conn) close() error {
	err := c.client.Close()
	if c.closer != nil {
		err = errors.Join(err, c.closer.Close())
	}
	return err
}

// Backend implements omniuri.Backend for SFTP.
type Backend struct {
	config Config
	dial   Dialer
	lock   *omniuri.ExclusiveLock

	connsMu sync.Mutex
	conns   map[int]*conn

	closed bool
	mu     sync.RWMutex
}

// New creates a new SFTP backend. No connection is made until first use.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.Tag == "" {
		cfg.Tag = Tag
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30
	}

	b := &Backend{
		config: cfg,
		conns:  make(map[int]*conn),
	}
	b.lock = &omniuri.ExclusiveLock{Creator: b}
	for _, opt := range opts {
		opt(b)
	}

	if b.dial == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		sshConfig, err := clientConfig(cfg)
		if err != nil {
			return nil, err
		}
		b.dial = sshDialer(cfg, sshConfig)
	} else if cfg.Host == "" {
		return nil, ErrHostRequired
	}
	return b, nil
}

// NewFromMap creates a new SFTP backend from a config map.
func NewFromMap(m map[string]string) (*Backend, error) {
	return New(ConfigFromMap(m))
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if cfg.Password != "" {
		authMethods = append(authMethods, ssh.Password(cfg.Password))
	}
	if cfg.KeyFile != "" {
		keyAuth, err := keyFileAuth(cfg.KeyFile, cfg.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("sftp: loading key file: %w", err)
		}
		authMethods = append(authMethods, keyAuth)
	}
	if len(authMethods) == 0 {
		return nil, ErrNoAuth
	}

	// Host key verification is skipped without a known_hosts file.
	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // G106: opt-in via KnownHostsFile
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: loading known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		Timeout:         time.Duration(cfg.Timeout) * time.Second,
		HostKeyCallback: hostKeyCallback,
	}, nil
}

func sshDialer(cfg Config, sshConfig *ssh.ClientConfig) Dialer {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	return func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		d := net.Dialer{Timeout: sshConfig.Timeout}
		netConn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: sftp: dial %s: %w", omniuri.ErrTransient, addr, err)
		}
		c, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshConfig)
		if err != nil {
			_ = netConn.Close()
			return nil, nil, fmt.Errorf("sftp: SSH connection failed: %w", err)
		}
		sshClient := ssh.NewClient(c, chans, reqs)

		sftpClient, err := sftp.NewClient(sshClient)
		if err != nil {
			if closeErr := sshClient.Close(); closeErr != nil {
				return nil, nil, fmt.Errorf("sftp: SFTP session failed: %w (also failed to close SSH: %v)", err, closeErr)
			}
			return nil, nil, fmt.Errorf("sftp: SFTP session failed: %w", err)
		}
		return sftpClient, sshClient, nil
	}
}

// keyFileAuth creates an SSH auth method from a private key file.
func keyFileAuth(keyFile, passphrase string) (ssh.AuthMethod, error) {
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

// client returns the thread's session, dialing on first use.
func (b *Backend) client(ctx context.Context, threadID int) (*sftp.Client, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.connsMu.Lock()
	defer b.connsMu.Unlock()

	if c, ok := b.conns[threadID]; ok {
		return c.client, nil
	}
	client, closer, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	b.conns[threadID] = &conn{client: client, closer: closer}
	return client, nil
}

// drop forgets a broken session so the next call redials.
func (b *Backend) drop(threadID int) {
	b.connsMu.Lock()
	c, ok := b.conns[threadID]
	delete(b.conns, threadID)
	b.connsMu.Unlock()
	if ok {
		_ = c.close()
	}
}

// ResetClients closes every open session.
func (b *Backend) ResetClients() {
	b.connsMu.Lock()
	conns := b.conns
	b.conns = make(map[int]*conn)
	b.connsMu.Unlock()

	for _, c := range conns {
		_ = c.close()
	}
}

// Tag returns the backend tag.
func (b *Backend) Tag() string {
	return b.config.Tag
}

// Valid accepts "sftp://<host>/..." identities for the configured host.
func (b *Backend) Valid(raw string) bool {
	host, _, ok := splitURI(raw)
	return ok && host == b.config.Host
}

// LockStrategy returns the exclusive lock file strategy.
func (b *Backend) LockStrategy() omniuri.LockStrategy {
	return b.lock
}

func (b *Backend) prepare(ctx context.Context, u omniuri.URI) (*sftp.Client, string, error) {
	host, p, ok := splitURI(u.String())
	if !ok || host != b.config.Host {
		return nil, "", fmt.Errorf("%w: %q", omniuri.ErrInvalidPath, u.String())
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return nil, "", fmt.Errorf("%w: %q contains ..", omniuri.ErrInvalidPath, u.String())
		}
	}
	c, err := b.client(ctx, u.ThreadID())
	if err != nil {
		return nil, "", err
	}
	return c, p, nil
}

// Stat returns metadata about the remote file.
func (b *Backend) Stat(ctx context.Context, u omniuri.URI) (omniuri.ObjectInfo, error) {
	c, p, err := b.prepare(ctx, u)
	if err != nil {
		return omniuri.ObjectInfo{}, err
	}

	info, err := c.Stat(p)
	if err != nil {
		return omniuri.ObjectInfo{}, b.translateError(err, u)
	}
	return omniuri.ObjectInfo{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// NewReader opens the remote file for reading.
func (b *Backend) NewReader(ctx context.Context, u omniuri.URI) (io.ReadCloser, error) {
	c, p, err := b.prepare(ctx, u)
	if err != nil {
		return nil, err
	}

	f, err := c.Open(p)
	if err != nil {
		return nil, b.translateError(err, u)
	}
	return f, nil
}

// NewWriter writes to a temporary sibling and renames it over the target
// on Close, so readers never observe a partial file.
func (b *Backend) NewWriter(ctx context.Context, u omniuri.URI) (io.WriteCloser, error) {
	c, p, err := b.prepare(ctx, u)
	if err != nil {
		return nil, err
	}

	dir := path.Dir(p)
	if err := c.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("sftp: creating directory: %w", b.translateError(err, u))
	}

	tmp := path.Join(dir, "."+path.Base(p)+".tmp-"+uuid.NewString())
	f, err := c.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, b.translateError(err, u)
	}

	return &sftpWriter{
		backend: b,
		client:  c,
		file:    f,
		tmp:     tmp,
		target:  p,
		uri:     u,
	}, nil
}

// CreateExclusive creates the file only if it does not exist. SFTP servers
// report an O_EXCL collision as a generic failure, so a failed create is
// followed by a Stat to tell contention from error.
func (b *Backend) CreateExclusive(ctx context.Context, u omniuri.URI, data []byte) (bool, error) {
	c, p, err := b.prepare(ctx, u)
	if err != nil {
		return false, err
	}
	if err := c.MkdirAll(path.Dir(p)); err != nil {
		return false, b.translateError(err, u)
	}

	f, err := c.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		if _, statErr := c.Stat(p); statErr == nil {
			return false, nil
		}
		return false, b.translateError(err, u)
	}

	_, werr := f.Write(data)
	if err := errors.Join(werr, f.Close()); err != nil {
		_ = c.Remove(p)
		return false, b.translateError(err, u)
	}
	return true, nil
}

// Delete removes the remote file. Missing files are not an error.
func (b *Backend) Delete(ctx context.Context, u omniuri.URI) error {
	c, p, err := b.prepare(ctx, u)
	if err != nil {
		return err
	}

	if err := c.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return b.translateError(err, u)
	}
	return nil
}

// List walks the directory u and returns every file below it.
func (b *Backend) List(ctx context.Context, u omniuri.URI) ([]string, error) {
	c, root, err := b.prepare(ctx, u)
	if err != nil {
		return nil, err
	}

	var paths []string
	walker := c.Walk(root)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := walker.Err(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, b.translateError(err, u)
		}
		if walker.Stat().IsDir() {
			continue
		}
		paths = append(paths, Scheme+b.config.Host+walker.Path())
	}
	return paths, nil
}

// RemoveEmptyDirs removes empty directories below u, deepest first.
func (b *Backend) RemoveEmptyDirs(ctx context.Context, u omniuri.URI) error {
	c, root, err := b.prepare(ctx, u)
	if err != nil {
		return err
	}

	var dirs []string
	walker := c.Walk(root)
	for walker.Step() {
		if walker.Err() != nil {
			continue
		}
		if walker.Stat().IsDir() {
			dirs = append(dirs, walker.Path())
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/")
	})

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := c.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := c.RemoveDirectory(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return b.translateError(err, u)
		}
	}
	return nil
}

// Close closes every session.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.connsMu.Lock()
	defer b.connsMu.Unlock()

	var errs []error
	for id, c := range b.conns {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.conns, id)
	}
	if len(errs) > 0 {
		return fmt.Errorf("sftp: close errors: %w", errors.Join(errs...))
	}
	return nil
}

// checkClosed returns an error if the backend is closed.
func (b *Backend) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return omniuri.ErrBackendClosed
	}
	return nil
}

// splitURI splits "sftp://host/p" into host and the absolute path "/p".
func splitURI(raw string) (host, p string, ok bool) {
	rest, found := strings.CutPrefix(raw, Scheme)
	if !found {
		return "", "", false
	}
	host, p, _ = strings.Cut(rest, "/")
	if host == "" {
		return "", "", false
	}
	return host, "/" + p, true
}

// translateError converts SFTP errors to omniuri errors. A lost connection
// is dropped from the cache and reported as transient.
func (b *Backend) translateError(err error, u omniuri.URI) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", omniuri.ErrNotFound, u)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", omniuri.ErrPermissionDenied, u)
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		b.drop(u.ThreadID())
		return fmt.Errorf("%w: sftp: connection lost for %s: %w", omniuri.ErrTransient, u, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		b.drop(u.ThreadID())
		return fmt.Errorf("%w: sftp: network error for %s: %w", omniuri.ErrTransient, u, err)
	}

	return fmt.Errorf("sftp: error for %s: %w", u, err)
}

// sftpWriter writes to a temporary file and renames it on Close.
type sftpWriter struct {
	backend *Backend
	client  *sftp.Client
	file    *sftp.File
	tmp     string
	target  string
	uri     omniuri.URI
	closed  bool
	mu      sync.Mutex
}

func (w *sftpWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, omniuri.ErrWriterClosed
	}
	n, err := w.file.Write(p)
	if err != nil {
		return n, w.backend.translateError(err, w.uri)
	}
	return n, nil
}

func (w *sftpWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Close(); err != nil {
		_ = w.client.Remove(w.tmp)
		return w.backend.translateError(err, w.uri)
	}

	// posix-rename replaces the target; plain rename is the fallback for
	// servers without the extension.
	if err := w.client.PosixRename(w.tmp, w.target); err != nil {
		if err := w.client.Rename(w.tmp, w.target); err != nil {
			_ = w.client.Remove(w.tmp)
			return w.backend.translateError(err, w.uri)
		}
	}
	return nil
}

// Abort closes and removes the temporary file.
func (w *sftpWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.file.Close()
	if err := w.client.Remove(w.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return w.backend.translateError(err, w.uri)
	}
	return nil
}

// Ensure Backend implements the omniuri interfaces.
var (
	_ omniuri.Backend          = (*Backend)(nil)
	_ omniuri.ExclusiveCreator = (*Backend)(nil)
	_ omniuri.DirRemover       = (*Backend)(nil)
	_ omniuri.ClientResetter   = (*Backend)(nil)
	_ omniuri.Aborter          = (*sftpWriter)(nil)
)
