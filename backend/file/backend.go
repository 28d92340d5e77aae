// Package file provides the local filesystem backend for omniuri.
//
// Identities are absolute paths. Writes go to a temporary file in the
// target directory and are renamed into place on Close, so readers never
// see a partially written file.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/grokify/omniuri"
)

// Tag is the default backend tag.
const Tag = "local"

// Config holds configuration for the file backend.
type Config struct {
	// Tag overrides the backend tag. Default: "local"
	Tag string

	// CreateDirs controls whether parent directories are created automatically.
	// Default: true
	CreateDirs bool

	// DirPermissions is the permission mode for created directories.
	// Default: 0755
	DirPermissions os.FileMode

	// FilePermissions is the permission mode for created files.
	// Default: 0644
	FilePermissions os.FileMode
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Tag:             Tag,
		CreateDirs:      true,
		DirPermissions:  0755,
		FilePermissions: 0644,
	}
}

// ConfigFromMap creates a Config from a string map.
// Supported keys:
//   - tag: backend tag (default: "local")
//   - create_dirs: "true" or "false" (default: "true")
func ConfigFromMap(m map[string]string) Config {
	config := DefaultConfig()
	if tag, ok := m["tag"]; ok && tag != "" {
		config.Tag = tag
	}
	if createDirs, ok := m["create_dirs"]; ok {
		config.CreateDirs = createDirs != "false"
	}
	return config
}

// Backend implements omniuri.Backend for the local filesystem.
type Backend struct {
	config Config
	lock   omniuri.LockStrategy
	closed bool
	mu     sync.RWMutex
}

// New creates a new file backend with the given configuration.
func New(config Config) *Backend {
	if config.Tag == "" {
		config.Tag = Tag
	}
	if config.DirPermissions == 0 {
		config.DirPermissions = 0755
	}
	if config.FilePermissions == 0 {
		config.FilePermissions = 0644
	}
	b := &Backend{config: config}
	b.lock = &omniuri.ExclusiveLock{Creator: b}
	return b
}

// Tag returns the backend tag.
func (b *Backend) Tag() string {
	return b.config.Tag
}

// Valid accepts absolute paths without a scheme.
func (b *Backend) Valid(raw string) bool {
	return raw != "" && filepath.IsAbs(filepath.FromSlash(raw)) && !strings.Contains(raw, "://")
}

// LockStrategy returns the advisory lock file strategy.
func (b *Backend) LockStrategy() omniuri.LockStrategy {
	return b.lock
}

// Stat returns metadata about the file at u.
func (b *Backend) Stat(ctx context.Context, u omniuri.URI) (omniuri.ObjectInfo, error) {
	path, err := b.prepare(ctx, u)
	if err != nil {
		return omniuri.ObjectInfo{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return omniuri.ObjectInfo{}, translateError(u.String(), err)
	}
	return omniuri.ObjectInfo{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// NewReader opens the file at u.
func (b *Backend) NewReader(ctx context.Context, u omniuri.URI) (io.ReadCloser, error) {
	path, err := b.prepare(ctx, u)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, translateError(u.String(), err)
	}
	return f, nil
}

// NewWriter creates a writer that renames a temporary file onto u on Close.
func (b *Backend) NewWriter(ctx context.Context, u omniuri.URI) (io.WriteCloser, error) {
	path, err := b.prepare(ctx, u)
	if err != nil {
		return nil, err
	}
	if err := b.mkdirParent(path); err != nil {
		return nil, err
	}

	dir, base := filepath.Split(path)
	f, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return nil, translateError(u.String(), err)
	}
	return &atomicWriter{
		f:      f,
		target: path,
		perm:   b.config.FilePermissions,
	}, nil
}

// CreateExclusive creates u with data only if it does not exist yet.
func (b *Backend) CreateExclusive(ctx context.Context, u omniuri.URI, data []byte) (bool, error) {
	path, err := b.prepare(ctx, u)
	if err != nil {
		return false, err
	}
	if err := b.mkdirParent(path); err != nil {
		return false, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, b.config.FilePermissions)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, translateError(u.String(), err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("creating %s: %w", u, err)
	}
	return true, nil
}

// Delete removes the file at u.
func (b *Backend) Delete(ctx context.Context, u omniuri.URI) error {
	path, err := b.prepare(ctx, u)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil // Idempotent
	}
	return translateError(u.String(), err)
}

// List returns every file below the directory u as absolute paths.
func (b *Backend) List(ctx context.Context, u omniuri.URI) ([]string, error) {
	root, err := b.prepare(ctx, u)
	if err != nil {
		return nil, err
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, filepath.ToSlash(path))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, translateError(u.String(), err)
	}
	return paths, nil
}

// RemoveEmptyDirs removes u and every directory below it that is empty,
// deepest first. Non-empty directories are left in place.
func (b *Backend) RemoveEmptyDirs(ctx context.Context, u omniuri.URI) error {
	root, err := b.prepare(ctx, u)
	if err != nil {
		return err
	}

	var dirs []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return translateError(u.String(), err)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		_ = os.Remove(dir)
	}
	return nil
}

// Transfer copies a local file to another local path. It is registered as
// the local to local entry of the transfer matrix.
func (b *Backend) Transfer(ctx context.Context, src, dst omniuri.URI) error {
	rc, err := b.NewReader(ctx, src)
	if err != nil {
		return err
	}
	defer rc.Close()

	w, err := b.NewWriter(ctx, dst)
	if err != nil {
		return err
	}
	aw := w.(*atomicWriter)
	if _, err := io.Copy(aw, rc); err != nil {
		return errors.Join(fmt.Errorf("copying %s: %w", src, err), aw.Abort())
	}
	return aw.Close()
}

// Close releases any resources held by the backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// prepare validates u and returns its OS path.
func (b *Backend) prepare(ctx context.Context, u omniuri.URI) (string, error) {
	if err := b.checkClosed(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := b.validatePath(u.String()); err != nil {
		return "", err
	}
	return filepath.FromSlash(u.String()), nil
}

func (b *Backend) mkdirParent(path string) error {
	if !b.config.CreateDirs {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, b.config.DirPermissions); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, translateError(dir, err))
	}
	return nil
}

// validatePath checks if a path is valid.
func (b *Backend) validatePath(path string) error {
	if !b.Valid(path) {
		return fmt.Errorf("%w: %q", omniuri.ErrInvalidPath, path)
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return fmt.Errorf("%w: %q", omniuri.ErrInvalidPath, path)
		}
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

func translateError(path string, err error) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %s", omniuri.ErrNotFound, path)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %s", omniuri.ErrPermissionDenied, path)
	}
	return fmt.Errorf("%s: %w", path, err)
}

// Ensure Backend implements the omniuri interfaces.
var (
	_ omniuri.Backend          = (*Backend)(nil)
	_ omniuri.ExclusiveCreator = (*Backend)(nil)
	_ omniuri.DirRemover       = (*Backend)(nil)
)
