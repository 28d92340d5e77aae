// Package memory provides an in-memory object store backend for omniuri.
//
// Identities look like "mem://dir/name.json". Objects carry a native MD5
// and a hold flag, so the backend behaves like a small object store and
// locks through omniuri.HoldLock.
//
// The memory backend is useful for:
//   - Unit testing without filesystem access
//   - Scratch storage between pipeline steps in one process
//
// Data is stored in RAM and lost when the backend is closed or the process exits.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grokify/omniuri"
)

const (
	// Tag is the default backend tag.
	Tag = "mem"

	// Scheme is the identity prefix this backend accepts.
	Scheme = "mem://"
)

// object represents a stored object in memory.
type object struct {
	data    []byte
	md5     string
	modTime time.Time
	held    bool
	holder  string
}

// Config holds configuration for the memory backend.
type Config struct {
	// Tag overrides the backend tag. Default: "mem"
	Tag string `mapstructure:"tag"`

	// ReleaseRetries and ReleaseDelay tune HoldLock release.
	ReleaseRetries int           `mapstructure:"release_retries"`
	ReleaseDelay   time.Duration `mapstructure:"release_delay"`

	// Logger receives lock release failures.
	Logger *slog.Logger `mapstructure:"-"`
}

// Backend implements omniuri.Backend for in-memory storage.
type Backend struct {
	tag     string
	lock    *omniuri.HoldLock
	objects map[string]*object
	closed  bool
	mu      sync.RWMutex
}

// New creates a new memory backend.
func New(config Config) *Backend {
	if config.Tag == "" {
		config.Tag = Tag
	}
	if config.ReleaseDelay <= 0 {
		config.ReleaseDelay = 10 * time.Millisecond
	}
	b := &Backend{
		tag:     config.Tag,
		objects: make(map[string]*object),
	}
	b.lock = &omniuri.HoldLock{
		Holder:         b,
		ReleaseRetries: config.ReleaseRetries,
		ReleaseDelay:   config.ReleaseDelay,
		Logger:         config.Logger,
	}
	return b
}

// Tag returns the backend tag.
func (b *Backend) Tag() string {
	return b.tag
}

// Valid accepts "mem://" identities.
func (b *Backend) Valid(raw string) bool {
	return strings.HasPrefix(raw, Scheme)
}

// LockStrategy returns the hold-flag lock strategy.
func (b *Backend) LockStrategy() omniuri.LockStrategy {
	return b.lock
}

// NewWriter creates a writer that stores the object on Close.
func (b *Backend) NewWriter(ctx context.Context, u omniuri.URI) (io.WriteCloser, error) {
	key, err := b.prepare(ctx, u)
	if err != nil {
		return nil, err
	}
	return &memoryWriter{
		backend: b,
		key:     key,
		buffer:  &bytes.Buffer{},
	}, nil
}

// NewReader opens the object at u.
func (b *Backend) NewReader(ctx context.Context, u omniuri.URI) (io.ReadCloser, error) {
	key, err := b.prepare(ctx, u)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	obj, exists := b.objects[key]
	b.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", omniuri.ErrNotFound, u)
	}

	// objects are replaced, never mutated, so sharing the slice is safe
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Stat returns metadata including the native MD5.
func (b *Backend) Stat(ctx context.Context, u omniuri.URI) (omniuri.ObjectInfo, error) {
	key, err := b.prepare(ctx, u)
	if err != nil {
		return omniuri.ObjectInfo{}, err
	}

	b.mu.RLock()
	obj, exists := b.objects[key]
	b.mu.RUnlock()
	if !exists {
		return omniuri.ObjectInfo{}, fmt.Errorf("%w: %s", omniuri.ErrNotFound, u)
	}
	return omniuri.ObjectInfo{
		Size:    int64(len(obj.data)),
		ModTime: obj.modTime,
		MD5:     obj.md5,
	}, nil
}

// Delete removes the object at u.
func (b *Backend) Delete(ctx context.Context, u omniuri.URI) error {
	key, err := b.prepare(ctx, u)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[key]; ok && obj.held {
		return fmt.Errorf("%w: %s is held", omniuri.ErrPermissionDenied, u)
	}
	delete(b.objects, key)
	return nil
}

// List returns every object below the prefix u as "mem://" identities.
func (b *Backend) List(ctx context.Context, u omniuri.URI) ([]string, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := normalizePath(u.PathWithoutScheme())
	if prefix != "" {
		prefix += "/"
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var paths []string
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			paths = append(paths, Scheme+key)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// TryHold creates the lock object and sets its hold flag. An existing
// object, held or not, is contended: an unheld one is being released.
func (b *Backend) TryHold(ctx context.Context, u omniuri.URI, token string) (bool, error) {
	key, err := b.prepare(ctx, u)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.objects[key]; ok {
		return false, nil
	}
	obj := newObject(nil)
	obj.held = true
	obj.holder = token
	b.objects[key] = obj
	return true, nil
}

// ClearHold removes the hold flag. A missing object is not an error.
func (b *Backend) ClearHold(ctx context.Context, u omniuri.URI) error {
	key, err := b.prepare(ctx, u)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[key]; ok {
		obj.held = false
		obj.holder = ""
	}
	return nil
}

// Holder returns the owner token of a held object, or "" if not held.
func (b *Backend) Holder(u omniuri.URI) string {
	key := normalizePath(u.PathWithoutScheme())

	b.mu.RLock()
	defer b.mu.RUnlock()
	if obj, ok := b.objects[key]; ok && obj.held {
		return obj.holder
	}
	return ""
}

// SetModTime overrides an object's modification time.
func (b *Backend) SetModTime(u omniuri.URI, t time.Time) error {
	key := normalizePath(u.PathWithoutScheme())

	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	if !ok {
		return fmt.Errorf("%w: %s", omniuri.ErrNotFound, u)
	}
	obj.modTime = t
	return nil
}

// Transfer copies an object to another key. It is registered as the
// mem to mem entry of the transfer matrix.
func (b *Backend) Transfer(ctx context.Context, src, dst omniuri.URI) error {
	srcKey, err := b.prepare(ctx, src)
	if err != nil {
		return err
	}
	dstKey, err := b.prepare(ctx, dst)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[srcKey]
	if !ok {
		return fmt.Errorf("%w: %s", omniuri.ErrNotFound, src)
	}
	b.objects[dstKey] = newObject(obj.data)
	return nil
}

// Count returns the number of objects in the backend.
func (b *Backend) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// Close releases any resources held by the backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.objects = nil
	return nil
}

func (b *Backend) prepare(ctx context.Context, u omniuri.URI) (string, error) {
	if err := b.checkClosed(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !b.Valid(u.String()) {
		return "", fmt.Errorf("%w: %q", omniuri.ErrInvalidPath, u.String())
	}
	key := normalizePath(u.PathWithoutScheme())
	if key == "" {
		return "", fmt.Errorf("%w: empty key in %q", omniuri.ErrInvalidPath, u.String())
	}
	return key, nil
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

func newObject(data []byte) *object {
	return &object{
		data:    data,
		md5:     omniuri.MD5Bytes(data),
		modTime: time.Now(),
	}
}

// normalizePath normalizes a key for consistent storage.
func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "." {
		return ""
	}
	return p
}

// memoryWriter buffers content and stores it on Close.
type memoryWriter struct {
	backend *Backend
	key     string
	buffer  *bytes.Buffer
	closed  bool
	mu      sync.Mutex
}

func (w *memoryWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, omniuri.ErrWriterClosed
	}
	return w.buffer.Write(p)
}

func (w *memoryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	w.backend.mu.Lock()
	defer w.backend.mu.Unlock()

	if w.backend.closed {
		return omniuri.ErrBackendClosed
	}
	w.backend.objects[w.key] = newObject(w.buffer.Bytes())
	return nil
}

// Abort discards the buffered content.
func (w *memoryWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	w.buffer = nil
	return nil
}

// Ensure Backend implements the omniuri interfaces.
var (
	_ omniuri.Backend = (*Backend)(nil)
	_ omniuri.Holder  = (*Backend)(nil)
	_ omniuri.Aborter = (*memoryWriter)(nil)
)
