package omniuri_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grokify/omniuri"
	"github.com/grokify/omniuri/backend/file"
	"github.com/grokify/omniuri/backend/memory"
)

// env is a registry with a memory and a local backend wired the way the
// setup package wires them.
type env struct {
	reg *omniuri.Registry
	mem *memory.Backend
	fs  *file.Backend
	dir string
}

func newEnv(t *testing.T, opts omniuri.Options) *env {
	t.Helper()
	if opts.Lock.Timeout == 0 {
		opts.Lock.Timeout = 2 * time.Second
	}
	if opts.Lock.PollInterval == 0 {
		opts.Lock.PollInterval = 5 * time.Millisecond
	}
	if opts.DefaultTarget == "" {
		opts.DefaultTarget = file.Tag
	}

	e := &env{
		reg: omniuri.NewRegistry(opts),
		mem: memory.New(memory.Config{ReleaseDelay: time.Millisecond}),
		fs:  file.New(file.DefaultConfig()),
		dir: t.TempDir(),
	}
	e.reg.Register(omniuri.Descriptor{Backend: e.mem, LocPrefix: "mem://loc/"})
	e.reg.Register(omniuri.Descriptor{Backend: e.fs, LocPrefix: e.locRoot()})

	m := e.reg.Transfers()
	m.RegisterPush(memory.Tag, memory.Tag, e.mem.Transfer)
	m.RegisterPush(file.Tag, file.Tag, e.fs.Transfer)
	m.RegisterPush(memory.Tag, file.Tag, e.reg.StreamTransfer)
	m.RegisterPush(file.Tag, memory.Tag, e.reg.StreamTransfer)

	t.Cleanup(func() { _ = e.reg.Close() })
	return e
}

// path returns an absolute local path below the temp dir.
func (e *env) path(elems ...string) string {
	return filepath.Join(append([]string{e.dir}, elems...)...)
}

func (e *env) locRoot() string {
	return e.path("loc") + "/"
}

func (e *env) uri(raw string) omniuri.URI {
	return e.reg.Resolve(raw, 0)
}

func (e *env) write(t *testing.T, raw, content string) omniuri.URI {
	t.Helper()
	u := e.uri(raw)
	if err := u.Write(context.Background(), []byte(content), omniuri.WriteOptions{NoLock: true}); err != nil {
		t.Fatalf("Write(%s) failed: %v", raw, err)
	}
	return u
}

func (e *env) read(t *testing.T, raw string) string {
	t.Helper()
	s, err := e.uri(raw).ReadString(context.Background())
	if err != nil {
		t.Fatalf("Read(%s) failed: %v", raw, err)
	}
	return s
}

// fakeBackend serves "fake://" identities whose reader fails after a few
// bytes. It has no writer and no lock strategy.
type fakeBackend struct{}

var errBrokenPipe = errors.New("broken pipe")

func (fakeBackend) Tag() string { return "fake" }

func (fakeBackend) Valid(raw string) bool { return strings.HasPrefix(raw, "fake://") }

func (fakeBackend) Stat(context.Context, omniuri.URI) (omniuri.ObjectInfo, error) {
	return omniuri.ObjectInfo{Size: 1 << 20, ModTime: time.Now()}, nil
}

func (fakeBackend) NewReader(context.Context, omniuri.URI) (io.ReadCloser, error) {
	return io.NopCloser(io.MultiReader(strings.NewReader("partial content"), failingReader{})), nil
}

func (fakeBackend) NewWriter(context.Context, omniuri.URI) (io.WriteCloser, error) {
	return nil, omniuri.ErrNotSupported
}

func (fakeBackend) Delete(context.Context, omniuri.URI) error { return nil }

func (fakeBackend) List(context.Context, omniuri.URI) ([]string, error) { return nil, nil }

func (fakeBackend) LockStrategy() omniuri.LockStrategy { return nil }

func (fakeBackend) Close() error { return nil }

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errBrokenPipe }

// mapCache is an in-memory omniuri.HashCache.
type mapCache struct {
	entries map[omniuri.HashKey]string
	puts    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[omniuri.HashKey]string)}
}

func (c *mapCache) Get(k omniuri.HashKey) (string, bool, error) {
	k.ModTime = k.ModTime.UTC()
	sum, ok := c.entries[k]
	return sum, ok, nil
}

func (c *mapCache) Put(k omniuri.HashKey, sum string) error {
	k.ModTime = k.ModTime.UTC()
	c.entries[k] = sum
	c.puts++
	return nil
}
