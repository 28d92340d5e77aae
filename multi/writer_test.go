package multi

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

var errDiskFull = errors.New("disk full")

// brokenBackend accepts "broken://" identities; its writers fail on Write.
type brokenBackend struct{ aborts *int }

func (brokenBackend) Tag() string { return "broken" }
func (brokenBackend) Valid(raw string) bool { return strings.HasPrefix(raw, "broken://") }
func (brokenBackend) Stat(context.Context, omniuri.URI) (omniuri.ObjectInfo, error) { return omniuri.ObjectInfo{}, omniuri.ErrNotFound }
func (brokenBackend) NewReader(context.Context, omniuri.URI) (io.ReadCloser, error) { return nil, omniuri.ErrNotFound }
func (b brokenBackend) NewWriter(context.Context, omniuri.URI) (io.WriteCloser, error) {
	return &brokenWriter{aborts: b.aborts}, nil
}
func (brokenBackend) Delete(context.Context, omniuri.URI) error { return nil }
func (brokenBackend) List(context.Context, omniuri.URI) ([]string, error) { return nil, nil }
func (brokenBackend) LockStrategy() omniuri.LockStrategy { return nil }
func (brokenBackend) Close() error { return nil }

type brokenWriter struct{ aborts *int }

func (w *brokenWriter) Write([]byte) (int, error) { return 0, errDiskFull }
func (w *brokenWriter) Close() error { return errDiskFull }
func (w *brokenWriter) Abort() error {
	*w.aborts++
	return nil
}

type env struct {
	reg    *omniuri.Registry
	mem    *memory.Backend
	dir    string
	aborts int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		reg: omniuri.NewRegistry(omniuri.Options{
			Lock: omniuri.LockOptions{Timeout: time.Second, PollInterval: 5 * time.Millisecond},
		}),
		mem: memory.New(memory.Config{}),
		dir: t.TempDir(),
	}
	e.reg.Register(omniuri.Descriptor{Backend: e.mem})
	e.reg.Register(omniuri.Descriptor{Backend: file.New(file.DefaultConfig())})
	e.reg.Register(omniuri.Descriptor{Backend: brokenBackend{aborts: &e.aborts}})
	t.Cleanup(func() { _ = e.reg.Close() })
	return e
}

func (e *env) targets(raws ...string) []omniuri.URI {
	out := make([]omniuri.URI, len(raws))
	for i, raw := range raws {
		out[i] = e.reg.Resolve(raw, 0)
	}
	return out
}

func (e *env) read(t *testing.T, raw string) string {
	t.Helper()
	s, err := e.reg.Resolve(raw, 0).ReadString(context.Background())
	if err != nil {
		t.Fatalf("Read(%s) failed: %v", raw, err)
	}
	return s
}

func TestWriteToEveryTarget(t *testing.T) {
	e := newEnv(t)
	local := filepath.Join(e.dir, "out", "report.json")

	w, err := NewWriter(context.Background(), e.targets("mem://a/report.json", local))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if got := w.Targets(); len(got) != 2 || got[1] != local {
		t.Errorf("Targets() = %v", got)
	}
	for _, chunk := range []string{`{"a":`, ` 1}`} {
		if n, err := w.Write([]byte(chunk)); err != nil || n != len(chunk) {
			t.Fatalf("Write = %d, %v", n, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := e.read(t, "mem://a/report.json"); got != `{"a": 1}` {
		t.Errorf("mem content = %q", got)
	}
	if got := e.read(t, local); got != `{"a": 1}` {
		t.Errorf("local content = %q", got)
	}
	if e.mem.Count() != 1 {
		t.Errorf("lock objects left behind: %d objects", e.mem.Count())
	}

	if _, err := w.Write([]byte("x")); !errors.Is(err, omniuri.ErrWriterClosed) {
		t.Errorf("Write after Close: err = %v, want ErrWriterClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestWriteAllAbortsEveryTarget(t *testing.T) {
	e := newEnv(t)

	w, err := NewWriter(context.Background(), e.targets("mem://a", "broken://x"), WithoutLock())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	_, err = w.Write([]byte("data"))
	var me *MultiError
	if !errors.As(err, &me) || !errors.Is(err, errDiskFull) {
		t.Fatalf("err = %v, want a MultiError wrapping the write failure", err)
	}
	if len(me.Errors) != 1 || me.Mode != WriteAll {
		t.Errorf("MultiError = %+v", me)
	}
	if e.mem.Count() != 0 {
		t.Error("healthy target was committed after a failure")
	}
	if e.aborts != 1 {
		t.Errorf("aborts = %d, want 1", e.aborts)
	}
}

func TestWriteBestEffort(t *testing.T) {
	e := newEnv(t)

	w, err := NewWriter(context.Background(), e.targets("mem://a", "broken://x"),
		WithMode(WriteBestEffort), WithoutLock())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if _, err := w.Write([]byte("data")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if failed := w.Failed(); len(failed) != 1 || !errors.Is(failed[0], errDiskFull) {
		t.Errorf("Failed() = %v", failed)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := e.read(t, "mem://a"); got != "data" {
		t.Errorf("content = %q", got)
	}
	if e.aborts != 1 {
		t.Errorf("failed target not aborted: aborts = %d", e.aborts)
	}

	w, err = NewWriter(context.Background(), e.targets("broken://x", "broken://y"),
		WithMode(WriteBestEffort), WithoutLock())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("data")); err == nil {
		t.Error("best effort with no healthy target should fail")
	}
}

func TestWriteQuorum(t *testing.T) {
	tests := []struct {
		name    string
		targets []string
		wantErr bool
	}{
		{"majority healthy", []string{"mem://a", "mem://b", "broken://x"}, false},
		{"majority broken", []string{"mem://a", "broken://x", "broken://y"}, true},
		{"half is not a majority", []string{"mem://a", "broken://x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			w, err := NewWriter(context.Background(), e.targets(tt.targets...),
				WithMode(WriteQuorum), WithoutLock())
			if err != nil {
				t.Fatalf("NewWriter failed: %v", err)
			}
			_, err = w.Write([]byte("data"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Write err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				if err := w.Close(); err != nil {
					t.Fatalf("Close failed: %v", err)
				}
				if got := e.read(t, "mem://b"); got != "data" {
					t.Errorf("content = %q", got)
				}
			}
		})
	}
}

func TestNewWriterLocksTargets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	held, err := e.reg.Resolve("mem://a", 0).Lock(ctx, omniuri.LockOptions{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewWriter(ctx, e.targets("mem://b", "mem://a"),
		WithLockOptions(omniuri.LockOptions{Timeout: 20 * time.Millisecond}))
	if !errors.Is(err, omniuri.ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if err := held.Release(ctx); err != nil {
		t.Fatal(err)
	}

	// the lock taken on mem://b was released by the failed NewWriter
	l, err := e.reg.Resolve("mem://b", 0).Lock(ctx, omniuri.LockOptions{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("mem://b still locked: %v", err)
	}
	_ = l.Release(ctx)
}

func TestNewWriterRejects(t *testing.T) {
	e := newEnv(t)
	if _, err := NewWriter(context.Background(), nil); err == nil {
		t.Error("NewWriter without targets should fail")
	}
	_, err := NewWriter(context.Background(), e.targets("mem://a", "ftp://host/a"), WithoutLock())
	if !errors.Is(err, omniuri.ErrNotValidURI) {
		t.Errorf("err = %v, want ErrNotValidURI", err)
	}
	if e.mem.Count() != 0 {
		t.Error("opened target was committed")
	}
}

func TestParseWriteMode(t *testing.T) {
	for _, m := range []WriteMode{WriteAll, WriteBestEffort, WriteQuorum} {
		got, err := ParseWriteMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseWriteMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseWriteMode("most"); err == nil {
		t.Error("ParseWriteMode(most) should fail")
	}
}
