package sync

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/grokify/omniuri"
	"github.com/grokify/omniuri/backend/file"
	"github.com/grokify/omniuri/backend/memory"
	"github.com/grokify/omniuri/sync/filter"
)

type env struct {
	reg *omniuri.Registry
	mem *memory.Backend
	dir string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		reg: omniuri.NewRegistry(omniuri.Options{
			Lock: omniuri.LockOptions{Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond},
		}),
		mem: memory.New(memory.Config{}),
		dir: t.TempDir(),
	}
	fs := file.New(file.DefaultConfig())
	e.reg.Register(omniuri.Descriptor{Backend: e.mem})
	e.reg.Register(omniuri.Descriptor{Backend: fs})

	m := e.reg.Transfers()
	m.RegisterPush(memory.Tag, memory.Tag, e.mem.Transfer)
	m.RegisterPush(file.Tag, file.Tag, fs.Transfer)
	m.RegisterPush(memory.Tag, file.Tag, e.reg.StreamTransfer)
	m.RegisterPush(file.Tag, memory.Tag, e.reg.StreamTransfer)

	t.Cleanup(func() { _ = e.reg.Close() })
	return e
}

func (e *env) write(t *testing.T, raw, content string) {
	t.Helper()
	u := e.reg.Resolve(raw, 0)
	if err := u.Write(context.Background(), []byte(content), omniuri.WriteOptions{NoLock: true}); err != nil {
		t.Fatalf("Write(%s) failed: %v", raw, err)
	}
}

func (e *env) verify(t *testing.T, raw, want string) {
	t.Helper()
	got, err := e.reg.Resolve(raw, 0).ReadString(context.Background())
	if err != nil {
		t.Fatalf("Read(%s) failed: %v", raw, err)
	}
	if got != want {
		t.Errorf("%s = %q, want %q", raw, got, want)
	}
}

func (e *env) exists(raw string) bool {
	ok, _ := e.reg.Resolve(raw, 0).Exists(context.Background())
	return ok
}

func TestSyncBasic(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.write(t, "mem://src/file1.txt", "content1")
	e.write(t, "mem://src/file2.txt", "content2")
	e.write(t, "mem://src/subdir/file3.txt", "content3")

	dst := e.dir + "/dst"
	result, err := Sync(ctx, e.reg.Resolve("mem://src", 0), e.reg.Resolve(dst, 0), Options{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Copied != 3 || result.Skipped != 0 || result.Deleted != 0 {
		t.Errorf("result = %+v", result)
	}
	if !result.Success() {
		t.Errorf("errors: %v", result.Errors)
	}
	e.verify(t, dst+"/file1.txt", "content1")
	e.verify(t, dst+"/file2.txt", "content2")
	e.verify(t, dst+"/subdir/file3.txt", "content3")

	// a second run finds nothing to do
	result, err = Sync(ctx, e.reg.Resolve("mem://src", 0), e.reg.Resolve(dst, 0), Options{})
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if result.Copied != 0 || result.Skipped != 3 {
		t.Errorf("second result = %+v, want 3 skipped", result)
	}
}

func TestSyncUpdatesChangedFiles(t *testing.T) {
	e := newEnv(t)
	e.write(t, "mem://src/a.txt", "new")
	e.write(t, "mem://src/b.txt", "same")
	e.write(t, "mem://dst/a.txt", "old")
	e.write(t, "mem://dst/b.txt", "same")

	result, err := Sync(context.Background(), e.reg.Resolve("mem://src", 0), e.reg.Resolve("mem://dst", 0), Options{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Copied != 1 || result.Skipped != 1 {
		t.Errorf("result = %+v", result)
	}
	e.verify(t, "mem://dst/a.txt", "new")
}

func TestSyncDeleteExtra(t *testing.T) {
	e := newEnv(t)
	e.write(t, "mem://src/keep.txt", "keep")
	e.write(t, "mem://dst/keep.txt", "keep")
	e.write(t, "mem://dst/extra.txt", "extra")

	src, dst := e.reg.Resolve("mem://src", 0), e.reg.Resolve("mem://dst", 0)

	result, err := Sync(context.Background(), src, dst, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Deleted != 0 || !e.exists("mem://dst/extra.txt") {
		t.Error("extra file deleted without DeleteExtra")
	}

	result, err = Sync(context.Background(), src, dst, Options{DeleteExtra: true})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", result.Deleted)
	}
	if e.exists("mem://dst/extra.txt") {
		t.Error("extra file still exists")
	}
	if !e.exists("mem://dst/keep.txt") {
		t.Error("kept file was deleted")
	}
}

func TestSyncDryRun(t *testing.T) {
	e := newEnv(t)
	e.write(t, "mem://src/a.txt", "aaa")
	e.write(t, "mem://src/b.txt", "bbb")
	e.write(t, "mem://dst/b.txt", "bbb")
	e.write(t, "mem://dst/extra.txt", "x")

	result, err := Sync(context.Background(), e.reg.Resolve("mem://src", 0), e.reg.Resolve("mem://dst", 0),
		Options{DryRun: true, DeleteExtra: true})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !result.DryRun || result.Copied != 1 || result.Skipped != 1 || result.Deleted != 1 {
		t.Errorf("result = %+v", result)
	}
	if e.exists("mem://dst/a.txt") || !e.exists("mem://dst/extra.txt") {
		t.Error("dry run changed the destination")
	}
}

func TestSyncFilter(t *testing.T) {
	e := newEnv(t)
	e.write(t, "mem://src/a.json", "{}")
	e.write(t, "mem://src/b.tmp", "tmp")
	e.write(t, "mem://src/big.json", "0123456789")
	e.write(t, "mem://dst/c.tmp", "excluded, never deleted")

	f := filter.New(filter.Exclude("*.tmp"), filter.MaxSize(5))
	result, err := Sync(context.Background(), e.reg.Resolve("mem://src", 0), e.reg.Resolve("mem://dst", 0),
		Options{Filter: f, DeleteExtra: true})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Copied != 1 || result.Deleted != 0 {
		t.Errorf("result = %+v", result)
	}
	if !e.exists("mem://dst/a.json") || e.exists("mem://dst/b.tmp") || e.exists("mem://dst/big.json") {
		t.Error("filter not applied to copies")
	}
	if !e.exists("mem://dst/c.tmp") {
		t.Error("excluded destination file was deleted")
	}
}

func TestSyncCollectsErrors(t *testing.T) {
	e := newEnv(t)
	e.write(t, "mem://src/a.txt", "a")

	// a registry with no transfers registered
	reg := omniuri.NewRegistry(omniuri.Options{})
	reg.Register(omniuri.Descriptor{Backend: e.mem})
	result, err := Sync(context.Background(), reg.Resolve("mem://src", 0), reg.Resolve("mem://dst", 0), Options{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Success() || len(result.Errors) != 1 {
		t.Fatalf("errors = %v, want one", result.Errors)
	}
	fe := result.Errors[0]
	if fe.Path != "a.txt" || fe.Op != "copy" {
		t.Errorf("error = %+v", fe)
	}
}

func TestSyncCancelled(t *testing.T) {
	e := newEnv(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		e.write(t, "mem://src/"+name, name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Sync(ctx, e.reg.Resolve("mem://src", 0), e.reg.Resolve("mem://dst", 0), Options{}); err == nil {
		t.Error("Sync with a cancelled context should fail")
	}
}

func TestCheck(t *testing.T) {
	e := newEnv(t)
	e.write(t, "mem://src/same.txt", "same")
	e.write(t, "mem://src/diff.txt", "one")
	e.write(t, "mem://src/src-only.txt", "s")
	e.write(t, e.dir+"/dst/same.txt", "same")
	e.write(t, e.dir+"/dst/diff.txt", "two")
	e.write(t, e.dir+"/dst/dst-only.txt", "d")

	result, err := Check(context.Background(), e.reg.Resolve("mem://src", 0), e.reg.Resolve(e.dir+"/dst", 0), Options{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	check := func(name string, got []string, want ...string) {
		t.Helper()
		sort.Strings(got)
		if len(got) != len(want) {
			t.Errorf("%s = %v, want %v", name, got, want)
			return
		}
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("%s = %v, want %v", name, got, want)
				return
			}
		}
	}
	check("Match", result.Match, "same.txt")
	check("Differ", result.Differ, "diff.txt")
	check("SrcOnly", result.SrcOnly, "src-only.txt")
	check("DstOnly", result.DstOnly, "dst-only.txt")
	if result.InSync() {
		t.Error("InSync() = true")
	}
}

func TestCheckAfterSync(t *testing.T) {
	e := newEnv(t)
	e.write(t, "mem://src/a.txt", "a")
	e.write(t, "mem://src/x/b.txt", "b")
	src, dst := e.reg.Resolve("mem://src", 0), e.reg.Resolve(e.dir+"/dst", 0)

	if _, err := Sync(context.Background(), src, dst, Options{Copy: omniuri.CopyOptions{CreateHashSidecar: true}}); err != nil {
		t.Fatal(err)
	}
	result, err := Check(context.Background(), src, dst, Options{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.InSync() {
		t.Errorf("not in sync after Sync: %+v", result)
	}
}
