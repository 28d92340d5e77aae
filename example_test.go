package omniuri_test

import (
	"context"
	"fmt"

	"github.com/grokify/omniuri"
	"github.com/grokify/omniuri/backend/memory"
)

func ExampleRegistry_Resolve() {
	reg := omniuri.NewRegistry(omniuri.Options{})
	reg.Register(omniuri.Descriptor{Backend: memory.New(memory.Config{})})

	u := reg.Resolve("mem://reports/2024/q1.csv.gz", 0)
	fmt.Println(u.Tag(), u.Basename(), u.FullExt(), u.DirnameWithoutScheme())

	inert := reg.Resolve("ftp://host/q1.csv", 0)
	fmt.Println(inert.Valid(), inert.String())
	// Output:
	// mem q1.csv.gz .csv.gz reports/2024
	// false ftp://host/q1.csv
}

func ExampleRegistry_Copy() {
	ctx := context.Background()
	mem := memory.New(memory.Config{})
	reg := omniuri.NewRegistry(omniuri.Options{})
	reg.Register(omniuri.Descriptor{Backend: mem})
	reg.Transfers().RegisterPush(memory.Tag, memory.Tag, mem.Transfer)
	defer reg.Close()

	src := reg.Resolve("mem://in/a.txt", 0)
	_ = src.Write(ctx, []byte("hello world"), omniuri.WriteOptions{})

	dst, result, err := reg.Copy(ctx, src, "mem://out/", omniuri.CopyOptions{})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(dst, result)

	_, result, _ = reg.Copy(ctx, src, "mem://out/", omniuri.CopyOptions{})
	fmt.Println(result)
	// Output:
	// mem://out/a.txt performed
	// skipped-hash-match
}

func ExampleRegistry_WithLock() {
	ctx := context.Background()
	reg := omniuri.NewRegistry(omniuri.Options{})
	reg.Register(omniuri.Descriptor{Backend: memory.New(memory.Config{})})

	u := reg.Resolve("mem://state.json", 0)
	err := reg.WithLock(ctx, u, omniuri.LockOptions{}, func(ctx context.Context) error {
		return u.Write(ctx, []byte(`{"n": 1}`), omniuri.WriteOptions{NoLock: true})
	})
	fmt.Println(err)

	s, _ := u.ReadString(ctx)
	fmt.Println(s)
	// Output:
	// <nil>
	// {"n": 1}
}
