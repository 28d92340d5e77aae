// Package omniuri provides one handle type for files that live on heterogeneous
// storage: local paths, S3 objects, SFTP paths, HTTP resources and in-memory objects.
//
// A Registry resolves a raw identity string to a URI handle by asking each
// registered backend, in registration order, whether it accepts the string.
// Handles then support a uniform set of operations: Metadata, Copy, Read,
// Write, Remove, FindAllFiles, Rmdir and Localize.
//
// Basic usage:
//
//	reg := omniuri.NewRegistry(omniuri.Options{})
//	reg.Register(omniuri.Descriptor{Backend: s3backend, LocPrefix: "s3://bucket/cache/"})
//	reg.Register(omniuri.Descriptor{Backend: local.New(local.Config{}), LocPrefix: "/tmp/cache/"})
//
//	u := reg.Resolve("s3://bucket/data/config.json", 0)
//	dst, result, err := reg.Copy(ctx, u, "/tmp/out/", omniuri.CopyOptions{})
package omniuri

import (
	"context"
	"io"
	"time"
)

// Separator is the path separator shared by every backend identity.
// A copy destination ending with it is treated as a directory.
const Separator = "/"

// Backend represents a storage system (local filesystem, S3, HTTP, etc.).
// Backends operate on full identities carried by URI handles and handle raw
// byte transport; locking, checksums and transfer selection live in Registry.
//
// Backends are safe for concurrent use by multiple goroutines.
type Backend interface {
	// Tag is the short backend name used in localized file names
	// and as the transfer matrix key (e.g. "local", "s3").
	Tag() string

	// Valid reports whether raw is an identity this backend owns.
	Valid(raw string) bool

	// Stat returns native metadata. Returns ErrNotFound if the path does not exist.
	Stat(ctx context.Context, u URI) (ObjectInfo, error)

	// NewReader opens the object for reading.
	// Returns ErrNotFound if the path does not exist.
	NewReader(ctx context.Context, u URI) (io.ReadCloser, error)

	// NewWriter creates a writer for the object. Content becomes visible
	// when the writer is closed.
	NewWriter(ctx context.Context, u URI) (io.WriteCloser, error)

	// Delete removes the object. Returns nil if it does not exist.
	Delete(ctx context.Context, u URI) error

	// List returns the identities of all files below u, recursively.
	// Directory entries are never returned.
	List(ctx context.Context, u URI) ([]string, error)

	// LockStrategy returns how locks are taken on this backend,
	// or nil if the backend cannot host lock objects.
	LockStrategy() LockStrategy

	// Close releases any resources held by the backend.
	Close() error
}

// Holder is implemented by object-storage backends that can flag an object
// as held. HoldLock uses it to build a mutex out of plain objects.
type Holder interface {
	// TryHold creates the lock object with its hold flag set. It returns
	// false when the lock object already exists, held or being released.
	TryHold(ctx context.Context, u URI, token string) (bool, error)

	// ClearHold removes the hold flag.
	ClearHold(ctx context.Context, u URI) error

	// Delete removes the lock object.
	Delete(ctx context.Context, u URI) error
}

// Presigner is implemented by backends that can mint temporary public URLs.
type Presigner interface {
	PresignedURL(ctx context.Context, u URI, d time.Duration) (string, error)
}

// ClientResetter is implemented by backends that memoize per-thread clients.
type ClientResetter interface {
	ResetClients()
}
