// Package sync mirrors a directory of one backend into a directory of
// another, one way, using the Copy protocol of a registry for every file.
//
// Two operations are provided:
//
//   - Sync: copy new and changed files, optionally deleting extra files
//   - Check: report which files match, differ or exist on one side only
//
// Basic usage:
//
//	src := reg.Resolve("s3://bucket/data", 0)
//	dst := reg.Resolve("/var/cache/data", 0)
//	result, err := sync.Sync(ctx, src, dst, sync.Options{DeleteExtra: true})
//	fmt.Printf("copied %d, skipped %d, deleted %d\n", result.Copied, result.Skipped, result.Deleted)
package sync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/grokify/mogo/log/slogutil"
	"github.com/grokify/omniuri"
	"github.com/grokify/omniuri/sync/filter"
)

// Options configures Sync and Check.
type Options struct {
	// DeleteExtra deletes destination files that have no source
	// counterpart. Files excluded by Filter are never deleted.
	DeleteExtra bool

	// DryRun reports what would be done without making changes. The
	// decision uses size only.
	DryRun bool

	// Filter restricts the files considered, matched on paths relative to
	// the source and destination roots.
	Filter *filter.Filter

	// Concurrency is the number of parallel copies. Default is 4.
	Concurrency int

	// Copy is passed to every per-file copy.
	Copy omniuri.CopyOptions

	// Logger for sync operations. If nil, the registry logger is used.
	Logger *slog.Logger
}

func (o Options) logger(u omniuri.URI) *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	if reg := u.Registry(); reg != nil {
		return reg.Logger()
	}
	return slogutil.Null()
}

// Result summarizes a Sync.
type Result struct {
	Copied   int
	Skipped  int
	Deleted  int
	Errors   []FileError
	DryRun   bool
	Duration time.Duration
}

// Success reports whether every file was handled without error.
func (r *Result) Success() bool {
	return len(r.Errors) == 0
}

// CheckResult summarizes a Check. Paths are relative to the roots.
type CheckResult struct {
	Match   []string    `json:"match"`
	Differ  []string    `json:"differ"`
	SrcOnly []string    `json:"src_only"`
	DstOnly []string    `json:"dst_only"`
	Errors  []FileError `json:"errors,omitempty"`
}

// InSync reports whether both sides hold the same files with the same
// content.
func (r *CheckResult) InSync() bool {
	return len(r.Differ) == 0 && len(r.SrcOnly) == 0 && len(r.DstOnly) == 0 && len(r.Errors) == 0
}

// FileError records a failure for one file.
type FileError struct {
	Path string
	Op   string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e FileError) Unwrap() error {
	return e.Err
}

// MarshalText renders the error message, so results encode as JSON.
func (e FileError) MarshalText() ([]byte, error) {
	return []byte(e.Error()), nil
}
