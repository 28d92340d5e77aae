package omniuri

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// CopyResult says what Copy did.
type CopyResult int

const (
	// CopyPerformed means content was transferred.
	CopyPerformed CopyResult = iota

	// CopySkippedHashMatch means the destination already had the same MD5.
	CopySkippedHashMatch

	// CopySkippedHeuristic means no hash comparison was possible and the
	// destination has the same basename and size and is not older.
	CopySkippedHeuristic
)

func (c CopyResult) String() string {
	switch c {
	case CopyPerformed:
		return "performed"
	case CopySkippedHashMatch:
		return "skipped-hash-match"
	case CopySkippedHeuristic:
		return "skipped-heuristic-match"
	default:
		return fmt.Sprintf("CopyResult(%d)", int(c))
	}
}

// CopyOptions configures Copy.
type CopyOptions struct {
	// NoLock skips locking the destination.
	NoLock bool

	// NoChecksum always transfers without comparing metadata.
	NoChecksum bool

	// SkipHash compares only what is cheap to get; without any hash the
	// heuristic comparison decides.
	SkipHash bool

	// CreateHashSidecar persists hashes computed during the comparison.
	CreateHashSidecar bool

	// Lock overrides the registry lock defaults for this call.
	Lock LockOptions
}

// Copy copies src to dst and returns the final destination handle.
//
// A dst ending in Separator is a directory and receives src's basename.
// The destination is locked unless NoLock. Unless NoChecksum, an existing
// destination with the same MD5, or failing a hash comparison with the same
// basename and size and an mtime not older than the source, is left alone.
// Otherwise the transfer registered for the backend pair runs.
func (r *Registry) Copy(ctx context.Context, src URI, dst string, opts CopyOptions) (URI, CopyResult, error) {
	if err := src.check(); err != nil {
		return URI{}, CopyPerformed, err
	}
	if strings.HasSuffix(dst, Separator) {
		dst += src.Basename()
	}
	d := r.Resolve(dst, src.threadID)
	if err := d.check(); err != nil {
		return d, CopyPerformed, err
	}

	result := CopyPerformed
	err := r.withLock(ctx, d, opts.NoLock, opts.Lock, func(ctx context.Context) error {
		if !opts.NoChecksum {
			skip, err := r.compare(ctx, src, d, opts)
			if err != nil {
				return err
			}
			if skip != CopyPerformed {
				result = skip
				return nil
			}
		}

		fn, err := r.transfers.Lookup(src.Tag(), d.Tag())
		if err != nil {
			return err
		}
		return fn(ctx, src, d)
	})
	if err != nil {
		return d, result, fmt.Errorf("copy %s -> %s: %w", src, d, err)
	}

	r.logger.Info("copy",
		slog.String("src", src.raw),
		slog.String("dst", d.raw),
		slog.String("result", result.String()))
	return d, result, nil
}

// CopyTo copies the handle to dst. See Registry.Copy.
func (u URI) CopyTo(ctx context.Context, dst string, opts CopyOptions) (URI, CopyResult, error) {
	if err := u.check(); err != nil {
		return URI{}, CopyPerformed, err
	}
	return u.reg.Copy(ctx, u, dst, opts)
}

// compare decides whether the transfer can be skipped.
func (r *Registry) compare(ctx context.Context, src, dst URI, opts CopyOptions) (CopyResult, error) {
	mopts := MetadataOptions{SkipHash: opts.SkipHash, CreateHashSidecar: opts.CreateHashSidecar}

	dm, err := r.Metadata(ctx, dst, mopts)
	if err != nil {
		return CopyPerformed, err
	}
	if !dm.Exists {
		return CopyPerformed, nil
	}
	sm, err := r.Metadata(ctx, src, mopts)
	if err != nil {
		return CopyPerformed, err
	}
	if !sm.Exists {
		return CopyPerformed, fmt.Errorf("%w: %s", ErrNotFound, src)
	}

	if sm.MD5 != "" && dm.MD5 != "" {
		if sm.MD5 == dm.MD5 {
			return CopySkippedHashMatch, nil
		}
		return CopyPerformed, nil
	}

	if src.Basename() == dst.Basename() &&
		sm.Size >= 0 && sm.Size == dm.Size &&
		!sm.ModTime.IsZero() && !dm.ModTime.IsZero() &&
		!sm.ModTime.After(dm.ModTime) {
		return CopySkippedHeuristic, nil
	}
	return CopyPerformed, nil
}
