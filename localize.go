package omniuri

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grokify/omniuri/format"
)

// LocalizeOptions configures Localize.
type LocalizeOptions struct {
	// TargetRoot is the identity prefix to localize under. If empty, the
	// LocPrefix of TargetBackend (or the registry's DefaultTarget) is used.
	TargetRoot string

	// TargetBackend names the backend whose LocPrefix is the root.
	TargetBackend string

	// Recursive rewrites references inside documents of a registered format.
	Recursive bool

	// CreateHashSidecar persists hashes computed by the copies.
	CreateHashSidecar bool

	// NoLock skips locking the written targets.
	NoLock bool
}

// Localize materializes src under the target root. Layout mirrors src:
// root + DirnameWithoutScheme + "/" + basename.
//
// With Recursive, every value in a structured document that names an
// existing file on a registered backend is localized first and replaced by
// its new identity. A document whose content changed is written as
// "<base>.<src tag><ext>" and modified is true. An unchanged object on a
// different backend than the root is copied under its own name and
// modified is true. Otherwise src is returned as is.
func (r *Registry) Localize(ctx context.Context, src URI, opts LocalizeOptions) (URI, bool, error) {
	if opts.TargetRoot == "" {
		tag := opts.TargetBackend
		if tag == "" {
			tag = r.opts.DefaultTarget
		}
		opts.TargetRoot = r.LocPrefix(tag)
	}
	if opts.TargetRoot == "" {
		return URI{}, false, ErrNoLocalizationRoot
	}
	return r.localize(ctx, src, opts, 0)
}

// Localize localizes the handle. See Registry.Localize.
func (u URI) Localize(ctx context.Context, opts LocalizeOptions) (URI, bool, error) {
	if err := u.check(); err != nil {
		return URI{}, false, err
	}
	return u.reg.Localize(ctx, u, opts)
}

func (r *Registry) localize(ctx context.Context, src URI, opts LocalizeOptions, depth int) (URI, bool, error) {
	if err := src.check(); err != nil {
		return URI{}, false, err
	}
	if depth >= r.opts.MaxDepth {
		return URI{}, false, fmt.Errorf("%w: depth %d at %s", ErrLocalizationCycle, depth, src)
	}
	root := r.Resolve(opts.TargetRoot, src.threadID)
	if err := root.check(); err != nil {
		return URI{}, false, fmt.Errorf("localization root: %w", err)
	}

	var (
		content []byte
		altered bool
	)
	if h, ok := format.Lookup(src.Basename()); ok && opts.Recursive {
		data, err := r.Read(ctx, src)
		if err != nil {
			return URI{}, false, err
		}
		content, altered, err = h.Rewrite(data, func(value string) (string, bool, error) {
			return r.localizeValue(ctx, src, value, opts, depth)
		})
		if err != nil {
			return URI{}, false, fmt.Errorf("localize %s: %w", src, err)
		}
	}

	dir := src.DirnameWithoutScheme()
	switch {
	case altered:
		name := src.BasenameWithoutExt() + "." + src.Tag() + src.FullExt()
		dst := r.Resolve(JoinPath(opts.TargetRoot, dir, name), src.threadID)
		if err := r.Write(ctx, dst, content, WriteOptions{NoLock: opts.NoLock}); err != nil {
			return URI{}, false, err
		}
		r.logger.Info("localized rewritten document",
			slog.String("src", src.raw),
			slog.String("dst", dst.raw),
			slog.Int("depth", depth))
		return dst, true, nil

	case src.Tag() != root.Tag():
		dst, result, err := r.Copy(ctx, src, JoinPath(opts.TargetRoot, dir, src.Basename()), CopyOptions{
			NoLock:            opts.NoLock,
			CreateHashSidecar: opts.CreateHashSidecar,
		})
		if err != nil {
			return URI{}, false, err
		}
		r.logger.Info("localized",
			slog.String("src", src.raw),
			slog.String("dst", dst.raw),
			slog.String("result", result.String()),
			slog.Int("depth", depth))
		return dst, true, nil
	}

	return src, false, nil
}

// localizeValue localizes one document value if it names an existing file.
func (r *Registry) localizeValue(ctx context.Context, parent URI, value string, opts LocalizeOptions, depth int) (string, bool, error) {
	ref := r.Resolve(value, parent.threadID)
	if !ref.Valid() {
		return value, false, nil
	}
	md, err := r.Metadata(ctx, ref, MetadataOptions{SkipHash: true})
	if err != nil {
		return value, false, err
	}
	if !md.Exists {
		return value, false, nil
	}

	loc, _, err := r.localize(ctx, ref, opts, depth+1)
	if err != nil {
		return value, false, err
	}
	return loc.raw, loc.raw != value, nil
}
