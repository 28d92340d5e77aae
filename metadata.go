package omniuri

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// MetadataOptions controls how much work a metadata query may do.
type MetadataOptions struct {
	// SkipHash leaves MD5 empty rather than reading the whole object
	// when no cheaper hash source exists.
	SkipHash bool

	// CreateHashSidecar persists a freshly computed hash to <identity>.md5.
	CreateHashSidecar bool
}

// Metadata queries existence, size, mtime and content hash of u.
//
// The hash comes from the first source that has one: the backend itself,
// the hash cache, a sidecar at least as new as the object, or (unless
// SkipHash) a full read. A missing object or a directory yields
// Exists=false; every other failure is returned.
func (r *Registry) Metadata(ctx context.Context, u URI, opts MetadataOptions) (Metadata, error) {
	if err := u.check(); err != nil {
		return Metadata{}, err
	}

	info, err := u.backend.Stat(ctx, u)
	if err != nil {
		if IsNotFound(err) {
			return absentMetadata(), nil
		}
		return Metadata{}, fmt.Errorf("metadata %s: %w", u, err)
	}
	if info.IsDir {
		return absentMetadata(), nil
	}

	md := Metadata{
		Exists:  true,
		ModTime: info.ModTime,
		Size:    info.Size,
		MD5:     ParseMD5(info.MD5),
	}
	if md.MD5 != "" {
		return md, nil
	}

	key := HashKey{URI: u.raw, Size: info.Size, ModTime: info.ModTime}
	if c := r.opts.HashCache; c != nil {
		sum, ok, err := c.Get(key)
		if err != nil {
			r.logger.Warn("hash cache lookup failed",
				slog.String("uri", u.raw),
				slog.String("error", err.Error()))
		} else if ok {
			md.MD5 = sum
			return md, nil
		}
	}

	sum, err := r.readSidecar(ctx, u, info)
	if err != nil {
		return Metadata{}, err
	}
	if sum != "" {
		md.MD5 = sum
		return md, nil
	}

	if opts.SkipHash {
		return md, nil
	}

	if md.MD5, err = r.computeMD5(ctx, u); err != nil {
		return Metadata{}, err
	}
	if c := r.opts.HashCache; c != nil {
		if err := c.Put(key, md.MD5); err != nil {
			r.logger.Warn("hash cache store failed",
				slog.String("uri", u.raw),
				slog.String("error", err.Error()))
		}
	}
	if opts.CreateHashSidecar {
		if err := r.writeSidecar(ctx, u, md.MD5); err != nil {
			return Metadata{}, err
		}
	}
	return md, nil
}

// Metadata queries the handle's metadata. See Registry.Metadata.
func (u URI) Metadata(ctx context.Context, opts MetadataOptions) (Metadata, error) {
	if err := u.check(); err != nil {
		return Metadata{}, err
	}
	return u.reg.Metadata(ctx, u, opts)
}

// Exists reports whether u names an existing file.
func (u URI) Exists(ctx context.Context) (bool, error) {
	md, err := u.Metadata(ctx, MetadataOptions{SkipHash: true})
	if err != nil {
		return false, err
	}
	return md.Exists, nil
}

// readSidecar returns the sidecar hash if it exists and is not older than
// the object it describes. It returns "" for missing or stale sidecars.
func (r *Registry) readSidecar(ctx context.Context, u URI, src ObjectInfo) (string, error) {
	side := u.sibling(u.SidecarPath())
	info, err := u.backend.Stat(ctx, side)
	if err != nil {
		if IsNotFound(err) || IsNotSupported(err) {
			return "", nil
		}
		return "", fmt.Errorf("sidecar %s: %w", side, err)
	}
	if info.IsDir || info.ModTime.Before(src.ModTime) {
		return "", nil
	}

	rc, err := u.backend.NewReader(ctx, side)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("sidecar %s: %w", side, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, 1024))
	if err != nil {
		return "", fmt.Errorf("sidecar %s: %w", side, err)
	}
	// "md5sum" output format: digest first, optional file name after
	var sum string
	if fields := strings.Fields(string(data)); len(fields) > 0 {
		sum = ParseMD5(fields[0])
	}
	if sum == "" {
		r.logger.Warn("ignoring malformed hash sidecar", slog.String("uri", side.raw))
	}
	return sum, nil
}

func (r *Registry) writeSidecar(ctx context.Context, u URI, sum string) error {
	side := u.sibling(u.SidecarPath())
	if err := writeAll(ctx, side, []byte(sum)); err != nil {
		return fmt.Errorf("sidecar %s: %w", side, err)
	}
	r.logger.Debug("hash sidecar written", slog.String("uri", side.raw))
	return nil
}

func (r *Registry) computeMD5(ctx context.Context, u URI) (string, error) {
	rc, err := u.backend.NewReader(ctx, u)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", u, err)
	}
	defer rc.Close()

	sum, err := MD5Reader(rc)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", u, err)
	}
	return sum, nil
}
