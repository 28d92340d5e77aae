package omniuri

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// WriteOptions configures Write.
type WriteOptions struct {
	NoLock bool
	Lock   LockOptions
}

// RemoveOptions configures Remove.
type RemoveOptions struct {
	NoLock bool
	Lock   LockOptions
}

// Write replaces the content of u with data under the target's lock.
func (r *Registry) Write(ctx context.Context, u URI, data []byte, opts WriteOptions) error {
	if err := u.check(); err != nil {
		return err
	}
	err := r.withLock(ctx, u, opts.NoLock, opts.Lock, func(ctx context.Context) error {
		return writeAll(ctx, u, data)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", u, err)
	}
	r.logger.Debug("write", slog.String("uri", u.raw), slog.Int("bytes", len(data)))
	return nil
}

// Open returns a reader on the content of u.
func (r *Registry) Open(ctx context.Context, u URI) (io.ReadCloser, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	rc, err := u.backend.NewReader(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return rc, nil
}

// Read returns the whole content of u.
func (r *Registry) Read(ctx context.Context, u URI) ([]byte, error) {
	rc, err := r.Open(ctx, u)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return data, nil
}

// Remove deletes u under its lock. It returns ErrNotFound if u does not
// exist.
func (r *Registry) Remove(ctx context.Context, u URI, opts RemoveOptions) error {
	if err := u.check(); err != nil {
		return err
	}
	err := r.withLock(ctx, u, opts.NoLock, opts.Lock, func(ctx context.Context) error {
		info, err := u.backend.Stat(ctx, u)
		if err != nil {
			return err
		}
		if info.IsDir {
			return fmt.Errorf("%w: is a directory", ErrInvalidPath)
		}
		return u.backend.Delete(ctx, u)
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", u, err)
	}
	r.logger.Debug("remove", slog.String("uri", u.raw))
	return nil
}

// PresignedURL returns a temporary public URL for u if its backend can
// mint one.
func (r *Registry) PresignedURL(ctx context.Context, u URI, d time.Duration) (string, error) {
	if err := u.check(); err != nil {
		return "", err
	}
	p, ok := u.backend.(Presigner)
	if !ok {
		return "", fmt.Errorf("%w: presigned urls on %s backend", ErrNotSupported, u.Tag())
	}
	return p.PresignedURL(ctx, u, d)
}

// Write replaces the handle's content. See Registry.Write.
func (u URI) Write(ctx context.Context, data []byte, opts WriteOptions) error {
	if err := u.check(); err != nil {
		return err
	}
	return u.reg.Write(ctx, u, data, opts)
}

// Open returns a reader on the handle's content.
func (u URI) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	return u.reg.Open(ctx, u)
}

// Read returns the handle's content as bytes.
func (u URI) Read(ctx context.Context) ([]byte, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	return u.reg.Read(ctx, u)
}

// ReadString returns the handle's content as a string.
func (u URI) ReadString(ctx context.Context) (string, error) {
	data, err := u.Read(ctx)
	return string(data), err
}

// Remove deletes the handle's object. See Registry.Remove.
func (u URI) Remove(ctx context.Context, opts RemoveOptions) error {
	if err := u.check(); err != nil {
		return err
	}
	return u.reg.Remove(ctx, u, opts)
}

// PresignedURL returns a temporary public URL. See Registry.PresignedURL.
func (u URI) PresignedURL(ctx context.Context, d time.Duration) (string, error) {
	if err := u.check(); err != nil {
		return "", err
	}
	return u.reg.PresignedURL(ctx, u, d)
}
