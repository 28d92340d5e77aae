package omniuri

import (
	"context"
	"fmt"
)

// Move copies src to dst and then removes src. Both steps use the regular
// Copy and Remove semantics, so the destination is locked during the copy
// and the source during the removal unless NoLock.
//
// A copy skipped because dst already matches still removes src. If the
// removal fails the copy is not undone; the returned handle is valid and
// the error says why src is still there.
func (r *Registry) Move(ctx context.Context, src URI, dst string, opts CopyOptions) (URI, CopyResult, error) {
	d, res, err := r.Copy(ctx, src, dst, opts)
	if err != nil {
		return d, res, err
	}
	if d.raw == src.raw {
		return d, res, nil
	}
	if err := r.Remove(ctx, src, RemoveOptions{NoLock: opts.NoLock, Lock: opts.Lock}); err != nil {
		return d, res, fmt.Errorf("move %s -> %s: %w", src, d, err)
	}
	return d, res, nil
}

// MoveTo moves the handle to dst. See Registry.Move.
func (u URI) MoveTo(ctx context.Context, dst string, opts CopyOptions) (URI, CopyResult, error) {
	if err := u.check(); err != nil {
		return URI{}, CopyPerformed, err
	}
	return u.reg.Move(ctx, u, dst, opts)
}
