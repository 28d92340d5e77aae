package omniuri

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// TransferFunc moves the content of src to dst. Both handles are valid;
// locking and skip decisions have already been made by the caller.
type TransferFunc func(ctx context.Context, src, dst URI) error

// Aborter is implemented by writers that can discard everything written
// so far instead of committing it on Close.
type Aborter interface {
	Abort() error
}

type transferKey struct {
	src, dst string
}

// TransferMatrix maps (source tag, destination tag) pairs to transfer
// functions. Push entries are contributed by the source backend and are
// tried first; pull entries are contributed by the destination backend.
// A pair with neither is unsupported.
type TransferMatrix struct {
	mu   sync.RWMutex
	push map[transferKey]TransferFunc
	pull map[transferKey]TransferFunc
}

// NewTransferMatrix creates an empty matrix.
func NewTransferMatrix() *TransferMatrix {
	return &TransferMatrix{
		push: make(map[transferKey]TransferFunc),
		pull: make(map[transferKey]TransferFunc),
	}
}

// RegisterPush registers a transfer the source backend performs.
func (m *TransferMatrix) RegisterPush(srcTag, dstTag string, fn TransferFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push[transferKey{srcTag, dstTag}] = fn
}

// RegisterPull registers a transfer the destination backend performs by
// pulling from the source.
func (m *TransferMatrix) RegisterPull(dstTag, srcTag string, fn TransferFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pull[transferKey{srcTag, dstTag}] = fn
}

// Lookup returns the transfer for a pair, push entries first.
func (m *TransferMatrix) Lookup(srcTag, dstTag string) (TransferFunc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := transferKey{srcTag, dstTag}
	if fn, ok := m.push[k]; ok {
		return fn, nil
	}
	if fn, ok := m.pull[k]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrTransferUnsupported, srcTag, dstTag)
}

// Supports reports whether a transfer is registered for the pair.
func (m *TransferMatrix) Supports(srcTag, dstTag string) bool {
	_, err := m.Lookup(srcTag, dstTag)
	return err == nil
}

// StreamTransfer copies src to dst through the backends' reader and writer,
// throttled by the registry bandwidth limit. A failed copy aborts the
// writer when it supports that so no partial object is committed.
func (r *Registry) StreamTransfer(ctx context.Context, src, dst URI) error {
	rc, err := src.backend.NewReader(ctx, src)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", src, err)
	}
	defer rc.Close()

	w, err := dst.backend.NewWriter(ctx, dst)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", dst, err)
	}

	n, err := io.Copy(w, newThrottledReader(ctx, rc, r.limiter))
	if err != nil {
		return errors.Join(fmt.Errorf("transfer %s -> %s: %w", src, dst, err), abort(w))
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("transfer %s: %w", dst, err)
	}

	r.logger.Debug("stream transfer complete",
		slog.String("src", src.raw),
		slog.String("dst", dst.raw),
		slog.Int64("bytes", n))
	return nil
}

// StagedTransfer downloads src to a local temporary file and uploads it to
// dst. Both legs go through Copy without locking or checksums. It needs a
// registered backend that accepts local temp paths and transfers between
// it and both ends.
func (r *Registry) StagedTransfer(ctx context.Context, src, dst URI) error {
	f, err := os.CreateTemp(r.tempDir(), "omniuri-stage-*")
	if err != nil {
		return fmt.Errorf("staged transfer: %w", err)
	}
	tmpPath := f.Name()
	_ = f.Close()
	defer os.Remove(tmpPath)

	tmp := r.Resolve(tmpPath, src.threadID)
	if !tmp.Valid() {
		return fmt.Errorf("%w: no backend for staging path %s", ErrTransferUnsupported, tmpPath)
	}

	mech := CopyOptions{NoLock: true, NoChecksum: true}
	if _, _, err := r.Copy(ctx, src, tmpPath, mech); err != nil {
		return fmt.Errorf("staged transfer download: %w", err)
	}
	if _, _, err := r.Copy(ctx, tmp, dst.raw, mech); err != nil {
		return fmt.Errorf("staged transfer upload: %w", err)
	}
	return nil
}

func abort(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}

// writeAll writes data to u through the backend writer, aborting on failure.
func writeAll(ctx context.Context, u URI, data []byte) error {
	w, err := u.backend.NewWriter(ctx, u)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return errors.Join(err, abort(w))
	}
	return w.Close()
}
