package omniuri

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// DirRemover is implemented by backends with real directories. Rmdir calls
// it after deleting every file so empty directories go away too.
type DirRemover interface {
	RemoveEmptyDirs(ctx context.Context, u URI) error
}

// RmdirOptions configures Rmdir.
type RmdirOptions struct {
	// DryRun reports the files without deleting anything.
	DryRun bool

	// Workers is the size of the deletion pool. Default is the registry's
	// RmdirWorkers.
	Workers int

	// NoLock deletes files without taking their locks.
	NoLock bool
}

// RmdirResult reports what Rmdir found and deleted.
type RmdirResult struct {
	Files   []string
	Deleted int
}

// FindAllFiles returns the identities of all files below u.
func (r *Registry) FindAllFiles(ctx context.Context, u URI) ([]string, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	files, err := u.backend.List(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", u, err)
	}
	return files, nil
}

// FindAllFiles returns the identities of all files below the handle.
func (u URI) FindAllFiles(ctx context.Context) ([]string, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	return u.reg.FindAllFiles(ctx, u)
}

// Rmdir deletes every file below u. Deletions are spread over a fixed pool;
// worker i resolves its files with thread id i so each worker keeps its own
// backend client.
func (r *Registry) Rmdir(ctx context.Context, u URI, opts RmdirOptions) (RmdirResult, error) {
	files, err := r.FindAllFiles(ctx, u)
	if err != nil {
		return RmdirResult{}, err
	}
	result := RmdirResult{Files: files}
	if opts.DryRun {
		for _, f := range files {
			r.logger.Info("would remove", slog.String("uri", f))
		}
		return result, nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = r.opts.RmdirWorkers
	}

	var deleted atomic.Int64
	work := make(chan string)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < workers; i++ {
		threadID := i
		g.Go(func() error {
			for f := range work {
				h := r.Resolve(f, threadID)
				err := r.Remove(gctx, h, RemoveOptions{NoLock: opts.NoLock})
				switch {
				case err == nil:
					deleted.Inc()
				case IsNotFound(err):
					// removed concurrently
				default:
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(work)
		for _, f := range files {
			select {
			case work <- f:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	err = g.Wait()
	result.Deleted = int(deleted.Load())
	if err != nil {
		return result, fmt.Errorf("rmdir %s: %w", u, err)
	}

	if dr, ok := u.backend.(DirRemover); ok {
		if err := dr.RemoveEmptyDirs(ctx, u); err != nil {
			return result, fmt.Errorf("rmdir %s: %w", u, err)
		}
	}
	r.logger.Info("rmdir",
		slog.String("uri", u.raw),
		slog.Int("files", len(files)),
		slog.Int("deleted", result.Deleted))
	return result, nil
}

// Rmdir deletes every file below the handle. See Registry.Rmdir.
func (u URI) Rmdir(ctx context.Context, opts RmdirOptions) (RmdirResult, error) {
	if err := u.check(); err != nil {
		return RmdirResult{}, err
	}
	return u.reg.Rmdir(ctx, u, opts)
}
