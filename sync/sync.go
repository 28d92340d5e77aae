package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grokify/omniuri"
	"github.com/grokify/omniuri/sync/filter"
)

// Sync copies every file below src to the same relative path below dst.
//
// Each file goes through the registry's Copy, so unchanged files are
// skipped and destinations are locked unless opts.Copy.NoLock. With
// DeleteExtra, destination files without a source counterpart are removed
// afterwards. Per-file failures are collected in Result.Errors; the
// returned error is reserved for listing failures and cancellation.
func Sync(ctx context.Context, src, dst omniuri.URI, opts Options) (*Result, error) {
	start := time.Now()
	logger := opts.logger(src)
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	result := &Result{DryRun: opts.DryRun}

	logger.Info("starting sync",
		slog.String("src", src.String()),
		slog.String("dst", dst.String()),
		slog.Bool("delete_extra", opts.DeleteExtra),
		slog.Bool("dry_run", opts.DryRun),
		slog.Int("concurrency", opts.Concurrency))

	srcFiles, err := listFiles(ctx, src, opts.Filter)
	if err != nil {
		return nil, err
	}
	dstFiles, err := listFiles(ctx, dst, opts.Filter)
	if err != nil {
		return nil, err
	}

	var (
		copied, skipped, deleted atomic.Int64
		mu                       gosync.Mutex
	)
	fail := func(rel, op string, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Errors = append(result.Errors, FileError{Path: rel, Op: op, Err: err})
		logger.Error("sync failed",
			slog.String("path", rel),
			slog.String("op", op),
			slog.String("error", err.Error()))
	}

	rels := sortedKeys(srcFiles)
	err = forEach(ctx, rels, opts.Concurrency, func(ctx context.Context, worker int, rel string) {
		s := srcFiles[rel].WithThreadID(worker)
		target := omniuri.JoinPath(dst.String(), rel)

		if opts.DryRun {
			need, err := needsCopy(ctx, s, dstFiles[rel])
			if err != nil {
				fail(rel, "compare", err)
				return
			}
			if need {
				logger.Info("would copy", slog.String("path", rel))
				copied.Inc()
			} else {
				skipped.Inc()
			}
			return
		}

		_, res, err := s.CopyTo(ctx, target, opts.Copy)
		switch {
		case err != nil:
			fail(rel, "copy", err)
		case res == omniuri.CopyPerformed:
			copied.Inc()
		default:
			skipped.Inc()
		}
	})
	if err != nil {
		return nil, err
	}

	if opts.DeleteExtra {
		var extra []string
		for _, rel := range sortedKeys(dstFiles) {
			if _, ok := srcFiles[rel]; !ok {
				extra = append(extra, rel)
			}
		}
		err = forEach(ctx, extra, opts.Concurrency, func(ctx context.Context, worker int, rel string) {
			if opts.DryRun {
				logger.Info("would delete", slog.String("path", rel))
				deleted.Inc()
				return
			}
			d := dstFiles[rel].WithThreadID(worker)
			err := d.Remove(ctx, omniuri.RemoveOptions{NoLock: opts.Copy.NoLock, Lock: opts.Copy.Lock})
			if err != nil && !omniuri.IsNotFound(err) {
				fail(rel, "delete", err)
				return
			}
			deleted.Inc()
		})
		if err != nil {
			return nil, err
		}
	}

	result.Copied = int(copied.Load())
	result.Skipped = int(skipped.Load())
	result.Deleted = int(deleted.Load())
	result.Duration = time.Since(start)

	logger.Info("sync complete",
		slog.Int("copied", result.Copied),
		slog.Int("skipped", result.Skipped),
		slog.Int("deleted", result.Deleted),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// listFiles maps paths relative to root to handles, keeping only what the
// filter accepts. Lock objects and hash sidecars are bookkeeping and never
// listed.
func listFiles(ctx context.Context, root omniuri.URI, f *filter.Filter) (map[string]omniuri.URI, error) {
	files, err := root.FindAllFiles(ctx)
	if err != nil {
		return nil, err
	}
	reg := root.Registry()
	prefix := strings.TrimSuffix(root.String(), omniuri.Separator) + omniuri.Separator

	out := make(map[string]omniuri.URI, len(files))
	for _, raw := range files {
		if strings.HasSuffix(raw, omniuri.LockSuffix) || strings.HasSuffix(raw, omniuri.SidecarSuffix) {
			continue
		}
		rel := strings.TrimPrefix(raw, prefix)
		u := reg.Resolve(raw, root.ThreadID())
		if !f.IsEmpty() {
			fi := filter.FileInfo{Path: rel}
			if f.NeedsInfo() {
				md, err := u.Metadata(ctx, omniuri.MetadataOptions{SkipHash: true})
				if err != nil {
					return nil, err
				}
				fi.Size, fi.ModTime = md.Size, md.ModTime
			}
			if !f.Match(fi) {
				continue
			}
		}
		out[rel] = u
	}
	return out, nil
}

// needsCopy is the dry-run decision: a missing or differently sized
// destination.
func needsCopy(ctx context.Context, src, dst omniuri.URI) (bool, error) {
	if !dst.Valid() {
		return true, nil
	}
	sm, err := src.Metadata(ctx, omniuri.MetadataOptions{SkipHash: true})
	if err != nil {
		return false, err
	}
	dm, err := dst.Metadata(ctx, omniuri.MetadataOptions{SkipHash: true})
	if err != nil {
		return false, err
	}
	return !dm.Exists || sm.Size != dm.Size, nil
}

// forEach runs fn over items on a fixed pool. Worker i passes thread id i
// so each worker keeps its own backend clients.
func forEach(ctx context.Context, items []string, workers int, fn func(ctx context.Context, worker int, item string)) error {
	work := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			for item := range work {
				fn(gctx, worker, item)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(work)
		for _, item := range items {
			select {
			case work <- item:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return ctx.Err()
}

func sortedKeys(m map[string]omniuri.URI) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
