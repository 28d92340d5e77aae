package sync

import (
	"context"
	"log/slog"
	"sort"
	gosync "sync"

	"github.com/grokify/omniuri"
)

// Check compares the files below src and dst by content hash. Hashes come
// from the metadata oracle, so native hashes, the hash cache and sidecars
// are used before reading content; opts.Copy.SkipHash and
// opts.Copy.CreateHashSidecar apply. When a hash is missing on either side
// the files are compared by size.
func Check(ctx context.Context, src, dst omniuri.URI, opts Options) (*CheckResult, error) {
	logger := opts.logger(src)
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	srcFiles, err := listFiles(ctx, src, opts.Filter)
	if err != nil {
		return nil, err
	}
	dstFiles, err := listFiles(ctx, dst, opts.Filter)
	if err != nil {
		return nil, err
	}

	result := &CheckResult{}
	var common []string
	for _, rel := range sortedKeys(srcFiles) {
		if _, ok := dstFiles[rel]; ok {
			common = append(common, rel)
		} else {
			result.SrcOnly = append(result.SrcOnly, rel)
		}
	}
	for _, rel := range sortedKeys(dstFiles) {
		if _, ok := srcFiles[rel]; !ok {
			result.DstOnly = append(result.DstOnly, rel)
		}
	}

	mopts := omniuri.MetadataOptions{SkipHash: opts.Copy.SkipHash, CreateHashSidecar: opts.Copy.CreateHashSidecar}
	var mu gosync.Mutex
	err = forEach(ctx, common, opts.Concurrency, func(ctx context.Context, worker int, rel string) {
		same, err := sameContent(ctx, srcFiles[rel].WithThreadID(worker), dstFiles[rel].WithThreadID(worker), mopts)

		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			result.Errors = append(result.Errors, FileError{Path: rel, Op: "compare", Err: err})
		case same:
			result.Match = append(result.Match, rel)
		default:
			result.Differ = append(result.Differ, rel)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(result.Match)
	sort.Strings(result.Differ)

	logger.Info("check complete",
		slog.String("src", src.String()),
		slog.String("dst", dst.String()),
		slog.Int("match", len(result.Match)),
		slog.Int("differ", len(result.Differ)),
		slog.Int("src_only", len(result.SrcOnly)),
		slog.Int("dst_only", len(result.DstOnly)),
		slog.Int("errors", len(result.Errors)))
	return result, nil
}

func sameContent(ctx context.Context, src, dst omniuri.URI, opts omniuri.MetadataOptions) (bool, error) {
	sm, err := src.Metadata(ctx, opts)
	if err != nil {
		return false, err
	}
	dm, err := dst.Metadata(ctx, opts)
	if err != nil {
		return false, err
	}
	if sm.MD5 != "" && dm.MD5 != "" {
		return sm.MD5 == dm.MD5, nil
	}
	return sm.Size == dm.Size, nil
}
