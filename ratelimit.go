package omniuri

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxChunk bounds a single throttled read.
const maxChunk = 64 * 1024

// newLimiter returns nil for a non-positive rate, meaning unlimited.
// The burst is one second worth of bytes.
func newLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
}

// throttledReader charges every read against a limiter shared by all
// transfers of a registry, so the limit is global.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	chunk   int
}

func newThrottledReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	// WaitN rejects requests larger than the burst
	chunk := maxChunk
	if b := limiter.Burst(); chunk > b {
		chunk = b
	}
	return &throttledReader{ctx: ctx, r: r, limiter: limiter, chunk: chunk}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > t.chunk {
		p = p[:t.chunk]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
