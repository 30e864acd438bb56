package common

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// chunkSize: size of each throttled write
const chunkSize = 256 * 1024

// ThrottledWriter paces writes to the underlying writer at a fixed byte rate.
type ThrottledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
	written int64
}

// NewThrottledWriter wraps w. A non-positive rate disables throttling.
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) *ThrottledWriter {
	tw := &ThrottledWriter{ctx: ctx, w: w}
	if bytesPerSec > 0 {
		tw.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize) // burst = chunkSize
	}
	return tw
}

func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if err := tw.ctx.Err(); err != nil {
			return total, err
		}
		n := len(p)
		if n > chunkSize {
			n = chunkSize
		}
		if tw.limiter != nil {
			if err := tw.limiter.WaitN(tw.ctx, n); err != nil {
				return total, fmt.Errorf("rate limiter error: %w", err)
			}
		}
		m, err := tw.w.Write(p[:n])
		total += m
		tw.written += int64(m)
		if err != nil {
			return total, fmt.Errorf("write error: %w", err)
		}
		p = p[n:]
	}
	return total, nil
}

// Written is the number of bytes passed through so far.
func (tw *ThrottledWriter) Written() int64 { return tw.written }
