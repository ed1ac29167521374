package sstable

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewLimiter returns a byte-rate limiter for flush writes, or nil when
// bytesPerSec is zero.
func NewLimiter(bytesPerSec int64, burst int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), max(burst, int(min(bytesPerSec, 1<<30))))
}

// throttledWriter waits on the limiter before every write, in chunks no
// larger than the limiter burst.
type throttledWriter struct {
	ctx context.Context
	w   io.Writer
	lim *rate.Limiter
}

func throttle(ctx context.Context, w io.Writer, lim *rate.Limiter) io.Writer {
	if lim == nil {
		return w
	}
	return &throttledWriter{ctx: ctx, w: w, lim: lim}
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), t.lim.Burst())
		if err := t.lim.WaitN(t.ctx, n); err != nil {
			return written, err
		}
		m, err := t.w.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
