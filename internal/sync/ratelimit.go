package sync

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// newByteLimiter builds a shared bytes-per-second limiter, or nil when
// the rate limit is off. One limiter spans all transfer workers so the
// configured rate caps the process, not each worker.
func newByteLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	// Burst of one second's worth keeps large copies smooth without
	// letting the average exceed the configured rate.
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
}

// limitedReader throttles reads through a shared limiter.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// throttle wraps r with the limiter; a nil limiter passes r through.
func throttle(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}

	return &limitedReader{ctx: ctx, r: r, limiter: limiter}
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if burst := lr.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := lr.r.Read(p)
	if n > 0 {
		if waitErr := lr.limiter.WaitN(lr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}
