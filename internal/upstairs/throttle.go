package upstairs

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates guest IO admission with two independent token buckets —
// one for IOPs, one for bytes/sec — so a guest can be held back without
// the Upstairs itself ever refusing a request outright. Both buckets use
// golang.org/x/time/rate, refilled continuously rather than on a ticker.
type Throttle struct {
	iops      *rate.Limiter
	bandwidth *rate.Limiter
}

// NewThrottle builds a Throttle. A zero limit disables that bucket
// (unlimited). unitSize is the number of bytes one IOP token represents
// for the bandwidth bucket's burst sizing.
func NewThrottle(iopLimit, unitSize, bwLimit uint64) *Throttle {
	t := &Throttle{}
	if iopLimit > 0 {
		t.iops = rate.NewLimiter(rate.Limit(iopLimit), int(iopLimit))
	}
	if bwLimit > 0 {
		burst := bwLimit
		if unitSize > burst {
			burst = unitSize
		}
		t.bandwidth = rate.NewLimiter(rate.Limit(bwLimit), int(burst))
	}
	return t
}

// Admit blocks until both buckets can admit one IOP of the given byte
// size, or ctx is cancelled. An oversized request (larger than a
// bucket's burst) is still admitted eventually rather than rejected:
// WaitN itself errors out the moment n exceeds Burst(), so admitWait
// drains the bucket's full burst and then waits out the remainder by
// hand at the bucket's configured rate.
func (t *Throttle) Admit(ctx context.Context, nbytes int) error {
	if err := admitWait(ctx, t.iops, 1); err != nil {
		return err
	}
	if nbytes > 0 {
		if err := admitWait(ctx, t.bandwidth, nbytes); err != nil {
			return err
		}
	}
	return nil
}

// admitWait waits for n tokens from lim, handling the case where n
// exceeds lim's burst by reserving the full burst and sleeping out the
// rest at lim's rate — the reservation a plain WaitN(ctx, n) would
// refuse outright.
func admitWait(ctx context.Context, lim *rate.Limiter, n int) error {
	if lim == nil {
		return nil
	}
	burst := lim.Burst()
	if n <= burst {
		return lim.WaitN(ctx, n)
	}

	if err := lim.WaitN(ctx, burst); err != nil {
		return err
	}
	remaining := n - burst
	wait := time.Duration(float64(remaining) / float64(lim.Limit()) * float64(time.Second))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AdmitNonBlocking reports whether the request could be admitted right
// now without reserving any tokens, whatever the answer — used by diagnostics that
// want to report throttle pressure without actually consuming a slot.
func (t *Throttle) AdmitNonBlocking(nbytes int) bool {
	now := time.Now()
	if t.iops != nil && t.iops.TokensAt(now) < 1 {
		return false
	}
	if t.bandwidth != nil && nbytes > 0 && t.bandwidth.TokensAt(now) < float64(nbytes) {
		return false
	}
	return true
}
