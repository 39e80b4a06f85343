package openaicompat

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

const defaultMaxRetries = 2

// retryPolicy shapes the pause before each retry: exponential growth
// from Initial by Factor, capped at Max. Jitter scales the result by a
// seed-derived factor in [0.5, 1.5] so the spread is reproducible.
type retryPolicy struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	Jitter  bool
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		Initial: 500 * time.Millisecond,
		Factor:  2.0,
		Max:     10 * time.Second,
		Jitter:  true,
	}
}

// delayForAttempt computes the pause before retry attempt (1-indexed).
func delayForAttempt(attempt int, p retryPolicy, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Initial <= 0 {
		return 0
	}
	d := float64(p.Initial) * math.Pow(p.Factor, float64(attempt-1))
	if p.Max > 0 {
		d = math.Min(d, float64(p.Max))
	}
	if p.Jitter {
		d *= 0.5 + jitterUnit(seed)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// jitterUnit maps a seed to [0, 1].
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
