package storage

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before attempt n's task becomes eligible
// again: min(cap, base*2^(n-1)) plus jitter in ±jitterFraction of that
// clamped value (spec.md §4.2).
func Backoff(n int, cfg BackoffConfig) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(cfg.Base)
	capped := base * math.Pow(2, float64(n-1))
	if max := float64(cfg.Cap); cfg.Cap > 0 && capped > max {
		capped = max
	}

	jitterFn := cfg.Jitter
	if jitterFn == nil {
		jitterFn = func() float64 { return rand.Float64()*2 - 1 }
	}
	jitter := capped * cfg.JitterFraction * jitterFn()

	d := time.Duration(capped + jitter)
	if d < 0 {
		d = 0
	}
	return d
}
