package uploader

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes the transient-retry delay for an item that has failed
// attempts times: min(30s, 0.5s * 2^attempts) * jitter(0.5..1.5)
// (spec.md §4.5).
func backoff(attempts int, rng *rand.Rand) time.Duration {
	base := 500 * time.Millisecond * time.Duration(math.Pow(2, float64(attempts)))
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := 0.5 + rng.Float64()
	return time.Duration(float64(base) * jitter)
}
