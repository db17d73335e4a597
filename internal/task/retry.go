package task

import (
	"math"
	"time"
)

// Backoff computes delay_k = min(base*2^(k-1), max) for the k-th retry
// (k = attempt, 1-indexed by the caller passing the post-increment
// attempt count). attempt <= 0 is treated as the first retry.
func Backoff(baseMs int64, attempt int, maxMs int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(baseMs) * math.Pow(2, float64(attempt-1))
	if maxMs > 0 && delay > float64(maxMs) {
		delay = float64(maxMs)
	}
	return time.Duration(delay) * time.Millisecond
}
