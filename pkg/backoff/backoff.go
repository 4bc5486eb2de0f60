// Package backoff provides exponential backoff calculation.
package backoff

import (
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Factor  float64       // default: 2
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*factor, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	factor := 2.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
		if cfg.Factor >= 1 {
			factor = cfg.Factor
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(factor, float64(attempt-1))
	// float64(maxBackoff) may round up past MaxInt64; compare before converting.
	if backoff >= float64(maxBackoff) || math.IsNaN(backoff) {
		return maxBackoff
	}
	return time.Duration(backoff)
}
