package ratelimit

import "time"

// MultiplierFor returns the backoff multiplier after priorLockouts earlier
// lockouts. The index is clamped to the last entry of the table.
func MultiplierFor(multipliers []float64, priorLockouts int) float64 {
	if len(multipliers) == 0 {
		return 1
	}
	if priorLockouts < 0 {
		priorLockouts = 0
	}
	idx := min(priorLockouts, len(multipliers)-1)
	return multipliers[idx]
}

// LockoutDuration is base scaled by the multiplier for priorLockouts, never
// above maxLockout (when maxLockout > 0).
func LockoutDuration(base time.Duration, multipliers []float64, maxLockout time.Duration, priorLockouts int) time.Duration {
	d := time.Duration(float64(base) * MultiplierFor(multipliers, priorLockouts))
	if maxLockout > 0 && d > maxLockout {
		return maxLockout
	}
	return d
}
