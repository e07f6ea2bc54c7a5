package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMultiplierFor(t *testing.T) {
	tests := []struct {
		prior int
		want  float64
	}{
		{-1, 1},
		{0, 1},
		{1, 2},
		{2, 4},
		{3, 8},
		{4, 16},
		{5, 16},
		{500, 16},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MultiplierFor(DefaultMultipliers, tt.prior), "prior=%d", tt.prior)
	}

	assert.Equal(t, float64(1), MultiplierFor(nil, 3))
}

func TestLockoutDuration_NeverExceedsMax(t *testing.T) {
	base := 15 * time.Minute
	maxLockout := 2 * time.Hour

	assert.Equal(t, 15*time.Minute, LockoutDuration(base, DefaultMultipliers, maxLockout, 0))
	assert.Equal(t, time.Hour, LockoutDuration(base, DefaultMultipliers, maxLockout, 2))
	for prior := 3; prior < 50; prior++ {
		assert.Equal(t, maxLockout, LockoutDuration(base, DefaultMultipliers, maxLockout, prior))
	}

	assert.Equal(t, 4*time.Hour, LockoutDuration(base, DefaultMultipliers, 0, 9), "zero max disables the cap")
}
