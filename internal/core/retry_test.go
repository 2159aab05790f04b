package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rezkam/durableq/internal/core"
)

func TestBackoffDelayBounds(t *testing.T) {
	// spec.md §8 P5: d_k >= I*m^k and d_k <= I*m^k*(1+r).
	initial := 20 * time.Second
	multiplier := 2.0
	randomization := 0.2

	for k := int32(0); k < 5; k++ {
		lower := time.Duration(float64(initial) * pow(multiplier, k))
		upper := time.Duration(float64(initial) * pow(multiplier, k) * (1 + randomization))

		min := core.BackoffDelay(initial, multiplier, randomization, k, func() float64 { return 0 })
		max := core.BackoffDelay(initial, multiplier, randomization, k, func() float64 { return 0.999999 })

		assert.Equal(t, lower, min, "k=%d minimum jitter should equal the unjittered base", k)
		assert.LessOrEqual(t, max, upper, "k=%d maximum jitter should not exceed I*m^k*(1+r)", k)
	}
}

func TestApplyFailTerminalWhenRetriesExhausted(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	// max_retries=3: try k=3 (the 4th attempt, 0-indexed) is terminal since k+1 > M.
	outcome := core.ApplyFail(now, 3, 3, 20*time.Second, 2.0, 0.2, func() float64 { return 0 })
	assert.False(t, outcome.Retry)
}

func TestApplyFailRetriesWithinBudget(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	outcome := core.ApplyFail(now, 0, 3, 20*time.Second, 2.0, 0.2, func() float64 { return 0 })
	assert.True(t, outcome.Retry)
	assert.Equal(t, int32(1), outcome.NextTry)
	assert.Equal(t, now.Add(20*time.Second), outcome.NextRunAt)
}

func pow(base float64, exp int32) float64 {
	result := 1.0
	for i := int32(0); i < exp; i++ {
		result *= base
	}
	return result
}
