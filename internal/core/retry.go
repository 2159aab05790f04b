package core

import (
	"math"
	"math/rand"
	"time"
)

// BackoffDelay computes the retry delay for attempt k (0-indexed), per
// spec.md §4.5: d = I * m^k * (1 + U[0, r]).
//
// rnd must return a value in [0, 1); callers pass rand.Float64 in
// production and a fixed value in tests that assert the P5 bounds
// (d_k >= I*m^k and d_k <= I*m^k*(1+r)).
func BackoffDelay(initial time.Duration, multiplier, randomization float64, k int32, rnd func() float64) time.Duration {
	if rnd == nil {
		rnd = rand.Float64
	}
	base := float64(initial) * math.Pow(multiplier, float64(k))
	jitter := 1 + rnd()*randomization
	return time.Duration(base * jitter)
}

// Outcome describes the result of applying the Fail algebra to a job.
type Outcome struct {
	// Retry is true if the job should be rescheduled (state Pending, new
	// run_at). If false, the job transitions to Failed.
	Retry     bool
	NextRunAt time.Time
	NextTry   int32
}

// ApplyFail computes spec.md §4.5's Fail algebra for a job currently on try
// k (0-indexed) with maxRetries M: terminal if k+1 > M, otherwise retry
// after BackoffDelay(k).
func ApplyFail(now time.Time, k, maxRetries int32, initial time.Duration, multiplier, randomization float64, rnd func() float64) Outcome {
	if k+1 > maxRetries {
		return Outcome{Retry: false}
	}
	delay := BackoffDelay(initial, multiplier, randomization, k, rnd)
	return Outcome{
		Retry:     true,
		NextRunAt: now.Add(delay),
		NextTry:   k + 1,
	}
}
