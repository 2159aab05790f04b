package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/durableq/internal/core"
)

func TestNewJobApplyDefaults(t *testing.T) {
	j := core.NewJob{}.ApplyDefaults()
	assert.Equal(t, int32(core.DefaultWeight), j.Weight)
	assert.Equal(t, core.DefaultTimeout, j.Timeout)
	assert.Equal(t, core.DefaultHeartbeatIncrement, j.HeartbeatIncrement)
	require.NotNil(t, j.Retries)
	assert.Equal(t, core.DefaultRetries(), *j.Retries)
}

func TestNewJobApplyDefaultsPreservesSetFields(t *testing.T) {
	custom := core.NewJob{Weight: 5, Priority: 10}
	j := custom.ApplyDefaults()
	assert.Equal(t, int32(5), j.Weight)
	assert.Equal(t, int32(10), j.Priority)
	assert.Equal(t, core.DefaultTimeout, j.Timeout)
}

func TestNewJobApplyDefaultsHonorsExplicitZeroMaxRetries(t *testing.T) {
	// spec.md §8 boundary behavior: max_retries=0 must be honored even when
	// the caller leaves the other retry fields at their zero value, since
	// they're irrelevant when there's no retry to back off for.
	custom := core.NewJob{Retries: &core.Retries{MaxRetries: 0}}
	j := custom.ApplyDefaults()
	require.NotNil(t, j.Retries)
	assert.Equal(t, 0, j.Retries.MaxRetries)
}

func TestJobEffectivePayloadPrefersCheckpoint(t *testing.T) {
	j := core.Job{Payload: []byte("original")}
	assert.Equal(t, []byte("original"), j.EffectivePayload())

	j.CheckpointedPayload = []byte("checkpointed")
	assert.Equal(t, []byte("checkpointed"), j.EffectivePayload())
}
