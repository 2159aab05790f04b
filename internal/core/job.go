// Package core defines the persisted Job model and the values exchanged
// across the Store/DB-Writer boundary.
package core

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a persisted job.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Retries holds the exponential-backoff policy for one job.
type Retries struct {
	MaxRetries           int
	BackoffInitial       time.Duration
	BackoffMultiplier    float64
	BackoffRandomization float64
}

// DefaultRetries matches spec.md §6: max_retries=3, initial=20s,
// multiplier=2.0, randomization=0.2.
func DefaultRetries() Retries {
	return Retries{
		MaxRetries:           3,
		BackoffInitial:       20 * time.Second,
		BackoffMultiplier:    2.0,
		BackoffRandomization: 0.2,
	}
}

// NewJob is the submission-time description of a job (spec.md §6).
type NewJob struct {
	JobType            string
	Priority           int32
	Weight             int32
	RunAt              *time.Time // nil => now
	Payload            []byte
	Retries            *Retries // nil => DefaultRetries(); an explicit MaxRetries: 0 is honored
	Timeout            time.Duration
	HeartbeatIncrement time.Duration
}

// Default submission-time values, per spec.md §6.
const (
	DefaultTimeout            = 300 * time.Second
	DefaultHeartbeatIncrement = 120 * time.Second
	DefaultWeight             = 1
	DefaultPriority           = 0
)

// ApplyDefaults fills zero-valued fields of a NewJob with spec.md §6 defaults.
// Returns the job unmodified if every field is already set.
func (j NewJob) ApplyDefaults() NewJob {
	if j.Weight <= 0 {
		j.Weight = DefaultWeight
	}
	if j.Timeout <= 0 {
		j.Timeout = DefaultTimeout
	}
	if j.HeartbeatIncrement <= 0 {
		j.HeartbeatIncrement = DefaultHeartbeatIncrement
	}
	if j.Retries == nil {
		defaults := DefaultRetries()
		j.Retries = &defaults
	}
	return j
}

// RunInfo is one entry of a job's attempt history.
type RunInfo struct {
	Start   time.Time       `json:"start"`
	End     time.Time       `json:"end"`
	Success bool            `json:"success"`
	Info    json.RawMessage `json:"info,omitempty"`
}

// Job is the full persisted row for an active or completed job.
type Job struct {
	JobID      int64
	ExternalID string // opaque 128-bit id, rendered as a UUID string

	JobType  string
	Priority int32
	Weight   int32

	RunAt               time.Time
	Payload             []byte
	CheckpointedPayload []byte

	CurrentTry           int32
	MaxRetries           int32
	BackoffInitial       time.Duration
	BackoffMultiplier    float64
	BackoffRandomization float64
	DefaultTimeout       time.Duration
	HeartbeatIncrement   time.Duration

	WorkerID  *int64
	StartedAt *time.Time
	ExpiresAt *time.Time

	OrigRunAt time.Time
	State     State
	RunInfo   []RunInfo
}

// EffectivePayload returns the checkpointed payload if one has been set,
// otherwise the original submission payload (spec.md §4.5 Checkpoint).
func (j *Job) EffectivePayload() []byte {
	if j.CheckpointedPayload != nil {
		return j.CheckpointedPayload
	}
	return j.Payload
}

// ClaimedJob is a Job row as claimed, handed off to a Runner; it is returned
// by Store.ClaimJobs.
type ClaimedJob struct {
	Job
}

// Status is the result of Store.GetJobStatus (spec.md §6 Status API).
type Status struct {
	State      State
	OrigRunAt  time.Time
	StartedAt  *time.Time
	RunInfo    []RunInfo
	CurrentTry int32
}
