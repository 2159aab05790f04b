package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rezkam/durableq/internal/clock"
	"github.com/rezkam/durableq/internal/core"
)

// Job is the handle a registered Handler receives for one claimed attempt.
// It carries the claimed row's data plus the operations a handler can use to
// report progress (Heartbeat/Checkpoint) or an explicit terminal outcome
// (Complete/Fail) before returning, mirroring the original queue's Job type
// (original_source/local/src/worker.rs's inline Job construction in
// run_ready_jobs).
type Job struct {
	ExternalID string
	JobType    string
	Priority   int32
	Weight     int32
	CurrentTry int32
	MaxRetries int32
	Payload    []byte
	OrigRunAt  time.Time
	StartTime  time.Time

	jobID              int64
	workerID           int64
	store              core.Store
	clk                clock.Clock
	heartbeatIncrement time.Duration

	expiresAtNanos atomic.Int64

	mu   sync.Mutex
	done bool
}

func newJob(claimed core.ClaimedJob, store core.Store, clk clock.Clock) *Job {
	j := &Job{
		ExternalID:         claimed.ExternalID,
		JobType:            claimed.JobType,
		Priority:           claimed.Priority,
		Weight:             claimed.Weight,
		CurrentTry:         claimed.CurrentTry,
		MaxRetries:         claimed.MaxRetries,
		Payload:            claimed.EffectivePayload(),
		OrigRunAt:          claimed.OrigRunAt,
		StartTime:          clk.Now(),
		jobID:              claimed.JobID,
		workerID:           *claimed.WorkerID,
		store:              store,
		clk:                clk,
		heartbeatIncrement: claimed.HeartbeatIncrement,
	}
	if claimed.ExpiresAt != nil {
		j.expiresAtNanos.Store(claimed.ExpiresAt.UnixNano())
	}
	return j
}

// expiresAt returns the last known expiry deadline, used by the autoheartbeat
// goroutine to schedule its next wakeup (worker.rs's wait_for_next_autoheartbeat).
func (j *Job) expiresAt() time.Time {
	return time.Unix(0, j.expiresAtNanos.Load()).UTC()
}

// IsDone reports whether the handler already called Complete or Fail
// explicitly, so the Runner knows not to apply a return-derived outcome on
// top (spec.md §4.5: an explicit terminal call is final).
func (j *Job) IsDone() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

func (j *Job) markDone() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return false
	}
	j.done = true
	return true
}

// Heartbeat extends the job's expiry without altering its payload.
func (j *Job) Heartbeat(ctx context.Context) error {
	newExpiry, err := j.store.Heartbeat(ctx, j.jobID, j.workerID, j.clk.Now(), j.heartbeatIncrement)
	if err != nil {
		return err
	}
	j.expiresAtNanos.Store(newExpiry.UnixNano())
	return nil
}

// Checkpoint persists progress payload and extends expiry, per spec.md §4.4.
// A subsequent retry attempt (after a crash) resumes from this payload
// instead of the original submission payload.
func (j *Job) Checkpoint(ctx context.Context, payload []byte) error {
	newExpiry := j.clk.Now().Add(j.heartbeatIncrement)
	if err := j.store.Checkpoint(ctx, j.jobID, j.workerID, j.clk.Now(), j.heartbeatIncrement, payload); err != nil {
		return err
	}
	j.expiresAtNanos.Store(newExpiry.UnixNano())
	j.Payload = payload
	return nil
}

// Complete explicitly marks the job successful. A Handler does not need to
// call this — returning nil has the same effect — but it's available for
// handlers that want to report structured success info while continuing to
// run cleanup code.
func (j *Job) Complete(ctx context.Context, info any) error {
	if !j.markDone() {
		return nil
	}
	raw, err := encodeInfo(info)
	if err != nil {
		return err
	}
	return j.store.Complete(ctx, j.jobID, j.workerID, j.clk.Now(), raw)
}

// Fail explicitly fails the job, applying spec.md §4.5's retry/backoff
// algebra immediately rather than waiting for the Handler to return an
// error.
func (j *Job) Fail(ctx context.Context, info any) (core.Outcome, error) {
	if !j.markDone() {
		return core.Outcome{}, nil
	}
	raw, err := encodeInfo(info)
	if err != nil {
		return core.Outcome{}, err
	}
	return j.store.Fail(ctx, j.jobID, j.workerID, j.clk.Now(), raw)
}

func encodeInfo(info any) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	if raw, ok := info.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(info)
}
