package queue_test

import (
	"context"
	"sync"
	"time"

	"github.com/rezkam/durableq/internal/clock"
	"github.com/rezkam/durableq/internal/core"
)

// fakeStore is a hand-written function-field fake implementing core.Store,
// following the teacher's mockRepository pattern (a *Func override field per
// write-path method, defaulting to a working in-memory implementation when
// unset; the default ExpireSweep and Close do nothing) rather than a mocking
// framework.
type fakeStore struct {
	mu     sync.Mutex
	clk    clock.Clock
	nextID int64
	jobs   map[int64]*core.Job
	byExt  map[string]int64

	AddJobsFunc     func(ctx context.Context, jobs []core.NewJob) ([]string, error)
	ClaimJobsFunc   func(ctx context.Context, workerID int64, acceptedTypes []string, now time.Time, maxWeight int32) ([]core.ClaimedJob, error)
	HeartbeatFunc   func(ctx context.Context, jobID, workerID int64, now time.Time, increment time.Duration) (time.Time, error)
	CheckpointFunc  func(ctx context.Context, jobID, workerID int64, now time.Time, increment time.Duration, payload []byte) error
	CompleteFunc    func(ctx context.Context, jobID, workerID int64, now time.Time, info []byte) error
	FailFunc        func(ctx context.Context, jobID, workerID int64, now time.Time, info []byte) (core.Outcome, error)
	ExpireSweepFunc func(ctx context.Context, now time.Time) ([]core.Job, error)
	CloseFunc       func() error
}

func newFakeStore(clk clock.Clock) *fakeStore {
	return &fakeStore{
		clk:   clk,
		jobs:  make(map[int64]*core.Job),
		byExt: make(map[string]int64),
	}
}

func (f *fakeStore) AddJobs(ctx context.Context, jobs []core.NewJob) ([]string, error) {
	if f.AddJobsFunc != nil {
		return f.AddJobsFunc(ctx, jobs)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(jobs))
	for i, raw := range jobs {
		j := raw.ApplyDefaults()
		f.nextID++
		id := fakeExternalID(f.nextID)
		when := f.clk.Now()
		if j.RunAt != nil {
			when = *j.RunAt
		}
		f.jobs[f.nextID] = &core.Job{
			JobID:                f.nextID,
			ExternalID:           id,
			JobType:              j.JobType,
			Priority:             j.Priority,
			Weight:               j.Weight,
			RunAt:                when,
			Payload:              j.Payload,
			MaxRetries:           int32(j.Retries.MaxRetries),
			BackoffInitial:       j.Retries.BackoffInitial,
			BackoffMultiplier:    j.Retries.BackoffMultiplier,
			BackoffRandomization: j.Retries.BackoffRandomization,
			DefaultTimeout:       j.Timeout,
			HeartbeatIncrement:   j.HeartbeatIncrement,
			OrigRunAt:            when,
			State:                core.StatePending,
		}
		f.byExt[id] = f.nextID
		ids[i] = id
	}
	return ids, nil
}

func (f *fakeStore) ClaimJobs(ctx context.Context, workerID int64, acceptedTypes []string, now time.Time, maxWeight int32) ([]core.ClaimedJob, error) {
	if f.ClaimJobsFunc != nil {
		return f.ClaimJobsFunc(ctx, workerID, acceptedTypes, now, maxWeight)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	accepted := make(map[string]bool, len(acceptedTypes))
	for _, t := range acceptedTypes {
		accepted[t] = true
	}

	candidates := make([]*core.Job, 0)
	for _, j := range f.jobs {
		if j.State == core.StatePending && accepted[j.JobType] && !j.RunAt.After(now) {
			candidates = append(candidates, j)
		}
	}
	sortJobsForClaim(candidates)

	var remaining = maxWeight
	claimed := make([]core.ClaimedJob, 0)
	for _, j := range candidates {
		if j.Weight > remaining {
			break
		}
		remaining -= j.Weight
		wid := workerID
		j.WorkerID = &wid
		started := now
		j.StartedAt = &started
		exp := now.Add(j.DefaultTimeout)
		j.ExpiresAt = &exp
		j.State = core.StateRunning
		claimed = append(claimed, core.ClaimedJob{Job: *j})
		if remaining == 0 {
			break
		}
	}
	return claimed, nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, jobID, workerID int64, now time.Time, increment time.Duration) (time.Time, error) {
	if f.HeartbeatFunc != nil {
		return f.HeartbeatFunc(ctx, jobID, workerID, now, increment)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.State != core.StateRunning || j.WorkerID == nil || *j.WorkerID != workerID {
		return time.Time{}, core.ErrWorkerMismatch
	}
	newExpiry := now.Add(increment)
	j.ExpiresAt = &newExpiry
	return newExpiry, nil
}

func (f *fakeStore) Checkpoint(ctx context.Context, jobID, workerID int64, now time.Time, increment time.Duration, payload []byte) error {
	if f.CheckpointFunc != nil {
		return f.CheckpointFunc(ctx, jobID, workerID, now, increment, payload)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.State != core.StateRunning || j.WorkerID == nil || *j.WorkerID != workerID {
		return core.ErrWorkerMismatch
	}
	j.CheckpointedPayload = payload
	newExpiry := now.Add(increment)
	j.ExpiresAt = &newExpiry
	return nil
}

func (f *fakeStore) Complete(ctx context.Context, jobID, workerID int64, now time.Time, info []byte) error {
	if f.CompleteFunc != nil {
		return f.CompleteFunc(ctx, jobID, workerID, now, info)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.State != core.StateRunning || j.WorkerID == nil || *j.WorkerID != workerID {
		return nil
	}
	j.RunInfo = append(j.RunInfo, core.RunInfo{Start: valueOrNow(j.StartedAt), End: now, Success: true, Info: info})
	j.CurrentTry = int32(len(j.RunInfo))
	j.State = core.StateSucceeded
	return nil
}

func (f *fakeStore) Fail(ctx context.Context, jobID, workerID int64, now time.Time, info []byte) (core.Outcome, error) {
	if f.FailFunc != nil {
		return f.FailFunc(ctx, jobID, workerID, now, info)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.State != core.StateRunning || j.WorkerID == nil || *j.WorkerID != workerID {
		return core.Outcome{}, nil
	}
	outcome := core.ApplyFail(now, j.CurrentTry, j.MaxRetries, j.BackoffInitial, j.BackoffMultiplier, j.BackoffRandomization, func() float64 { return 0 })
	j.RunInfo = append(j.RunInfo, core.RunInfo{Start: valueOrNow(j.StartedAt), End: now, Success: false, Info: info})
	if outcome.Retry {
		j.State = core.StatePending
		j.WorkerID = nil
		j.StartedAt = nil
		j.ExpiresAt = nil
		j.CurrentTry = outcome.NextTry
		j.RunAt = outcome.NextRunAt
	} else {
		j.CurrentTry = int32(len(j.RunInfo))
		j.State = core.StateFailed
	}
	return outcome, nil
}

func (f *fakeStore) ExpireSweep(ctx context.Context, now time.Time) ([]core.Job, error) {
	if f.ExpireSweepFunc != nil {
		return f.ExpireSweepFunc(ctx, now)
	}
	return nil, nil
}

func (f *fakeStore) Close() error {
	if f.CloseFunc != nil {
		return f.CloseFunc()
	}
	return nil
}

// GetJobStatus has no *Func override; the tests in this package read job
// state through it via Queue.GetJobStatus.
func (f *fakeStore) GetJobStatus(ctx context.Context, externalID string) (core.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byExt[externalID]
	if !ok {
		return core.Status{}, core.ErrJobNotFound
	}
	j := f.jobs[id]
	return core.Status{
		State:      j.State,
		OrigRunAt:  j.OrigRunAt,
		StartedAt:  j.StartedAt,
		RunInfo:    j.RunInfo,
		CurrentTry: j.CurrentTry,
	}, nil
}

func sortJobsForClaim(jobs []*core.Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && less(jobs[j], jobs[j-1]); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

func less(a, b *core.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.JobID < b.JobID
}

func valueOrNow(t *time.Time) time.Time {
	if t == nil {
		return time.Now()
	}
	return *t
}

func fakeExternalID(n int64) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 32)
	for i := range b {
		b[i] = hex[(n+int64(i))%16]
	}
	return string(b[:8]) + "-" + string(b[8:12]) + "-" + string(b[12:16]) + "-" + string(b[16:20]) + "-" + string(b[20:])
}
