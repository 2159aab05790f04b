package core

import (
	"context"
	"time"
)

// Store is the durable persistence contract the queue is built on (spec.md
// §4.1). Exactly one component — the DB-Writer — calls the mutating methods;
// GetJobStatus may be called concurrently from any goroutine against the
// read pool.
type Store interface {
	// AddJobs persists new jobs and returns their assigned external ids, in
	// the same order as the input.
	AddJobs(ctx context.Context, jobs []NewJob) ([]string, error)

	// ClaimJobs atomically claims ready jobs for workerID, up to maxWeight
	// total weight, among the given accepted job types, per the algorithm
	// in spec.md §4.2. Rows are returned in claim order.
	ClaimJobs(ctx context.Context, workerID int64, acceptedTypes []string, now time.Time, maxWeight int32) ([]ClaimedJob, error)

	// Heartbeat extends a running job's expiry. Returns ErrWorkerMismatch
	// (no-op) if the job is no longer owned by workerID.
	Heartbeat(ctx context.Context, jobID, workerID int64, now time.Time, increment time.Duration) (time.Time, error)

	// Checkpoint overwrites the checkpointed payload and extends expiry like
	// a heartbeat. Returns ErrWorkerMismatch (no-op) if ownership has moved.
	Checkpoint(ctx context.Context, jobID, workerID int64, now time.Time, increment time.Duration, payload []byte) error

	// Complete records a terminal success. A silent no-op, not an error, if
	// ownership has moved — e.g. the job was already reclaimed by an expiry
	// sweep — since the row to report against no longer exists as this
	// worker's to report on.
	Complete(ctx context.Context, jobID, workerID int64, now time.Time, info []byte) error

	// Fail applies the retry/backoff algebra of spec.md §4.5 and returns the
	// resulting outcome. A silent no-op (zero Outcome, nil error) if
	// ownership has moved, for the same reason as Complete.
	Fail(ctx context.Context, jobID, workerID int64, now time.Time, info []byte) (Outcome, error)

	// ExpireSweep finds Running jobs whose expires_at has passed and fails
	// them with info "Job expired", applying the same retry algebra. Returns
	// the jobs that were expired.
	ExpireSweep(ctx context.Context, now time.Time) ([]Job, error)

	// GetJobStatus returns the current status of a job by external id.
	GetJobStatus(ctx context.Context, externalID string) (Status, error)

	// Close releases the write connection and read pool.
	Close() error
}
