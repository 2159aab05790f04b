package core

import "errors"

// Sentinel errors surfaced to callers (spec.md §6 "Error codes surfaced to
// callers"), grounded on internal/domain/errors.go's sentinel-error style.
var (
	// ErrOpenDatabase indicates the store could not be opened or migrated.
	ErrOpenDatabase = errors.New("open_database")

	// ErrTimeout indicates a caller-specified deadline elapsed (e.g. Close).
	ErrTimeout = errors.New("timeout")

	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job_not_found")

	// ErrWorkerMismatch indicates a Heartbeat or Checkpoint was attempted by
	// a worker that no longer owns the job (e.g. it was reclaimed by the
	// expiry sweep). The operation is a no-op. Complete and Fail treat the
	// same situation as a silent no-op and return nil instead.
	ErrWorkerMismatch = errors.New("worker_mismatch")

	// ErrQueueClosed indicates an operation was attempted after Close.
	ErrQueueClosed = errors.New("queue_closed")
)
