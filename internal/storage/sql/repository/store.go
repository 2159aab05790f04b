package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/durableq/internal/core"
)

// Placeholders use the "?" convention of modernc.org/sqlite, the
// spec.md-mandated embedded store; a Postgres-compatible deployment behind
// the pgx/stdlib driver would need these rebound to $N, which callers can
// do with a query-rewriting middleware without touching this file.

// AddJobs persists new jobs in a single transaction and returns their
// external ids in submission order.
func (s *Store) AddJobs(ctx context.Context, jobs []core.NewJob) ([]string, error) {
	val, err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO active_jobs (
				external_id, job_type, priority, weight, run_at, payload,
				current_try, max_retries, backoff_initial_ns, backoff_multiplier,
				backoff_randomization, default_timeout_ns, heartbeat_increment_ns,
				orig_run_at, state, run_info
			) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, 'PENDING', '[]')`)
		if err != nil {
			return nil, err
		}
		defer stmt.Close()

		ids := make([]string, len(jobs))
		for i, raw := range jobs {
			j := raw.ApplyDefaults()
			runAt := j.RunAt
			when := s.clk.Now()
			if runAt != nil {
				when = *runAt
			}
			id := uuid.Must(uuid.NewV7()).String()
			if _, err := stmt.ExecContext(ctx, id, j.JobType, j.Priority, j.Weight,
				when.UnixNano(), j.Payload, j.Retries.MaxRetries,
				j.Retries.BackoffInitial.Nanoseconds(), j.Retries.BackoffMultiplier,
				j.Retries.BackoffRandomization, j.Timeout.Nanoseconds(),
				j.HeartbeatIncrement.Nanoseconds(), when.UnixNano()); err != nil {
				return nil, fmt.Errorf("insert job %d: %w", i, err)
			}
			ids[i] = id
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]string), nil
}

// ClaimJobs implements spec.md §4.2's claim algorithm: candidates are
// fetched in priority DESC, run_at ASC, job_id ASC order, then packed in
// that order up to maxWeight, stopping at the first job whose weight would
// overflow the remaining budget (not skipping past it).
func (s *Store) ClaimJobs(ctx context.Context, workerID int64, acceptedTypes []string, now time.Time, maxWeight int32) ([]core.ClaimedJob, error) {
	if len(acceptedTypes) == 0 {
		return nil, nil
	}
	val, err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(acceptedTypes)), ",")
		args := make([]any, 0, len(acceptedTypes)+1)
		for _, t := range acceptedTypes {
			args = append(args, t)
		}
		args = append(args, now.UnixNano())

		query := fmt.Sprintf(`
			SELECT job_id, external_id, job_type, priority, weight, run_at, payload,
			       checkpointed_payload, current_try, max_retries, backoff_initial_ns,
			       backoff_multiplier, backoff_randomization, default_timeout_ns,
			       heartbeat_increment_ns, orig_run_at, state, run_info
			FROM active_jobs
			WHERE state = 'PENDING' AND job_type IN (%s) AND run_at <= ?
			ORDER BY priority DESC, run_at ASC, job_id ASC`, placeholders)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		candidates := make([]core.Job, 0, 32)
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			candidates = append(candidates, j)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		rows.Close()

		var remaining int32 = maxWeight
		claimed := make([]core.ClaimedJob, 0, len(candidates))
		for _, j := range candidates {
			if j.Weight > remaining {
				break
			}
			remaining -= j.Weight
			claimed = append(claimed, core.ClaimedJob{Job: j})
			if remaining == 0 {
				break
			}
		}
		if len(claimed) == 0 {
			return []core.ClaimedJob{}, nil
		}

		expiresAt := now
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE active_jobs
			SET state = 'RUNNING', worker_id = ?, started_at = ?, expires_at = ?
			WHERE job_id = ?`)
		if err != nil {
			return nil, err
		}
		defer stmt.Close()

		for i := range claimed {
			j := &claimed[i].Job
			exp := expiresAt.Add(j.DefaultTimeout)
			if _, err := stmt.ExecContext(ctx, workerID, now.UnixNano(), exp.UnixNano(), j.JobID); err != nil {
				return nil, fmt.Errorf("claim job %d: %w", j.JobID, err)
			}
			j.WorkerID = &workerID
			started := now
			j.StartedAt = &started
			j.ExpiresAt = &exp
			j.State = core.StateRunning
		}
		return claimed, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]core.ClaimedJob), nil
}

// Heartbeat extends a running job's expiry, conditioned on workerID still
// owning it (spec.md §4.3).
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID int64, now time.Time, increment time.Duration) (time.Time, error) {
	newExpiry := now.Add(increment)
	val, err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE active_jobs SET expires_at = ?
			WHERE job_id = ? AND worker_id = ? AND state = 'RUNNING'`,
			newExpiry.UnixNano(), jobID, workerID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, core.ErrWorkerMismatch
		}
		return newExpiry, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return val.(time.Time), nil
}

// Checkpoint overwrites the running job's checkpointed payload and extends
// expiry like Heartbeat (spec.md §4.4).
func (s *Store) Checkpoint(ctx context.Context, jobID, workerID int64, now time.Time, increment time.Duration, payload []byte) error {
	newExpiry := now.Add(increment)
	_, err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE active_jobs SET expires_at = ?, checkpointed_payload = ?
			WHERE job_id = ? AND worker_id = ? AND state = 'RUNNING'`,
			newExpiry.UnixNano(), payload, jobID, workerID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, core.ErrWorkerMismatch
		}
		return nil, nil
	})
	return err
}

// Complete records a terminal success: the row moves from active_jobs to
// done_jobs (spec.md §4.5).
func (s *Store) Complete(ctx context.Context, jobID, workerID int64, now time.Time, info []byte) error {
	_, err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		j, owned, err := loadOwnedActiveJob(ctx, tx, jobID, workerID)
		if err != nil {
			return nil, err
		}
		if !owned {
			return nil, nil
		}
		j.RunInfo = append(j.RunInfo, core.RunInfo{
			Start:   valueOrZero(j.StartedAt),
			End:     now,
			Success: true,
			Info:    json.RawMessage(info),
		})
		j.CurrentTry = int32(len(j.RunInfo))
		j.State = core.StateSucceeded
		return nil, moveToDoneJobs(ctx, tx, j)
	})
	return err
}

// Fail applies the retry/backoff algebra of spec.md §4.5: either the job is
// rescheduled in active_jobs with a new run_at and try count, or it
// transitions to Failed and moves to done_jobs.
func (s *Store) Fail(ctx context.Context, jobID, workerID int64, now time.Time, info []byte) (core.Outcome, error) {
	val, err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		j, owned, err := loadOwnedActiveJob(ctx, tx, jobID, workerID)
		if err != nil {
			return nil, err
		}
		if !owned {
			return core.Outcome{}, nil
		}

		outcome := core.ApplyFail(now, j.CurrentTry, j.MaxRetries, j.BackoffInitial,
			j.BackoffMultiplier, j.BackoffRandomization, nil)

		j.RunInfo = append(j.RunInfo, core.RunInfo{
			Start:   valueOrZero(j.StartedAt),
			End:     now,
			Success: false,
			Info:    json.RawMessage(info),
		})

		if outcome.Retry {
			runInfoJSON, err := json.Marshal(j.RunInfo)
			if err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE active_jobs
				SET state = 'PENDING', worker_id = NULL, started_at = NULL,
				    expires_at = NULL,
				    current_try = ?, run_at = ?, run_info = ?
				WHERE job_id = ?`,
				outcome.NextTry, outcome.NextRunAt.UnixNano(), runInfoJSON, jobID); err != nil {
				return nil, err
			}
			return outcome, nil
		}

		j.CurrentTry = int32(len(j.RunInfo))
		j.State = core.StateFailed
		if err := moveToDoneJobs(ctx, tx, j); err != nil {
			return nil, err
		}
		return outcome, nil
	})
	if err != nil {
		return core.Outcome{}, err
	}
	return val.(core.Outcome), nil
}

// ExpireSweep reclaims Running jobs whose expires_at has passed, applying
// the same Fail algebra with info "Job expired" (spec.md §4.6).
func (s *Store) ExpireSweep(ctx context.Context, now time.Time) ([]core.Job, error) {
	val, err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) (any, error) {
		rows, err := tx.QueryContext(ctx, `
			SELECT job_id, external_id, job_type, priority, weight, run_at, payload,
			       checkpointed_payload, current_try, max_retries, backoff_initial_ns,
			       backoff_multiplier, backoff_randomization, default_timeout_ns,
			       heartbeat_increment_ns, orig_run_at, state, run_info
			FROM active_jobs
			WHERE state = 'RUNNING' AND expires_at <= ?`, now.UnixNano())
		if err != nil {
			return nil, err
		}
		expired := make([]core.Job, 0)
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			expired = append(expired, j)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		rows.Close()

		expiredInfo := json.RawMessage(`"Job expired"`)

		for i := range expired {
			j := &expired[i]
			outcome := core.ApplyFail(now, j.CurrentTry, j.MaxRetries, j.BackoffInitial,
				j.BackoffMultiplier, j.BackoffRandomization, nil)
			j.RunInfo = append(j.RunInfo, core.RunInfo{
				Start:   valueOrZero(j.StartedAt),
				End:     now,
				Success: false,
				Info:    expiredInfo,
			})

			if outcome.Retry {
				runInfoJSON, err := json.Marshal(j.RunInfo)
				if err != nil {
					return nil, err
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE active_jobs
					SET state = 'PENDING', worker_id = NULL, started_at = NULL,
					    expires_at = NULL,
					    current_try = ?, run_at = ?, run_info = ?
					WHERE job_id = ?`,
					outcome.NextTry, outcome.NextRunAt.UnixNano(), runInfoJSON, j.JobID); err != nil {
					return nil, err
				}
			} else {
				j.CurrentTry = int32(len(j.RunInfo))
				j.State = core.StateFailed
				if err := moveToDoneJobs(ctx, tx, *j); err != nil {
					return nil, err
				}
			}
		}
		return expired, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]core.Job), nil
}

// GetJobStatus may be called concurrently by any goroutine; it reads
// through the bounded read pool rather than the DB-Writer (spec.md §6
// Status API).
func (s *Store) GetJobStatus(ctx context.Context, externalID string) (core.Status, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT state, orig_run_at, started_at, current_try, run_info
		FROM active_jobs WHERE external_id = ?
		UNION ALL
		SELECT state, orig_run_at, NULL, current_try, run_info
		FROM done_jobs WHERE external_id = ?`, externalID, externalID)

	var (
		state      string
		origRunAt  int64
		startedAt  sql.NullInt64
		currentTry int32
		runInfoRaw string
	)
	if err := row.Scan(&state, &origRunAt, &startedAt, &currentTry, &runInfoRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Status{}, core.ErrJobNotFound
		}
		return core.Status{}, err
	}

	var runInfo []core.RunInfo
	if err := json.Unmarshal([]byte(runInfoRaw), &runInfo); err != nil {
		return core.Status{}, err
	}

	status := core.Status{
		State:      core.State(state),
		OrigRunAt:  time.Unix(0, origRunAt).UTC(),
		CurrentTry: currentTry,
		RunInfo:    runInfo,
	}
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64).UTC()
		status.StartedAt = &t
	}
	return status, nil
}

// loadOwnedActiveJob loads an active job row for update, returning
// owned=false (not an error) if the row is missing or no longer held by
// workerID — the no-op semantics spec.md §4.5 requires for a reclaimed job.
func loadOwnedActiveJob(ctx context.Context, tx *sql.Tx, jobID, workerID int64) (core.Job, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT job_id, external_id, job_type, priority, weight, run_at, payload,
		       checkpointed_payload, current_try, max_retries, backoff_initial_ns,
		       backoff_multiplier, backoff_randomization, default_timeout_ns,
		       heartbeat_increment_ns, orig_run_at, state, run_info
		FROM active_jobs WHERE job_id = ? AND worker_id = ? AND state = 'RUNNING'`,
		jobID, workerID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Job{}, false, nil
		}
		return core.Job{}, false, err
	}
	return j, true, nil
}

// moveToDoneJobs deletes the active_jobs row and inserts the terminal
// snapshot into done_jobs.
func moveToDoneJobs(ctx context.Context, tx *sql.Tx, j core.Job) error {
	runInfoJSON, err := json.Marshal(j.RunInfo)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO done_jobs (
			job_id, external_id, job_type, priority, weight, payload,
			checkpointed_payload, current_try, max_retries, backoff_initial_ns,
			backoff_multiplier, backoff_randomization, default_timeout_ns,
			heartbeat_increment_ns, orig_run_at, state, run_info
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID, j.ExternalID, j.JobType, j.Priority, j.Weight, j.Payload,
		j.CheckpointedPayload, j.CurrentTry, j.MaxRetries, j.BackoffInitial.Nanoseconds(),
		j.BackoffMultiplier, j.BackoffRandomization, j.DefaultTimeout.Nanoseconds(),
		j.HeartbeatIncrement.Nanoseconds(), j.OrigRunAt.UnixNano(), string(j.State), runInfoJSON); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM active_jobs WHERE job_id = ?`, j.JobID)
	return err
}

// rowScanner abstracts over *sql.Row and *sql.Rows for scanJob.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (core.Job, error) {
	var (
		j                    core.Job
		runAt                int64
		backoffInitialNs     int64
		defaultTimeoutNs     int64
		heartbeatIncrementNs int64
		workerID             sql.NullInt64
		startedAt            sql.NullInt64
		expiresAt            sql.NullInt64
		origRunAt            int64
		state                string
		runInfoRaw           string
	)
	if err := row.Scan(&j.JobID, &j.ExternalID, &j.JobType, &j.Priority, &j.Weight,
		&runAt, &j.Payload, &j.CheckpointedPayload, &j.CurrentTry, &j.MaxRetries,
		&backoffInitialNs, &j.BackoffMultiplier, &j.BackoffRandomization,
		&defaultTimeoutNs, &heartbeatIncrementNs, &origRunAt, &state, &runInfoRaw); err != nil {
		return core.Job{}, err
	}

	j.RunAt = time.Unix(0, runAt).UTC()
	j.BackoffInitial = time.Duration(backoffInitialNs)
	j.DefaultTimeout = time.Duration(defaultTimeoutNs)
	j.HeartbeatIncrement = time.Duration(heartbeatIncrementNs)
	j.OrigRunAt = time.Unix(0, origRunAt).UTC()
	j.State = core.State(state)

	if workerID.Valid {
		id := workerID.Int64
		j.WorkerID = &id
	}
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64).UTC()
		j.StartedAt = &t
	}
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		j.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(runInfoRaw), &j.RunInfo); err != nil {
		return core.Job{}, err
	}
	return j, nil
}

func valueOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
