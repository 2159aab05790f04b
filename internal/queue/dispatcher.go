package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rezkam/durableq/internal/core"
)

// Dispatcher is the per-worker loop of spec.md §4.3: while below
// min_concurrency it claims a batch of ready jobs respecting the weight
// budget, spawns a Runner goroutine per job, then waits for either a
// notify-ready or job-finished signal before looping. Translated from
// original_source/local/src/worker.rs's WorkerInternal::run — the tokio
// select! with a guarded notify_task_ready arm becomes two explicit select
// statements below, since Go has no conditional-case select.
type Dispatcher struct {
	id             int64
	jobTypes       []string
	minConcurrency int32
	maxConcurrency int32

	q *Queue

	runningWeight atomic.Int32
	notifyReady   chan struct{}
	jobFinished   chan struct{}
	stopCh        chan struct{}
	stopped       chan struct{}
	jobsWG        sync.WaitGroup
}

// ID is this dispatcher's worker id, assigned by the Worker Registry.
func (d *Dispatcher) ID() int64 { return d.id }

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		running := d.runningWeight.Load()
		grabNew := running < d.minConcurrency
		if grabNew {
			d.claimAndSpawn()
			grabNew = d.runningWeight.Load() < d.minConcurrency
		}

		if grabNew {
			select {
			case <-d.stopCh:
				d.jobsWG.Wait()
				return
			case <-d.notifyReady:
			case <-d.jobFinished:
			}
		} else {
			select {
			case <-d.stopCh:
				d.jobsWG.Wait()
				return
			case <-d.jobFinished:
			}
		}
	}
}

func (d *Dispatcher) claimAndSpawn() {
	budget := d.maxConcurrency - d.runningWeight.Load()
	if budget <= 0 {
		return
	}
	claimed, err := d.q.store.ClaimJobs(d.q.ctx, d.id, d.jobTypes, d.q.clk.Now(), budget)
	if err != nil {
		slog.ErrorContext(d.q.ctx, "claim failed", "worker_id", d.id, "error", err)
		return
	}
	for _, c := range claimed {
		d.runningWeight.Add(c.Weight)
		d.jobsWG.Add(1)
		go d.runJob(c)
	}
}

// runJob is the Runner of spec.md §4.4: execute the handler, auto-heartbeat
// in parallel when requested, and report a terminal outcome unless the
// handler already reported one explicitly.
func (d *Dispatcher) runJob(claimed core.ClaimedJob) {
	defer func() {
		d.runningWeight.Add(-claimed.Weight)
		notifySignal(d.jobFinished)
		d.jobsWG.Done()
	}()

	def, ok := d.q.registry.get(claimed.JobType)
	if !ok {
		slog.ErrorContext(d.q.ctx, "claimed job of unregistered type", "job_type", claimed.JobType, "job_id", claimed.ExternalID)
		return
	}

	job := newJob(claimed, d.q.store, d.q.clk)
	ctx, cancel := context.WithCancel(d.q.ctx)

	heartbeatDone := make(chan struct{})
	if def.Autoheartbeat && job.heartbeatIncrement > 0 {
		go d.runAutoheartbeat(ctx, job, heartbeatDone)
	} else {
		close(heartbeatDone)
	}

	err := d.executeWithRecovery(ctx, def.Handler, job)
	cancel()
	<-heartbeatDone

	d.reportOutcome(job, err)
}

func (d *Dispatcher) runAutoheartbeat(ctx context.Context, job *Job, done chan struct{}) {
	defer close(done)
	for {
		wait := nextAutoheartbeatDelay(job.heartbeatIncrement, job.expiresAt(), d.q.clk.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := job.Heartbeat(ctx); err != nil && !errors.Is(err, core.ErrWorkerMismatch) {
				slog.WarnContext(ctx, "heartbeat failed", "job_id", job.ExternalID, "error", err)
			}
		}
	}
}

// nextAutoheartbeatDelay matches worker.rs's wait_for_next_autoheartbeat:
// heartbeat at expires_at - min(increment, 30s)/2, never before now.
func nextAutoheartbeatDelay(increment time.Duration, expires, now time.Time) time.Duration {
	before := increment
	if before > 30*time.Second {
		before = 30 * time.Second
	}
	before /= 2
	delay := expires.Add(-before).Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (d *Dispatcher) executeWithRecovery(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			d.q.errorHandler.HandlePanic(ctx, job.JobType, job.ExternalID, r, stack)
			err = PanicError{Value: r, StackTrace: stack}
		}
	}()
	return handler(ctx, job)
}

// reportOutcome applies spec.md §4.4 steps 3-6: an explicit Complete/Fail
// from the handler wins; otherwise a nil return completes the job and a
// non-nil return fails it through the ordinary retry algebra.
func (d *Dispatcher) reportOutcome(job *Job, err error) {
	if job.IsDone() {
		if err != nil {
			slog.WarnContext(d.q.ctx, "handler returned error after explicit terminal call",
				"job_id", job.ExternalID, "error", err)
		}
		return
	}

	if err == nil {
		if cerr := job.Complete(d.q.ctx, nil); cerr != nil && !errors.Is(cerr, core.ErrWorkerMismatch) {
			slog.ErrorContext(d.q.ctx, "failed to record completion", "job_id", job.ExternalID, "error", cerr)
		}
		return
	}

	var panicErr PanicError
	if !errors.As(err, &panicErr) {
		d.q.errorHandler.HandleError(d.q.ctx, job.JobType, job.ExternalID, err)
	}

	info, _ := json.Marshal(map[string]string{"error": err.Error()})
	outcome, ferr := job.Fail(d.q.ctx, info)
	if ferr != nil && !errors.Is(ferr, core.ErrWorkerMismatch) {
		slog.ErrorContext(d.q.ctx, "failed to record failure", "job_id", job.ExternalID, "error", ferr)
		return
	}
	if outcome.Retry {
		d.q.monitor.candidate(outcome.NextRunAt)
	}
}

func notifySignal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
