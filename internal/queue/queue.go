// Package queue implements the dispatcher and execution lifecycle: Worker
// Registry, Pending-Jobs Monitor, per-worker Dispatcher, per-job Runner, and
// the Queue Facade that ties them to a core.Store.
package queue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rezkam/durableq/internal/clock"
	"github.com/rezkam/durableq/internal/core"
)

// Config configures a Queue.
type Config struct {
	// ErrorHandler receives telemetry for job errors/panics. Defaults to
	// DefaultErrorHandler.
	ErrorHandler ErrorHandler
}

// Queue is the facade of spec.md §2 "Queue Facade": construction, shutdown
// coordination, graceful drain.
type Queue struct {
	store    core.Store
	clk      clock.Clock
	registry *Registry

	workers      *workerRegistry
	monitor      *pendingMonitor
	errorHandler ErrorHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	dispatchers []*Dispatcher
	closed      bool
}

// Open constructs a Queue over an already-open Store and job Registry. The
// Store is expected to have already run its startup expiry sweep (see
// internal/storage/sql.Open).
func Open(store core.Store, clk clock.Clock, registry *Registry, cfg Config) *Queue {
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = DefaultErrorHandler{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	workers := newWorkerRegistry()
	return &Queue{
		store:        store,
		clk:          clk,
		registry:     registry,
		workers:      workers,
		monitor:      newPendingMonitor(workers, clk),
		errorHandler: cfg.ErrorHandler,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// AddJob persists one job and returns its external id (spec.md §6
// "add_job").
func (q *Queue) AddJob(ctx context.Context, job core.NewJob) (string, error) {
	ids, err := q.AddJobs(ctx, []core.NewJob{job})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddJobs persists jobs and returns their external ids in submission order
// (spec.md §6 "add_jobs").
func (q *Queue) AddJobs(ctx context.Context, jobs []core.NewJob) ([]string, error) {
	ids, err := q.store.AddJobs(ctx, jobs)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		when := q.clk.Now()
		if j.RunAt != nil {
			when = *j.RunAt
		}
		q.monitor.candidate(when)
	}
	return ids, nil
}

// GetJobStatus returns a job's current status (spec.md §6 "Status API").
func (q *Queue) GetJobStatus(ctx context.Context, externalID string) (core.Status, error) {
	return q.store.GetJobStatus(ctx, externalID)
}

// WorkerConfig configures one Dispatcher (spec.md §6 "Worker configuration").
type WorkerConfig struct {
	// AcceptedTypes restricts which registered job types this worker will
	// claim. Defaults to every type in the Registry.
	AcceptedTypes []string
	// MinConcurrency is the weight threshold below which the Dispatcher
	// claims a new batch. Defaults to MaxConcurrency/2, floor 1.
	MinConcurrency int32
	// MaxConcurrency is the weight budget this worker will run
	// concurrently. Defaults to, and is floored at, the maximum weight
	// among AcceptedTypes.
	MaxConcurrency int32
}

// StartWorker registers a new Dispatcher and starts its loop.
func (q *Queue) StartWorker(cfg WorkerConfig) (*Dispatcher, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, core.ErrQueueClosed
	}
	q.mu.Unlock()

	acceptedTypes := cfg.AcceptedTypes
	if len(acceptedTypes) == 0 {
		acceptedTypes = q.registry.Types()
	}
	for _, t := range acceptedTypes {
		if _, ok := q.registry.get(t); !ok {
			return nil, fmt.Errorf("queue: job type %q not registered", t)
		}
	}

	maxW := q.registry.maxWeight(acceptedTypes)
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency < maxW {
		maxConcurrency = maxW
	}
	minConcurrency := cfg.MinConcurrency
	if minConcurrency <= 0 {
		minConcurrency = maxConcurrency / 2
	}
	if minConcurrency < 1 {
		minConcurrency = 1
	}

	entry := q.workers.add(acceptedTypes)
	d := &Dispatcher{
		id:             entry.id,
		jobTypes:       acceptedTypes,
		minConcurrency: minConcurrency,
		maxConcurrency: maxConcurrency,
		q:              q,
		notifyReady:    entry.notifyReady,
		jobFinished:    make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		stopped:        make(chan struct{}),
	}

	q.mu.Lock()
	q.dispatchers = append(q.dispatchers, d)
	q.mu.Unlock()

	go d.run()
	return d, nil
}

// Close signals every Dispatcher to stop claiming and waits for in-flight
// Runners to finish, bounded by ctx (spec.md §5 "Cancellation"). It then
// stops the Pending-Jobs Monitor and closes the Store.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dispatchers := append([]*Dispatcher(nil), q.dispatchers...)
	q.mu.Unlock()

	for _, d := range dispatchers {
		close(d.stopCh)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range dispatchers {
		d := d
		g.Go(func() error {
			select {
			case <-d.stopped:
				q.workers.remove(d.id)
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	waitErr := g.Wait()

	q.monitor.stop()
	q.cancel()

	storeErr := q.store.Close()
	if waitErr != nil {
		return fmt.Errorf("%w: %v", core.ErrTimeout, waitErr)
	}
	return storeErr
}
