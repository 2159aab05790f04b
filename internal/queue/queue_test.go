package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/durableq/internal/clock"
	"github.com/rezkam/durableq/internal/core"
	"github.com/rezkam/durableq/internal/queue"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

func newEchoRegistry(t *testing.T, weight int32, autoheartbeat bool, handler queue.Handler) *queue.Registry {
	t.Helper()
	reg := queue.NewRegistry()
	require.NoError(t, reg.Register(queue.JobDef{
		JobType:       "echo",
		Handler:       handler,
		Weight:        weight,
		Autoheartbeat: autoheartbeat,
	}))
	return reg
}

// TestQueueRunsSuccessfulJob exercises the golden path: AddJob -> claimed ->
// handler runs -> Complete is recorded.
func TestQueueRunsSuccessfulJob(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clk)

	var ran atomic32
	reg := newEchoRegistry(t, 1, false, func(ctx context.Context, job *queue.Job) error {
		ran.set(true)
		return nil
	})

	q := queue.Open(store, clk, reg, queue.Config{})
	defer q.Close(context.Background())

	id, err := q.AddJob(context.Background(), core.NewJob{JobType: "echo"})
	require.NoError(t, err)

	_, err = q.StartWorker(queue.WorkerConfig{MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)

	waitFor(t, time.Second, ran.get)

	waitFor(t, time.Second, func() bool {
		status, err := q.GetJobStatus(context.Background(), id)
		return err == nil && status.State == core.StateSucceeded
	})
}

// TestQueueRetriesFailedJob exercises a handler that fails once and succeeds
// on the second attempt, verifying the retry algebra reschedules rather than
// terminating the job (spec.md §4.5).
func TestQueueRetriesFailedJob(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clk)

	var attempts atomic32Counter
	reg := newEchoRegistry(t, 1, false, func(ctx context.Context, job *queue.Job) error {
		n := attempts.incr()
		if n == 1 {
			return assertError{"first attempt fails"}
		}
		return nil
	})

	q := queue.Open(store, clk, reg, queue.Config{})
	defer q.Close(context.Background())

	id, err := q.AddJob(context.Background(), core.NewJob{
		JobType: "echo",
		// BackoffInitial 0 makes the retry immediately claimable (NextRunAt
		// == now) without depending on the virtual clock advancing or on the
		// Pending-Jobs Monitor's real-time timer, which is orthogonal to the
		// injected clock (see monitor.go).
		Retries: &core.Retries{MaxRetries: 2, BackoffInitial: 0, BackoffMultiplier: 1, BackoffRandomization: 0},
	})
	require.NoError(t, err)

	_, err = q.StartWorker(queue.WorkerConfig{MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		status, err := q.GetJobStatus(context.Background(), id)
		return err == nil && status.State == core.StateSucceeded
	})
	assert.GreaterOrEqual(t, attempts.get(), int32(2))
}

// TestQueueExhaustsRetries verifies a handler that always fails eventually
// terminates the job instead of retrying forever.
func TestQueueExhaustsRetries(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clk)

	reg := newEchoRegistry(t, 1, false, func(ctx context.Context, job *queue.Job) error {
		return assertError{"always fails"}
	})

	q := queue.Open(store, clk, reg, queue.Config{})
	defer q.Close(context.Background())

	id, err := q.AddJob(context.Background(), core.NewJob{
		JobType: "echo",
		Retries: &core.Retries{MaxRetries: 0, BackoffInitial: time.Millisecond, BackoffMultiplier: 1, BackoffRandomization: 0},
	})
	require.NoError(t, err)

	_, err = q.StartWorker(queue.WorkerConfig{MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		status, err := q.GetJobStatus(context.Background(), id)
		return err == nil && status.State == core.StateFailed
	})
}

// TestQueuePanicRecovery verifies a panicking handler is converted into a
// PanicError and routed through the ordinary Fail path rather than crashing
// the Dispatcher goroutine (spec.md §5 "Panic isolation").
func TestQueuePanicRecovery(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clk)

	reg := newEchoRegistry(t, 1, false, func(ctx context.Context, job *queue.Job) error {
		panic("boom")
	})

	q := queue.Open(store, clk, reg, queue.Config{})
	defer q.Close(context.Background())

	id, err := q.AddJob(context.Background(), core.NewJob{
		JobType: "echo",
		Retries: &core.Retries{MaxRetries: 0, BackoffInitial: time.Millisecond, BackoffMultiplier: 1, BackoffRandomization: 0},
	})
	require.NoError(t, err)

	_, err = q.StartWorker(queue.WorkerConfig{MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		status, err := q.GetJobStatus(context.Background(), id)
		return err == nil && status.State == core.StateFailed
	})
}

// TestQueueExplicitCompleteWins verifies a handler that calls job.Complete
// itself then returns a non-nil error still records success, since an
// explicit terminal call takes precedence (spec.md §4.5).
func TestQueueExplicitCompleteWins(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clk)

	reg := newEchoRegistry(t, 1, false, func(ctx context.Context, job *queue.Job) error {
		require.NoError(t, job.Complete(ctx, nil))
		return assertError{"ignored because Complete already ran"}
	})

	q := queue.Open(store, clk, reg, queue.Config{})
	defer q.Close(context.Background())

	id, err := q.AddJob(context.Background(), core.NewJob{JobType: "echo"})
	require.NoError(t, err)

	_, err = q.StartWorker(queue.WorkerConfig{MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		status, err := q.GetJobStatus(context.Background(), id)
		return err == nil && status.State == core.StateSucceeded
	})
}

// TestQueueWeightedConcurrencyLimit verifies a Dispatcher never runs more
// total weight than MaxConcurrency (spec.md §4.2 claim packing).
func TestQueueWeightedConcurrencyLimit(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clk)

	release := make(chan struct{})
	var running atomic32Counter
	var maxObserved atomic32Counter
	reg := newEchoRegistry(t, 2, false, func(ctx context.Context, job *queue.Job) error {
		n := running.incr()
		maxObserved.setMax(n)
		<-release
		running.decr()
		return nil
	})

	q := queue.Open(store, clk, reg, queue.Config{})
	defer q.Close(context.Background())

	for i := 0; i < 5; i++ {
		_, err := q.AddJob(context.Background(), core.NewJob{JobType: "echo", Weight: 2})
		require.NoError(t, err)
	}

	_, err := q.StartWorker(queue.WorkerConfig{MinConcurrency: 1, MaxConcurrency: 4})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return running.get() >= 2 })
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, maxObserved.getMax(), int32(2), "weight 2 jobs under a budget of 4 must not exceed 2 concurrent")

	close(release)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

type atomic32 struct {
	mu sync.Mutex
	v  bool
}

func (a *atomic32) set(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = v
}

func (a *atomic32) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

type atomic32Counter struct {
	mu  sync.Mutex
	v   int32
	max int32
}

func (a *atomic32Counter) incr() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v++
	return a.v
}

func (a *atomic32Counter) decr() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v--
}

func (a *atomic32Counter) get() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func (a *atomic32Counter) setMax(n int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.max {
		a.max = n
	}
}

func (a *atomic32Counter) getMax() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max
}
