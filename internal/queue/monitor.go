package queue

import (
	"time"

	"github.com/rezkam/durableq/internal/clock"
)

// pendingMonitor is the single task of spec.md §4.6: it maintains the
// earliest future run_at it has been told about and wakes every worker at
// that instant. Callers (Queue.AddJobs, and Dispatcher.reportOutcome when a
// returned error schedules a retry) feed it candidate instants as they learn
// about them, rather than
// the monitor re-querying the store for a global minimum — the run_at of a
// newly scheduled job is already known for free at the point of insertion,
// so no additional Store method is needed to recover it.
type pendingMonitor struct {
	registry *workerRegistry
	clk      clock.Clock

	wakeCh chan time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

func newPendingMonitor(registry *workerRegistry, clk clock.Clock) *pendingMonitor {
	m := &pendingMonitor{
		registry: registry,
		clk:      clk,
		wakeCh:   make(chan time.Time, 256),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *pendingMonitor) run() {
	defer close(m.doneCh)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	var next time.Time
	armed := false

	for {
		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case t := <-m.wakeCh:
			if armed && !t.Before(next) {
				continue
			}
			next = t
			armed = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			d := next.Sub(m.clk.Now())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		case <-timer.C:
			m.registry.notifyAll()
			armed = false
		}
	}
}

// candidate informs the monitor of a future instant at which some Pending
// job becomes ready. A non-blocking send: if the channel is briefly full,
// the candidate is dropped and the job is picked up by the next claim cycle
// of a worker (after one of its jobs finishes or another wakeup fires).
func (m *pendingMonitor) candidate(t time.Time) {
	select {
	case m.wakeCh <- t:
	default:
	}
}

func (m *pendingMonitor) stop() {
	close(m.stopCh)
	<-m.doneCh
}
