package queue

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes one claimed job attempt. Returning nil completes the
// job (unless the handler already called Job.Complete/Job.Fail); returning
// an error fails it, subject to spec.md §4.5's retry algebra.
type Handler func(ctx context.Context, job *Job) error

// JobDef registers a job type with the queue, following
// original_source/prefect/src/job_registry.rs's JobDef shape (name, runner
// function, autoheartbeat flag), with Weight added. Weight sets the default
// and minimum MaxConcurrency of a worker that accepts this type; the weight a
// claim counts against the budget is each job's own NewJob.Weight.
type JobDef struct {
	JobType       string
	Handler       Handler
	Weight        int32
	Autoheartbeat bool
}

// Registry is the set of job types a Queue knows how to run.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]JobDef
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]JobDef)}
}

// Register adds a JobDef. It returns an error if the job type is already
// registered, rather than panicking as the Rust registry does, since Go
// registration typically happens at runtime alongside config loading.
func (r *Registry) Register(def JobDef) error {
	if def.JobType == "" {
		return fmt.Errorf("queue: job type must not be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("queue: job type %q has no handler", def.JobType)
	}
	if def.Weight <= 0 {
		def.Weight = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.JobType]; exists {
		return fmt.Errorf("queue: job type %q already registered", def.JobType)
	}
	r.defs[def.JobType] = def
	return nil
}

func (r *Registry) get(jobType string) (JobDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[jobType]
	return def, ok
}

// Types returns every registered job type, in no particular order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	return types
}

func (r *Registry) maxWeight(types []string) int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max int32 = 1
	for _, t := range types {
		if def, ok := r.defs[t]; ok && def.Weight > max {
			max = def.Weight
		}
	}
	return max
}
