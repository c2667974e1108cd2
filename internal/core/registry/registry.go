/*
Package registry holds the two process-wide dispatch tables spec §4.2
describes: job_type -> JobDefinition and task_type -> TaskHandler.

Both registries are populated once at process startup from explicit
registration calls and are never mutated afterward. Decorator-based
auto-registration is rejected deliberately (spec §9): it has been
observed to cause silent omission when a package defining a workflow is
never imported, so its init() never runs. Requiring an explicit call in
the composition root makes a missing workflow a compile-or-boot-time
fact, not a runtime mystery.
*/
package registry

import (
	"fmt"
	"sync"

	"github.com/coremachine/coremachine/internal/core/workflow"
)

// JobRegistry is a concurrency-safe map of job_type -> JobDefinition.
type JobRegistry struct {
	mu  sync.RWMutex
	defs map[string]workflow.JobDefinition
}

// NewJobRegistry constructs an empty job registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{defs: make(map[string]workflow.JobDefinition)}
}

// Register adds a JobDefinition to the registry. At most one definition
// may be registered per job_type; a second registration for the same
// type is almost always a wiring error, so it fails loudly rather than
// silently overwriting.
func (r *JobRegistry) Register(def workflow.JobDefinition) error {
	if def == nil {
		return fmt.Errorf("registry: nil JobDefinition")
	}
	t := def.JobType()
	if t == "" {
		return fmt.Errorf("registry: JobDefinition.JobType() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[t]; exists {
		return fmt.Errorf("registry: JobDefinition already registered for job_type=%s", t)
	}
	r.defs[t] = def
	return nil
}

// Get retrieves the JobDefinition for job_type, or (nil, false) on a
// miss. A miss at submission time is a *model.UnknownJobTypeError,
// raised by the caller.
func (r *JobRegistry) Get(jobType string) (workflow.JobDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[jobType]
	return def, ok
}

// HandlerRegistry is a concurrency-safe map of task_type -> TaskHandler.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]workflow.TaskHandler
}

// NewHandlerRegistry constructs an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]workflow.TaskHandler)}
}

// Register adds a TaskHandler to the registry, at most one per
// task_type.
func (r *HandlerRegistry) Register(h workflow.TaskHandler) error {
	if h == nil {
		return fmt.Errorf("registry: nil TaskHandler")
	}
	t := h.TaskType()
	if t == "" {
		return fmt.Errorf("registry: TaskHandler.TaskType() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("registry: TaskHandler already registered for task_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

// Get retrieves the handler for task_type, or (nil, false) on a miss. A
// miss at dispatch time is not fatal to the job: the TaskProcessor marks
// the individual task FAILED with error_kind=UnknownTaskType and the
// stage proceeds (spec §4.2).
func (r *HandlerRegistry) Get(taskType string) (workflow.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}
