// Package workflow defines the explicit interfaces that job types and
// task handlers must implement, per spec §4.8. The teacher's workflow
// classes are duck-typed (attribute lookup); here they are first-class
// Go interfaces, enumerated once and checked by the compiler, following
// the "explicit interface, not decorator magic" translation in spec §9.
package workflow

import "github.com/coremachine/coremachine/internal/core/model"

// TaskSpec is what JobDefinition.CreateTasksForStage returns for each
// task it wants planned into the current stage.
type TaskSpec struct {
	// Discriminator is a workflow-chosen stable string (e.g. "chunk_7",
	// "finalize") that, combined with the job ID and stage number, makes
	// the task's ID deterministic.
	Discriminator string
	TaskType      string
	Parameters    map[string]interface{}
}

// StageContext is what JobDefinition.CreateTasksForStage receives when
// planning any stage. For stage >= 2, PreviousResults holds the terminal
// task records from the previous stage, in no particular order (spec §5:
// "no guaranteed order"); for stage 1 it is empty.
type StageContext struct {
	JobID            string
	Stage            int
	Parameters       map[string]interface{}
	PreviousResults  []model.Task
}

// AggregationContext is what JobDefinition.AggregateResults receives once
// every stage has reached completion: every terminal task record across
// every stage of the job.
type AggregationContext struct {
	JobID      string
	Parameters map[string]interface{}
	Tasks      []model.Task
}

// JobDefinition is the declarative description of a job type: how many
// stages it has, how to validate its submission parameters, how to plan
// each stage's tasks, and how to aggregate the final result. Implementors
// live in internal/workflows/*.
type JobDefinition interface {
	// JobType is this workflow's registry key.
	JobType() string

	// TotalStages is frozen onto the Job record at creation.
	TotalStages() int

	// ValidateParameters is applied at submission time, before any queue
	// traffic, and rejects early with a *model.ValidationError.
	ValidateParameters(raw map[string]interface{}) (map[string]interface{}, error)

	// CreateTasksForStage plans one stage. For stage > 1, ctx.PreviousResults
	// holds the previous stage's terminal task records. Returning an empty
	// slice is legal and fast-completes the stage.
	CreateTasksForStage(ctx StageContext) ([]TaskSpec, error)

	// AggregateResults builds the final result_data from every terminal
	// task record across every stage. Must be a pure function with no
	// side effects.
	AggregateResults(ctx AggregationContext) (map[string]interface{}, error)

	// TolerantFailure reports whether this workflow proceeds to the next
	// stage with partial results when a stage has failed tasks, instead
	// of the default fatal behavior (spec §7, Open Question 2).
	TolerantFailure() bool
}

// HandlerResult is what a TaskHandler returns.
type HandlerResult struct {
	Success    bool
	ResultData map[string]interface{}
	ErrorKind  string
	ErrorDetail string
}

// TaskHandler executes one task. It may perform I/O; it must be
// idempotent with respect to its external side effects (spec §7) —
// TaskID is passed in precisely so a handler can use it as an
// idempotency key for external writes, per spec §9's suggested pattern.
// A handler that panics is recovered by the TaskProcessor and mapped to
// a *model.HandlerException; it never needs its own recover().
type TaskHandler interface {
	// TaskType is this handler's registry key.
	TaskType() string

	// Handle executes the task and returns a HandlerResult. Returning a
	// non-nil error is equivalent to panicking: the TaskProcessor wraps
	// it into a *model.HandlerException. Returning success=false with
	// ErrorKind/ErrorDetail set is a *model.HandlerReportedFailure,
	// recorded verbatim.
	Handle(taskID string, parameters map[string]interface{}) (HandlerResult, error)
}
