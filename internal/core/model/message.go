package model

import "encoding/json"

// JobMessage is the transient on-the-wire envelope published to the job
// queue. It carries no business state of its own — the JobProcessor
// always re-reads the authoritative Job row before acting on it.
type JobMessage struct {
	JobID         string `json:"job_id"`
	JobType       string `json:"job_type"`
	Stage         int    `json:"stage"`
	CorrelationID string `json:"correlation_id"`
}

// TaskMessage is the transient on-the-wire envelope published to the task
// queue.
type TaskMessage struct {
	TaskID        string          `json:"task_id"`
	ParentJobID   string          `json:"parent_job_id"`
	TaskType      string          `json:"task_type"`
	Stage         int             `json:"stage"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

// TaskResult is what a TaskHandler returns, and what
// complete_task_and_check_stage persists onto the Task row.
type TaskResult struct {
	Success    bool
	ResultData map[string]interface{}
	ErrorKind  string
	ErrorDetail string
}

// Status maps a TaskResult to the terminal TaskStatus it produces.
func (r TaskResult) Status() TaskStatus {
	if r.Success {
		return TaskCompleted
	}
	return TaskFailed
}

// StageCompletion is the outcome of complete_task_and_check_stage:
// whether this call was the one that observed the stage's last terminal
// task, and whether any task in the stage failed.
type StageCompletion struct {
	IsLast    bool
	AnyFailed bool
	// AlreadyTerminal is true when the task was already in a terminal
	// state before this call (a redelivered ack); IsLast is always false
	// in that case, per §4.3 step 2a.
	AlreadyTerminal bool
}
