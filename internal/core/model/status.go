package model

// JobStatus is the lifecycle state of a Job. Transitions are monotonic:
// QUEUED -> PROCESSING -> (COMPLETED | FAILED | CANCELLED). A job in a
// terminal status is never mutated again (invariant I-J2).
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether s is one of the job's terminal statuses.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of a Task. Transitions are monotonic:
// QUEUED -> PROCESSING -> (COMPLETED | FAILED). No back-transitions
// (invariant I-T1).
type TaskStatus string

const (
	TaskQueued     TaskStatus = "QUEUED"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// Terminal reports whether s is one of the task's terminal statuses.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed:
		return true
	default:
		return false
	}
}
