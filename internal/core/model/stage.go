package model

import (
	"time"

	"gorm.io/datatypes"
)

// Stage tracks one stage instance of a job, identified by (JobID,
// StageNumber). The stage is complete iff CompletedCount + FailedCount ==
// TaskCount (invariant I-S1); the core maintains those counters inside
// complete_task_and_check_stage rather than computing them on demand, so
// a Stage row always reflects a consistent snapshot taken under the
// advisory lock.
type Stage struct {
	JobID       string `gorm:"column:job_id;type:varchar(64);primaryKey" json:"job_id"`
	StageNumber int    `gorm:"column:stage_number;primaryKey" json:"stage_number"`

	TaskCount      int `gorm:"column:task_count;not null;default:0" json:"task_count"`
	CompletedCount int `gorm:"column:completed_count;not null;default:0" json:"completed_count"`
	FailedCount    int `gorm:"column:failed_count;not null;default:0" json:"failed_count"`

	ResultsSummary datatypes.JSON `gorm:"column:results_summary;type:jsonb" json:"results_summary,omitempty"`

	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Stage) TableName() string { return "stages" }

// Complete reports whether every task planned for this stage has reached
// a terminal state.
func (s Stage) Complete() bool {
	return s.CompletedCount+s.FailedCount == s.TaskCount
}

// AnyFailed reports whether at least one task in this stage failed.
func (s Stage) AnyFailed() bool {
	return s.FailedCount > 0
}
