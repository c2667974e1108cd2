package model

import (
	"time"

	"gorm.io/datatypes"
)

// Task is a single unit of work dispatched to a TaskHandler. TaskID is a
// deterministic SHA-256 hex digest of (job_id, stage_number,
// discriminator) — see internal/core/identity — so a redelivered
// TaskMessage always resolves to the same row.
type Task struct {
	TaskID      string `gorm:"column:task_id;type:varchar(64);primaryKey" json:"task_id"`
	ParentJobID string `gorm:"column:parent_job_id;type:varchar(64);not null;index" json:"parent_job_id"`
	StageNumber int    `gorm:"column:stage_number;not null;index" json:"stage_number"`
	TaskType    string `gorm:"column:task_type;not null" json:"task_type"`

	Discriminator string `gorm:"column:discriminator;not null" json:"discriminator"`

	Status     TaskStatus     `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	Parameters datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters,omitempty"`
	ResultData datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`

	ErrorKind   string `gorm:"column:error_kind" json:"error_kind,omitempty"`
	ErrorDetail string `gorm:"column:error_detail" json:"error_detail,omitempty"`

	Attempts int `gorm:"column:attempts;not null;default:0" json:"attempts"`

	CreatedAt   time.Time  `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Task) TableName() string { return "tasks" }

// CompletionIndex is the composite key (JobID, StageNumber) that the
// advisory lock and the stage-completion primitive are keyed on.
type CompletionIndex struct {
	JobID       string
	StageNumber int
}
