package model

import (
	"time"

	"gorm.io/datatypes"
)

// Job is one execution of a registered workflow. JobID is a deterministic
// SHA-256 hex digest of (job_type, canonical(parameters)) — see
// internal/core/identity — so re-submitting identical inputs always
// resolves to the same row (invariant I-I1).
type Job struct {
	JobID       string         `gorm:"column:job_id;type:varchar(64);primaryKey" json:"job_id"`
	JobType     string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Status      JobStatus      `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	Stage       int            `gorm:"column:stage;not null;default:1" json:"stage"`
	TotalStages int            `gorm:"column:total_stages;not null" json:"total_stages"`
	Parameters  datatypes.JSON `gorm:"column:parameters;type:jsonb;not null" json:"parameters"`
	ResultData  datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`

	CorrelationID string `gorm:"column:correlation_id;type:varchar(32);index" json:"correlation_id,omitempty"`
	AssetID       string `gorm:"column:asset_id;type:varchar(64);index" json:"asset_id,omitempty"`

	CancellationRequested bool `gorm:"column:cancellation_requested;not null;default:false" json:"cancellation_requested"`

	FailureSummary string `gorm:"column:failure_summary" json:"failure_summary,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }
