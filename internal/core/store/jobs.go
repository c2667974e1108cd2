package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/coremachine/coremachine/internal/core/model"
)

// CreateJobIfAbsent inserts job. On a primary-key conflict (the job_id
// was already created by a previous submission of the same
// (job_type, parameters)), it discards the insert and returns the
// existing row instead — this is what makes submit() idempotent (spec
// §6, §8 property 2).
func (s *Store) CreateJobIfAbsent(ctx context.Context, job *model.Job) (*model.Job, bool, error) {
	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(job)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return job, false, nil
	}
	existing, err := s.GetJob(ctx, job.JobID)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// GetJob reads the job record, or a not-found error if absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJobStatus conditionally updates a job's status and stage,
// enforcing invariant I-J2: a job already in a terminal status
// (COMPLETED/FAILED/CANCELLED) is never updated again. Returns whether
// the update actually applied.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, stage int) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, terminalJobStatuses()).
		Updates(map[string]interface{}{
			"status":     status,
			"stage":      stage,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CompleteJob sets the job COMPLETED with its aggregated result, guarded
// by I-J2 (a no-op if the job is already terminal).
func (s *Store) CompleteJob(ctx context.Context, jobID string, resultData []byte) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, terminalJobStatuses()).
		Updates(map[string]interface{}{
			"status":      model.JobCompleted,
			"result_data": resultData,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FailJob sets the job FAILED with a failure summary, guarded by I-J2.
func (s *Store) FailJob(ctx context.Context, jobID string, failureSummary string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, terminalJobStatuses()).
		Updates(map[string]interface{}{
			"status":          model.JobFailed,
			"failure_summary": failureSummary,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RequestCancellation marks cancellation_requested on a job. The
// JobProcessor checks this flag before planning the next stage (spec
// §5); in-flight tasks are not interrupted.
func (s *Store) RequestCancellation(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, terminalJobStatuses()).
		Update("cancellation_requested", true).Error
}

func terminalJobStatuses() []model.JobStatus {
	return []model.JobStatus{model.JobCompleted, model.JobFailed, model.JobCancelled}
}
