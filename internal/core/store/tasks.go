package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coremachine/coremachine/internal/core/model"
)

// CreateTasks bulk-inserts tasks, inside tx when one is given, else on
// the pooled connection (the JobProcessor passes nil). Primary-key conflicts — a redelivered JobMessage replanning a
// stage whose tasks already exist — are silently ignored, per spec
// §4.3; this is what makes JobProcessor step 7 idempotent under replay.
func (s *Store) CreateTasks(ctx context.Context, tx *gorm.DB, tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	db := s.txOrDB(tx).WithContext(ctx)
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&tasks).Error
}

// GetTask reads a single task row.
func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	var t model.Task
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetStageResults returns the terminal task records for (jobID, stage),
// used both for next-stage planning (JobDefinition.CreateTasksForStage's
// previous_results) and job finalization (JobDefinition.AggregateResults).
func (s *Store) GetStageResults(ctx context.Context, jobID string, stage int) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).
		Where("parent_job_id = ? AND stage_number = ? AND status IN ?", jobID, stage,
			[]model.TaskStatus{model.TaskCompleted, model.TaskFailed}).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetAllTerminalTasks returns every terminal task record across every
// stage of a job, used by StageCoordinator's job-finalization path to
// build JobDefinition.AggregateResults's AggregationContext.
func (s *Store) GetAllTerminalTasks(ctx context.Context, jobID string) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).
		Where("parent_job_id = ? AND status IN ?", jobID,
			[]model.TaskStatus{model.TaskCompleted, model.TaskFailed}).
		Order("stage_number ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// MarkTaskProcessing best-effort transitions a task to PROCESSING before
// handler invocation (spec §4.6 step 2). Not required for correctness —
// I-T1's monotonicity means a redelivered in-flight task is caught later
// by complete_task_and_check_stage's already-terminal check — but it
// gives the reconciler and operators a meaningful in-flight signal.
func (s *Store) MarkTaskProcessing(ctx context.Context, taskID string) error {
	return s.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("task_id = ? AND status = ?", taskID, model.TaskQueued).
		Updates(map[string]interface{}{
			"status":   model.TaskProcessing,
			"attempts": gorm.Expr("attempts + 1"),
		}).Error
}
