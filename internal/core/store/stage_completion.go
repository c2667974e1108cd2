package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coremachine/coremachine/internal/core/identity"
	"github.com/coremachine/coremachine/internal/core/model"
)

// CompleteTaskAndCheckStage is the hard part of the core (spec §4.3): it
// atomically records a task's terminal result and reports whether this
// call was the one to observe every task of its stage reaching a
// terminal state — the "last task turns out the lights" primitive.
//
// Correctness rests on pg_advisory_xact_lock keyed on hash(job_id,
// stage): every concurrent caller for the same (job_id, stage) serializes
// on that lock, so exactly one caller can ever see
// terminal_count == total_count transition to true (invariant I-O1).
// The lock is transaction-scoped — acquired and released within the same
// transaction that performs the update and the counts — so a crash
// between acquire and commit releases it automatically instead of
// leaking a session-scoped lock (Open Question 1).
func (s *Store) CompleteTaskAndCheckStage(ctx context.Context, taskID, jobID string, stage int, result model.TaskResult) (model.StageCompletion, error) {
	var completion model.StageCompletion

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockKey := identity.AdvisoryLockKey(s.namespace, jobID, stage)
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", lockKey).Error; err != nil {
			return err
		}

		var task model.Task
		if err := tx.Where("task_id = ?", taskID).First(&task).Error; err != nil {
			return err
		}

		if task.Status.Terminal() {
			// Already observed once — a redelivered ack. Report the
			// stage's current any_failed for informational purposes but
			// never re-claim is_last (I-O1).
			anyFailed, err := stageAnyFailed(tx, jobID, stage)
			if err != nil {
				return err
			}
			completion = model.StageCompletion{IsLast: false, AnyFailed: anyFailed, AlreadyTerminal: true}
			return nil
		}

		resultJSON, err := json.Marshal(result.ResultData)
		if err != nil {
			return err
		}
		now := time.Now()
		updates := map[string]interface{}{
			"status":       result.Status(),
			"result_data":  resultJSON,
			"error_kind":   result.ErrorKind,
			"error_detail": result.ErrorDetail,
			"completed_at": now,
		}
		if err := tx.Model(&model.Task{}).Where("task_id = ?", taskID).Updates(updates).Error; err != nil {
			return err
		}

		var total, terminal, failed int64
		if err := tx.Model(&model.Task{}).
			Where("parent_job_id = ? AND stage_number = ?", jobID, stage).
			Count(&total).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Task{}).
			Where("parent_job_id = ? AND stage_number = ? AND status IN ?", jobID, stage,
				[]model.TaskStatus{model.TaskCompleted, model.TaskFailed}).
			Count(&terminal).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Task{}).
			Where("parent_job_id = ? AND stage_number = ? AND status = ?", jobID, stage, model.TaskFailed).
			Count(&failed).Error; err != nil {
			return err
		}

		isLast := terminal == total
		completion = model.StageCompletion{IsLast: isLast, AnyFailed: failed > 0}

		stageUpdates := map[string]interface{}{
			"completed_count": terminal - failed,
			"failed_count":    failed,
		}
		if isLast {
			stageUpdates["completed_at"] = now
		}
		if err := tx.Model(&model.Stage{}).
			Where("job_id = ? AND stage_number = ?", jobID, stage).
			Updates(stageUpdates).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return model.StageCompletion{}, err
	}
	return completion, nil
}

func stageAnyFailed(tx *gorm.DB, jobID string, stage int) (bool, error) {
	var count int64
	err := tx.Model(&model.Task{}).
		Where("parent_job_id = ? AND stage_number = ? AND status = ?", jobID, stage, model.TaskFailed).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateStage inserts the Stage row for (jobID, stage) with its planned
// task_count, set up before the stage's TaskMessages are published so
// complete_task_and_check_stage always has a row to update counters on.
// A primary-key conflict (stage replanned under JobMessage redelivery)
// is silently ignored, matching CreateTasks's idempotency.
func (s *Store) CreateStage(ctx context.Context, tx *gorm.DB, stage *model.Stage) error {
	db := s.txOrDB(tx).WithContext(ctx)
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(stage).Error
}
