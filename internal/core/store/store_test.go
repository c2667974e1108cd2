package store

import (
	"context"
	"sync"
	"testing"

	"gorm.io/datatypes"

	"github.com/coremachine/coremachine/internal/core/model"
)

func TestCreateJobIfAbsent_Idempotent(t *testing.T) {
	db := testGormDB(t)
	s := testStore(t)
	ctx := context.Background()

	job := &model.Job{
		JobID:       "test-job-idem-1",
		JobType:     "echo",
		Status:      model.JobQueued,
		Stage:       1,
		TotalStages: 1,
		Parameters:  datatypes.JSON(`{"msg":"hi"}`),
	}
	cleanupJob(t, db, job.JobID)

	first, existed, err := s.CreateJobIfAbsent(ctx, job)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if existed {
		t.Fatalf("expected first create to report not-existed")
	}
	if first.JobID != job.JobID {
		t.Fatalf("unexpected job id: %s", first.JobID)
	}

	second, existed, err := s.CreateJobIfAbsent(ctx, &model.Job{
		JobID:       job.JobID,
		JobType:     "echo",
		Status:      model.JobQueued,
		Stage:       1,
		TotalStages: 1,
		Parameters:  datatypes.JSON(`{"msg":"hi"}`),
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !existed {
		t.Fatalf("expected second create to report existed")
	}
	if second.JobID != job.JobID {
		t.Fatalf("unexpected job id on replay: %s", second.JobID)
	}
}

func TestUpdateJobStatus_RespectsTerminality(t *testing.T) {
	db := testGormDB(t)
	s := testStore(t)
	ctx := context.Background()

	job := &model.Job{
		JobID:       "test-job-terminal-1",
		JobType:     "echo",
		Status:      model.JobQueued,
		Stage:       1,
		TotalStages: 1,
		Parameters:  datatypes.JSON(`{}`),
	}
	cleanupJob(t, db, job.JobID)
	if _, _, err := s.CreateJobIfAbsent(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	if ok, err := s.CompleteJob(ctx, job.JobID, []byte(`{"ok":true}`)); err != nil || !ok {
		t.Fatalf("expected complete to apply: ok=%v err=%v", ok, err)
	}

	applied, err := s.UpdateJobStatus(ctx, job.JobID, model.JobProcessing, 1)
	if err != nil {
		t.Fatalf("update after terminal: %v", err)
	}
	if applied {
		t.Fatalf("expected update on terminal job to be rejected (I-J2)")
	}

	got, err := s.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.JobCompleted {
		t.Fatalf("expected job to remain COMPLETED, got %s", got.Status)
	}
}

func TestCompleteTaskAndCheckStage_ExactlyOneLastObserver(t *testing.T) {
	db := testGormDB(t)
	s := testStore(t)
	ctx := context.Background()

	jobID := "test-job-race-1"
	cleanupJob(t, db, jobID)

	job := &model.Job{
		JobID:       jobID,
		JobType:     "fanout",
		Status:      model.JobProcessing,
		Stage:       1,
		TotalStages: 1,
		Parameters:  datatypes.JSON(`{"n":10}`),
	}
	if _, _, err := s.CreateJobIfAbsent(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	const n = 10
	if err := s.CreateStage(ctx, nil, &model.Stage{JobID: jobID, StageNumber: 1, TaskCount: n}); err != nil {
		t.Fatalf("create stage: %v", err)
	}

	taskIDs := make([]string, 0, n)
	tasks := make([]model.Task, 0, n)
	for i := 0; i < n; i++ {
		id := jobID + "-task-" + string(rune('a'+i))
		taskIDs = append(taskIDs, id)
		tasks = append(tasks, model.Task{
			TaskID:        id,
			ParentJobID:   jobID,
			StageNumber:   1,
			TaskType:      "inc",
			Discriminator: string(rune('a' + i)),
			Status:        model.TaskQueued,
		})
	}
	if err := s.CreateTasks(ctx, nil, tasks); err != nil {
		t.Fatalf("create tasks: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	lastCount := 0
	errs := make([]error, 0)

	for _, id := range taskIDs {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			completion, err := s.CompleteTaskAndCheckStage(ctx, taskID, jobID, 1, model.TaskResult{
				Success:    true,
				ResultData: map[string]interface{}{"v": 1},
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if completion.IsLast {
				lastCount++
			}
		}(id)
	}
	wg.Wait()

	for _, err := range errs {
		t.Errorf("completion error: %v", err)
	}
	if lastCount != 1 {
		t.Fatalf("expected exactly one is_last=true observation, got %d", lastCount)
	}
}

func TestCompleteTaskAndCheckStage_RedeliveryIsNotReobserved(t *testing.T) {
	db := testGormDB(t)
	s := testStore(t)
	ctx := context.Background()

	jobID := "test-job-redelivery-1"
	cleanupJob(t, db, jobID)

	job := &model.Job{
		JobID:       jobID,
		JobType:     "echo",
		Status:      model.JobProcessing,
		Stage:       1,
		TotalStages: 1,
		Parameters:  datatypes.JSON(`{}`),
	}
	if _, _, err := s.CreateJobIfAbsent(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.CreateStage(ctx, nil, &model.Stage{JobID: jobID, StageNumber: 1, TaskCount: 1}); err != nil {
		t.Fatalf("create stage: %v", err)
	}
	taskID := jobID + "-only"
	if err := s.CreateTasks(ctx, nil, []model.Task{{
		TaskID: taskID, ParentJobID: jobID, StageNumber: 1, TaskType: "echo_handler",
		Discriminator: "only", Status: model.TaskQueued,
	}}); err != nil {
		t.Fatalf("create tasks: %v", err)
	}

	first, err := s.CompleteTaskAndCheckStage(ctx, taskID, jobID, 1, model.TaskResult{Success: true})
	if err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if !first.IsLast {
		t.Fatalf("expected first completion to be last")
	}

	second, err := s.CompleteTaskAndCheckStage(ctx, taskID, jobID, 1, model.TaskResult{Success: true})
	if err != nil {
		t.Fatalf("redelivered completion: %v", err)
	}
	if second.IsLast {
		t.Fatalf("expected redelivered completion to never re-report is_last")
	}
	if !second.AlreadyTerminal {
		t.Fatalf("expected redelivered completion to report already-terminal")
	}
}
