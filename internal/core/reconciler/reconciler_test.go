package reconciler

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/coremachine/coremachine/internal/core/bus"
	"github.com/coremachine/coremachine/internal/core/metrics"
	"github.com/coremachine/coremachine/internal/core/model"
	"github.com/coremachine/coremachine/internal/core/store"
	"github.com/coremachine/coremachine/internal/platform/logger"
)

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	dbOnce sync.Once
	testDB *gorm.DB
	dbErr  error
)

func testGormDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			dbErr = errMissingDSN
			return
		}
		var err error
		testDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			dbErr = err
			return
		}
		if err := testDB.AutoMigrate(&model.Job{}, &model.Stage{}, &model.Task{}); err != nil {
			dbErr = err
			return
		}
	})
	if errors.Is(dbErr, errMissingDSN) {
		t.Skip("set TEST_POSTGRES_DSN to run reconciler integration tests")
	}
	if dbErr != nil {
		t.Fatalf("failed to init test db: %v", dbErr)
	}
	return testDB
}

// fakeAdvancer records AdvanceStage calls instead of driving a real
// engine.Core, keeping this package's tests independent of
// internal/core/engine the same way the production StageAdvancer
// interface keeps the packages decoupled.
type fakeAdvancer struct {
	mu    sync.Mutex
	calls []advanceCall
}

type advanceCall struct {
	jobID          string
	completedStage int
	anyFailed      bool
}

func (f *fakeAdvancer) AdvanceStage(ctx context.Context, jobID string, completedStage int, anyFailed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, advanceCall{jobID: jobID, completedStage: completedStage, anyFailed: anyFailed})
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store, *bus.Bus, *fakeAdvancer) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	db := testGormDB(t)
	st := store.New(db, log, 0x434F5245)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	msgBus := bus.New(rdb, log, bus.Config{
		JobQueueName:     "jobs",
		TaskQueueName:    "tasks",
		MaxDeliveryCount: 1,
		MaxMessageBytes:  1 << 20,
	})

	advancer := &fakeAdvancer{}
	r := New(st, msgBus, advancer, metrics.New(), log, time.Second)
	return r, st, msgBus, advancer
}

func cleanupJob(t *testing.T, db *gorm.DB, jobID string) {
	t.Helper()
	t.Cleanup(func() {
		db.Where("parent_job_id = ?", jobID).Delete(&model.Task{})
		db.Where("job_id = ?", jobID).Delete(&model.Stage{})
		db.Where("job_id = ?", jobID).Delete(&model.Job{})
	})
}

// TestSweep_FailsExpiredLeaseAndAdvancesStage exercises the reconciler's
// only job: a task whose worker died mid-handle leaves its lease to
// expire, and the sweep must fail it through
// complete_task_and_check_stage and, since it is this stage's only task,
// observe it as the last one and drive the coordinator.
func TestSweep_FailsExpiredLeaseAndAdvancesStage(t *testing.T) {
	r, st, msgBus, advancer := newTestReconciler(t)
	ctx := context.Background()

	jobID := "recon-job-1"
	taskID := "recon-task-1"
	cleanupJob(t, testDB, jobID)

	if err := testDB.Create(&model.Job{
		JobID: jobID, JobType: "echo", Status: model.JobProcessing,
		Stage: 1, TotalStages: 1, Parameters: []byte(`{}`),
	}).Error; err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := st.CreateStage(ctx, nil, &model.Stage{JobID: jobID, StageNumber: 1, TaskCount: 1}); err != nil {
		t.Fatalf("create stage: %v", err)
	}
	if err := st.CreateTasks(ctx, nil, []model.Task{{
		TaskID: taskID, ParentJobID: jobID, StageNumber: 1,
		TaskType: "echo_handler", Discriminator: "only", Status: model.TaskQueued,
	}}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := msgBus.PublishTask(ctx, model.TaskMessage{
		TaskID: taskID, ParentJobID: jobID, TaskType: "echo_handler", Stage: 1,
	}); err != nil {
		t.Fatalf("publish task: %v", err)
	}
	if _, err := msgBus.ConsumeTask(ctx, time.Millisecond, time.Second); err != nil {
		t.Fatalf("consume task: %v", err)
	}

	// Lease deadlines are compared against wall-clock time, not
	// miniredis's clock, so wait past the deadline in real time.
	fastForwardLease(t, msgBus)

	r.sweep(ctx)

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.TaskFailed {
		t.Fatalf("expected task to be failed by the reconciler, got %s", task.Status)
	}
	if task.ErrorKind != "LeaseExpired" {
		t.Fatalf("expected error_kind=LeaseExpired, got %q", task.ErrorKind)
	}

	advancer.mu.Lock()
	defer advancer.mu.Unlock()
	if len(advancer.calls) != 1 {
		t.Fatalf("expected exactly one AdvanceStage call, got %d", len(advancer.calls))
	}
	call := advancer.calls[0]
	if call.jobID != jobID || call.completedStage != 1 || !call.anyFailed {
		t.Fatalf("unexpected AdvanceStage call: %+v", call)
	}
}

// TestSweep_NoExpiredLeases_IsANoOp confirms an empty sweep makes no
// AdvanceStage call.
func TestSweep_NoExpiredLeases_IsANoOp(t *testing.T) {
	r, _, _, advancer := newTestReconciler(t)
	r.sweep(context.Background())

	advancer.mu.Lock()
	defer advancer.mu.Unlock()
	if len(advancer.calls) != 0 {
		t.Fatalf("expected no AdvanceStage calls, got %d", len(advancer.calls))
	}
}

func fastForwardLease(t *testing.T, b *bus.Bus) {
	t.Helper()
	// Lease scores are Unix-second granularity (see consume() in
	// consume.go), so a 1ms lease is already expired the instant it's
	// written; sleeping past a full second makes the expiry deterministic
	// regardless of where the test lands relative to a second boundary.
	time.Sleep(1100 * time.Millisecond)
	_ = b
}
