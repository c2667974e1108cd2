package store

import (
	"errors"
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/coremachine/coremachine/internal/core/model"
	"github.com/coremachine/coremachine/internal/platform/logger"
)

// Grounded on internal/data/repos/testutil/testutil.go: a
// TEST_POSTGRES_DSN-gated *gorm.DB singleton, skipped rather than failed
// when the DSN is absent, because complete_task_and_check_stage's
// pg_advisory_xact_lock primitive cannot be faithfully exercised against
// SQLite or a mock.

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	dbOnce sync.Once
	testDB *gorm.DB
	dbErr  error
)

func testGormDB(tb testing.TB) *gorm.DB {
	tb.Helper()
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
		tb.Skip("set TEST_POSTGRES_DSN to run store integration tests")
	}
	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return testDB
}

func testStore(tb testing.TB) *Store {
	tb.Helper()
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("failed to init logger: %v", err)
	}
	return New(testGormDB(tb), log, 0x434F5245)
}

func cleanupJob(tb testing.TB, db *gorm.DB, jobID string) {
	tb.Helper()
	tb.Cleanup(func() {
		db.Where("parent_job_id = ?", jobID).Delete(&model.Task{})
		db.Where("job_id = ?", jobID).Delete(&model.Stage{})
		db.Where("job_id = ?", jobID).Delete(&model.Job{})
	})
}
