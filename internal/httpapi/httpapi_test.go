package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/coremachine/coremachine/internal/core/bus"
	"github.com/coremachine/coremachine/internal/core/engine"
	"github.com/coremachine/coremachine/internal/core/metrics"
	"github.com/coremachine/coremachine/internal/core/model"
	"github.com/coremachine/coremachine/internal/core/registry"
	"github.com/coremachine/coremachine/internal/core/store"
	"github.com/coremachine/coremachine/internal/platform/logger"
	"github.com/coremachine/coremachine/internal/workflows/echo"
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
		t.Skip("set TEST_POSTGRES_DSN to run httpapi integration tests")
	}
	if dbErr != nil {
		t.Fatalf("failed to init test db: %v", dbErr)
	}
	return testDB
}

func newTestRouter(t *testing.T) (*gin.Engine, *engine.Core) {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	jobs := registry.NewJobRegistry()
	handlers := registry.NewHandlerRegistry()
	if err := jobs.Register(echo.Definition{}); err != nil {
		t.Fatalf("register job: %v", err)
	}
	if err := handlers.Register(echo.Handler{}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	core := engine.New(st, msgBus, jobs, handlers, metrics.New(), log, engine.Settings{
		MaxConcurrentJobs:    1,
		MaxConcurrentTasks:   1,
		LeaseDuration:        2 * time.Second,
		LeaseRenewalInterval: 500 * time.Millisecond,
		LeaseMaxTotal:        10 * time.Second,
		PollTimeout:          100 * time.Millisecond,
	})

	return NewRouter(core, Options{MetricsEnabled: false}), core
}

func cleanupJob(t *testing.T, db *gorm.DB, jobID string) {
	t.Helper()
	t.Cleanup(func() {
		db.Where("parent_job_id = ?", jobID).Delete(&model.Task{})
		db.Where("job_id = ?", jobID).Delete(&model.Stage{})
		db.Where("job_id = ?", jobID).Delete(&model.Job{})
	})
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPostJobs_NewSubmission(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/jobs", submitJobRequest{
		JobType:       echo.JobType,
		Parameters:    map[string]interface{}{"msg": "hi"},
		CorrelationID: "corr-http-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp submitJobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	cleanupJob(t, testDB, resp.JobID)
	if resp.JobID == "" || resp.Idempotent {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPostJobs_IdempotentResubmissionReturns200(t *testing.T) {
	router, _ := newTestRouter(t)
	params := map[string]interface{}{"msg": "dup"}

	first := doJSON(t, router, http.MethodPost, "/jobs", submitJobRequest{JobType: echo.JobType, Parameters: params})
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first submission, got %d", first.Code)
	}
	var firstResp submitJobResponse
	json.Unmarshal(first.Body.Bytes(), &firstResp)
	cleanupJob(t, testDB, firstResp.JobID)

	second := doJSON(t, router, http.MethodPost, "/jobs", submitJobRequest{JobType: echo.JobType, Parameters: params})
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on idempotent resubmission, got %d: %s", second.Code, second.Body.String())
	}
	var secondResp submitJobResponse
	json.Unmarshal(second.Body.Bytes(), &secondResp)
	if secondResp.JobID != firstResp.JobID || !secondResp.Idempotent {
		t.Fatalf("unexpected idempotent response: %+v", secondResp)
	}
}

func TestPostJobs_UnknownJobTypeReturns400(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/jobs", submitJobRequest{JobType: "does_not_exist", Parameters: map[string]interface{}{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var envelope ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "unknown_job_type" {
		t.Fatalf("expected unknown_job_type, got %q", envelope.Error.Code)
	}
}

func TestPostJobs_MissingRequiredParameterReturns400(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/jobs", submitJobRequest{JobType: echo.JobType, Parameters: map[string]interface{}{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var envelope ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "validation_error" {
		t.Fatalf("expected validation_error, got %q", envelope.Error.Code)
	}
}

func TestGetJob_NotFoundReturns404(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetJob_ReturnsSubmittedJob(t *testing.T) {
	router, core := newTestRouter(t)

	result, err := core.Submit(context.Background(), echo.JobType, map[string]interface{}{"msg": "lookup"}, "corr-http-2")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	cleanupJob(t, testDB, result.JobID)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+result.JobID, nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var job model.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.JobID != result.JobID {
		t.Fatalf("expected job_id %s, got %s", result.JobID, job.JobID)
	}
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
