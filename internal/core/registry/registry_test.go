package registry

import (
	"testing"

	"github.com/coremachine/coremachine/internal/core/workflow"
)

type fakeJobDef struct{ jobType string }

func (f fakeJobDef) JobType() string     { return f.jobType }
func (f fakeJobDef) TotalStages() int    { return 1 }
func (f fakeJobDef) TolerantFailure() bool { return false }
func (f fakeJobDef) ValidateParameters(raw map[string]interface{}) (map[string]interface{}, error) {
	return raw, nil
}
func (f fakeJobDef) CreateTasksForStage(ctx workflow.StageContext) ([]workflow.TaskSpec, error) {
	return nil, nil
}
func (f fakeJobDef) AggregateResults(ctx workflow.AggregationContext) (map[string]interface{}, error) {
	return nil, nil
}

func TestJobRegistry_RegisterAndGet(t *testing.T) {
	r := NewJobRegistry()
	if err := r.Register(fakeJobDef{jobType: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	def, ok := r.Get("echo")
	if !ok {
		t.Fatalf("expected echo to be registered")
	}
	if def.JobType() != "echo" {
		t.Fatalf("unexpected job type: %s", def.JobType())
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("expected miss for unregistered job_type")
	}
}

func TestJobRegistry_DuplicateRejected(t *testing.T) {
	r := NewJobRegistry()
	if err := r.Register(fakeJobDef{jobType: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(fakeJobDef{jobType: "echo"}); err == nil {
		t.Fatalf("expected duplicate registration to be rejected")
	}
}

type fakeHandler struct{ taskType string }

func (f fakeHandler) TaskType() string { return f.taskType }
func (f fakeHandler) Handle(taskID string, parameters map[string]interface{}) (workflow.HandlerResult, error) {
	return workflow.HandlerResult{Success: true}, nil
}

func TestHandlerRegistry_RegisterAndGet(t *testing.T) {
	r := NewHandlerRegistry()
	if err := r.Register(fakeHandler{taskType: "echo_handler"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := r.Get("echo_handler"); !ok {
		t.Fatalf("expected echo_handler to be registered")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("expected miss for unregistered task_type")
	}
}
