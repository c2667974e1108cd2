// Package echo is CoreMachine's minimal single-task single-stage
// workflow: spec §8 Scenario A, used by the engine's tests as the
// simplest possible happy path.
package echo

import (
	"fmt"

	"github.com/coremachine/coremachine/internal/core/workflow"
	"github.com/coremachine/coremachine/internal/workflows/resultutil"
)

const JobType = "echo"
const TaskType = "echo_handler"

// Definition implements workflow.JobDefinition for "echo".
type Definition struct{}

func (Definition) JobType() string  { return JobType }
func (Definition) TotalStages() int { return 1 }
func (Definition) TolerantFailure() bool { return false }

var schema = workflow.ParameterSchema{
	JobType: JobType,
	Fields: []workflow.FieldSpec{
		{Name: "msg", Required: true, Rule: "required"},
	},
}

func (Definition) ValidateParameters(raw map[string]interface{}) (map[string]interface{}, error) {
	return schema.Validate(raw)
}

func (Definition) CreateTasksForStage(ctx workflow.StageContext) ([]workflow.TaskSpec, error) {
	if ctx.Stage != 1 {
		return nil, fmt.Errorf("echo: unexpected stage %d", ctx.Stage)
	}
	return []workflow.TaskSpec{
		{Discriminator: "only", TaskType: TaskType, Parameters: ctx.Parameters},
	}, nil
}

func (Definition) AggregateResults(ctx workflow.AggregationContext) (map[string]interface{}, error) {
	if len(ctx.Tasks) != 1 {
		return nil, fmt.Errorf("echo: expected exactly one terminal task, got %d", len(ctx.Tasks))
	}
	var resultData map[string]interface{}
	if err := resultutil.Unmarshal(ctx.Tasks[0].ResultData, &resultData); err != nil {
		return nil, err
	}
	return map[string]interface{}{"echoed": resultData}, nil
}

// Handler implements workflow.TaskHandler for "echo_handler": it returns
// its input parameters verbatim as its result.
type Handler struct{}

func (Handler) TaskType() string { return TaskType }

func (Handler) Handle(taskID string, parameters map[string]interface{}) (workflow.HandlerResult, error) {
	return workflow.HandlerResult{Success: true, ResultData: parameters}, nil
}
