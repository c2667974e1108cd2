// Package fanout is CoreMachine's fan-out single-stage workflow: spec §8
// Scenario B, exercising multiple concurrent tasks within one stage and
// a numeric aggregation across their results.
package fanout

import (
	"fmt"

	"github.com/coremachine/coremachine/internal/core/workflow"
	"github.com/coremachine/coremachine/internal/workflows/resultutil"
)

const JobType = "fanout"
const TaskType = "inc"

// Definition implements workflow.JobDefinition for "fanout".
type Definition struct{}

func (Definition) JobType() string       { return JobType }
func (Definition) TotalStages() int      { return 1 }
func (Definition) TolerantFailure() bool { return false }

var schema = workflow.ParameterSchema{
	JobType: JobType,
	Fields: []workflow.FieldSpec{
		{Name: "n", Required: true, Rule: "required,gt=0"},
	},
}

func (Definition) ValidateParameters(raw map[string]interface{}) (map[string]interface{}, error) {
	return schema.Validate(raw)
}

func (Definition) CreateTasksForStage(ctx workflow.StageContext) ([]workflow.TaskSpec, error) {
	if ctx.Stage != 1 {
		return nil, fmt.Errorf("fanout: unexpected stage %d", ctx.Stage)
	}
	n, err := paramCount(ctx.Parameters)
	if err != nil {
		return nil, err
	}
	specs := make([]workflow.TaskSpec, 0, n)
	for i := 0; i < n; i++ {
		specs = append(specs, workflow.TaskSpec{
			Discriminator: fmt.Sprintf("t%d", i),
			TaskType:      TaskType,
			Parameters:    map[string]interface{}{"i": i},
		})
	}
	return specs, nil
}

func (Definition) AggregateResults(ctx workflow.AggregationContext) (map[string]interface{}, error) {
	sum := 0
	for _, task := range ctx.Tasks {
		var resultData struct {
			V int `json:"v"`
		}
		if err := resultutil.Unmarshal(task.ResultData, &resultData); err != nil {
			return nil, fmt.Errorf("fanout: decode task %s result: %w", task.TaskID, err)
		}
		sum += resultData.V
	}
	return map[string]interface{}{"sum": sum}, nil
}

func paramCount(parameters map[string]interface{}) (int, error) {
	raw, ok := parameters["n"]
	if !ok {
		return 0, fmt.Errorf("fanout: missing required parameter \"n\"")
	}
	return toInt(raw)
}

func toInt(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("fanout: unexpected numeric type %T", raw)
	}
}

// Handler implements workflow.TaskHandler for "inc": returns {v: i+1}.
type Handler struct{}

func (Handler) TaskType() string { return TaskType }

func (Handler) Handle(taskID string, parameters map[string]interface{}) (workflow.HandlerResult, error) {
	i, err := toInt(parameters["i"])
	if err != nil {
		return workflow.HandlerResult{}, fmt.Errorf("inc: %w", err)
	}
	return workflow.HandlerResult{Success: true, ResultData: map[string]interface{}{"v": i + 1}}, nil
}
