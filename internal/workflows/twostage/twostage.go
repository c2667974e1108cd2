// Package twostage is CoreMachine's two-stage dependency workflow: spec
// §8 Scenario C. Stage 1 fans out N independent tasks; stage 2 runs a
// single aggregation task over stage 1's terminal results, demonstrating
// the stage barrier (spec §8 property 5) the coordinator enforces.
package twostage

import (
	"fmt"

	"github.com/coremachine/coremachine/internal/core/workflow"
	"github.com/coremachine/coremachine/internal/workflows/resultutil"
)

const JobType = "two_stage"
const Stage1TaskType = "produce"
const Stage2TaskType = "aggregate"

// Definition implements workflow.JobDefinition for "two_stage".
type Definition struct{}

func (Definition) JobType() string       { return JobType }
func (Definition) TotalStages() int      { return 2 }
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
	switch ctx.Stage {
	case 1:
		n, err := toInt(ctx.Parameters["n"])
		if err != nil {
			return nil, fmt.Errorf("two_stage: %w", err)
		}
		specs := make([]workflow.TaskSpec, 0, n)
		for i := 0; i < n; i++ {
			specs = append(specs, workflow.TaskSpec{
				Discriminator: fmt.Sprintf("produce_%d", i),
				TaskType:      Stage1TaskType,
				Parameters:    map[string]interface{}{"i": i},
			})
		}
		return specs, nil
	case 2:
		values := make([]int, 0, len(ctx.PreviousResults))
		for _, task := range ctx.PreviousResults {
			var resultData struct {
				V int `json:"v"`
			}
			if err := resultutil.Unmarshal(task.ResultData, &resultData); err != nil {
				return nil, fmt.Errorf("two_stage: decode stage-1 result %s: %w", task.TaskID, err)
			}
			values = append(values, resultData.V)
		}
		return []workflow.TaskSpec{
			{
				Discriminator: "agg",
				TaskType:      Stage2TaskType,
				Parameters:    map[string]interface{}{"values": values},
			},
		}, nil
	default:
		return nil, fmt.Errorf("two_stage: unexpected stage %d", ctx.Stage)
	}
}

func (Definition) AggregateResults(ctx workflow.AggregationContext) (map[string]interface{}, error) {
	for _, task := range ctx.Tasks {
		if task.StageNumber != 2 {
			continue
		}
		var resultData map[string]interface{}
		if err := resultutil.Unmarshal(task.ResultData, &resultData); err != nil {
			return nil, fmt.Errorf("two_stage: decode stage-2 result: %w", err)
		}
		return resultData, nil
	}
	return nil, fmt.Errorf("two_stage: no stage-2 terminal task found")
}

func toInt(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", raw)
	}
}

// ProduceHandler implements "produce": returns {v: i+1}, the same shape
// fanout's "inc" handler uses.
type ProduceHandler struct{}

func (ProduceHandler) TaskType() string { return Stage1TaskType }

func (ProduceHandler) Handle(taskID string, parameters map[string]interface{}) (workflow.HandlerResult, error) {
	i, err := toInt(parameters["i"])
	if err != nil {
		return workflow.HandlerResult{}, fmt.Errorf("produce: %w", err)
	}
	return workflow.HandlerResult{Success: true, ResultData: map[string]interface{}{"v": i + 1}}, nil
}

// AggregateHandler implements "aggregate": sums the "values" slice it
// receives from stage 2's task planning.
type AggregateHandler struct{}

func (AggregateHandler) TaskType() string { return Stage2TaskType }

func (AggregateHandler) Handle(taskID string, parameters map[string]interface{}) (workflow.HandlerResult, error) {
	raw, _ := parameters["values"].([]interface{})
	sum := 0
	for _, v := range raw {
		i, err := toInt(v)
		if err != nil {
			return workflow.HandlerResult{}, fmt.Errorf("aggregate: %w", err)
		}
		sum += i
	}
	return workflow.HandlerResult{Success: true, ResultData: map[string]interface{}{"sum": sum, "count": len(raw)}}, nil
}
