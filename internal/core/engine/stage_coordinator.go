package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/coremachine/coremachine/internal/core/model"
	"github.com/coremachine/coremachine/internal/core/workflow"
	"github.com/coremachine/coremachine/internal/platform/logger"
)

var coordinatorTracer = otel.Tracer("coremachine/engine/coordinator")

// StageCoordinator implements spec §4.7: what happens once a stage has
// been fully observed — either advance to the next stage, fail the job,
// or aggregate the final result.
type StageCoordinator struct {
	core *Core
}

// advance is called by the TaskProcessor (or directly by the
// JobProcessor on an empty fast-completed stage) exactly once per
// completed stage, under the exactly-once guarantee
// complete_task_and_check_stage provides.
func (c *StageCoordinator) advance(ctx context.Context, jobID string, completedStage int, anyFailed bool) {
	ctx, span := coordinatorTracer.Start(ctx, "StageCoordinator.advance")
	defer span.End()

	log := c.core.Log.With("job_id", jobID, "completed_stage", completedStage)

	job, err := c.core.Store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("load job for stage advance failed", "error", err)
		return
	}
	if job.Status.Terminal() {
		return
	}

	def, ok := c.core.Jobs.Get(job.JobType)
	if !ok {
		log.Error("unknown job_type at stage advance", "job_type", job.JobType)
		c.failJob(ctx, jobID, job.JobType, fmt.Sprintf("unknown job_type %q at stage %d completion", job.JobType, completedStage))
		return
	}

	if c.core.Metrics != nil {
		c.core.Metrics.StageCompletions.WithLabelValues(job.JobType).Inc()
	}

	if anyFailed && !def.TolerantFailure() {
		summary, err := c.failureSummary(ctx, jobID, completedStage)
		if err != nil {
			log.Error("build failure summary failed", "error", err)
			summary = fmt.Sprintf("stage %d had failed tasks", completedStage)
		}
		c.failJob(ctx, jobID, job.JobType, summary)
		return
	}

	if completedStage < job.TotalStages {
		nextStage := completedStage + 1
		if _, err := c.core.Store.UpdateJobStatus(ctx, jobID, model.JobProcessing, nextStage); err != nil {
			log.Error("update job status for next stage failed", "error", err)
			return
		}
		if err := c.core.Bus.PublishJob(ctx, model.JobMessage{
			JobID:         jobID,
			JobType:       job.JobType,
			Stage:         nextStage,
			CorrelationID: job.CorrelationID,
		}); err != nil {
			log.Error("publish next-stage job message failed", "error", err)
		}
		return
	}

	c.finalize(ctx, log, jobID, job, def)
}

// finalize runs JobDefinition.AggregateResults over every terminal task
// across the job's stages and persists the completed job (spec §4.7
// step 5).
func (c *StageCoordinator) finalize(ctx context.Context, log *logger.Logger, jobID string, job *model.Job, def workflow.JobDefinition) {
	tasks, err := c.core.Store.GetAllTerminalTasks(ctx, jobID)
	if err != nil {
		log.Error("load terminal tasks for finalize failed", "error", err)
		return
	}

	var parameters map[string]interface{}
	if err := json.Unmarshal(job.Parameters, &parameters); err != nil {
		log.Error("job parameters unmarshal failed during finalize", "error", err)
	}

	resultData, err := def.AggregateResults(workflow.AggregationContext{
		JobID:      jobID,
		Parameters: parameters,
		Tasks:      tasks,
	})
	if err != nil {
		log.Error("aggregate_results failed", "error", err)
		c.failJob(ctx, jobID, job.JobType, "aggregate_results failed: "+err.Error())
		return
	}

	resultJSON, err := json.Marshal(resultData)
	if err != nil {
		log.Error("marshal aggregated result failed", "error", err)
		c.failJob(ctx, jobID, job.JobType, "failed to marshal aggregated result: "+err.Error())
		return
	}

	if _, err := c.core.Store.CompleteJob(ctx, jobID, resultJSON); err != nil {
		log.Error("complete job failed", "error", err)
		return
	}
	if c.core.Metrics != nil {
		c.core.Metrics.JobsFinalized.WithLabelValues(job.JobType, string(model.JobCompleted)).Inc()
	}
}

// failureSummary implements spec §7's failure-summary shape: the failing
// stage, the count of failed tasks, and a sample of error detail from
// the first few failures.
func (c *StageCoordinator) failureSummary(ctx context.Context, jobID string, stage int) (string, error) {
	results, err := c.core.Store.GetStageResults(ctx, jobID, stage)
	if err != nil {
		return "", err
	}
	failed := make([]model.Task, 0)
	for _, t := range results {
		if t.Status == model.TaskFailed {
			failed = append(failed, t)
		}
	}
	sample := failed
	if len(sample) > 3 {
		sample = sample[:3]
	}
	details := make([]string, 0, len(sample))
	for _, t := range sample {
		details = append(details, fmt.Sprintf("%s: %s: %s", t.TaskID, t.ErrorKind, t.ErrorDetail))
	}
	return fmt.Sprintf("stage %d failed: %d task(s) failed; sample: %v", stage, len(failed), details), nil
}

// fail implements the JobProcessor's early-exit failure path (unknown
// job_type, corrupt parameters, cancellation, stage-planning error).
func (c *StageCoordinator) fail(ctx context.Context, jobID, detail string) {
	job, err := c.core.Store.GetJob(ctx, jobID)
	jobType := ""
	if err == nil {
		jobType = job.JobType
	}
	c.failJob(ctx, jobID, jobType, detail)
}

func (c *StageCoordinator) failJob(ctx context.Context, jobID, jobType, summary string) {
	if _, err := c.core.Store.FailJob(ctx, jobID, summary); err != nil {
		c.core.Log.Error("fail job failed", "job_id", jobID, "error", err)
		return
	}
	if c.core.Metrics != nil {
		c.core.Metrics.JobsFinalized.WithLabelValues(jobType, string(model.JobFailed)).Inc()
	}
}
