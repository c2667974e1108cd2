package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coremachine/coremachine/internal/core/identity"
	"github.com/coremachine/coremachine/internal/core/model"
)

// SubmitResult is submit()'s return value, per spec §6.
type SubmitResult struct {
	JobID      string
	Status     model.JobStatus
	Idempotent bool
}

// Submit implements the inbound submission API (spec §6): compute
// job_id, validate parameters, create-if-absent, and publish the
// initial JobMessage for stage 1 — unless the job already existed, in
// which case no message is republished and Idempotent is true (spec §8
// property 2).
func (c *Core) Submit(ctx context.Context, jobType string, rawParameters map[string]interface{}, correlationID string) (SubmitResult, error) {
	def, ok := c.Jobs.Get(jobType)
	if !ok {
		return SubmitResult{}, &model.UnknownJobTypeError{JobType: jobType}
	}

	validated, err := def.ValidateParameters(rawParameters)
	if err != nil {
		return SubmitResult{}, err
	}

	jobID := identity.ComputeJobID(jobType, validated)
	paramsJSON, err := json.Marshal(validated)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit: marshal parameters: %w", err)
	}

	job := &model.Job{
		JobID:         jobID,
		JobType:       jobType,
		Status:        model.JobQueued,
		Stage:         1,
		TotalStages:   def.TotalStages(),
		Parameters:    paramsJSON,
		CorrelationID: correlationID,
	}

	stored, idempotent, err := c.Store.CreateJobIfAbsent(ctx, job)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit: create job: %w", err)
	}

	if c.Metrics != nil {
		c.Metrics.JobsSubmitted.WithLabelValues(jobType, boolLabel(idempotent)).Inc()
	}

	if !idempotent {
		if err := c.Bus.PublishJob(ctx, model.JobMessage{
			JobID:         jobID,
			JobType:       jobType,
			Stage:         1,
			CorrelationID: correlationID,
		}); err != nil {
			return SubmitResult{}, fmt.Errorf("submit: publish initial job message: %w", err)
		}
	}

	return SubmitResult{JobID: jobID, Status: stored.Status, Idempotent: idempotent}, nil
}

// GetJobStatus implements the inbound status-query API (spec §6).
func (c *Core) GetJobStatus(ctx context.Context, jobID string) (*model.Job, error) {
	return c.Store.GetJob(ctx, jobID)
}

// AdvanceStage exposes the StageCoordinator to callers outside this
// package (the reconciler, which fails tasks stranded by an expired
// lease and must drive the same stage-completion path a normal task
// completion would).
func (c *Core) AdvanceStage(ctx context.Context, jobID string, completedStage int, anyFailed bool) {
	c.coordinator.advance(ctx, jobID, completedStage, anyFailed)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
