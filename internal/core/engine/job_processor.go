package engine

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel"

	"github.com/coremachine/coremachine/internal/core/bus"
	"github.com/coremachine/coremachine/internal/core/identity"
	"github.com/coremachine/coremachine/internal/core/model"
	"github.com/coremachine/coremachine/internal/core/workflow"
)

var jobTracer = otel.Tracer("coremachine/engine/job")

// JobProcessor consumes the job queue and plans one stage per message,
// per spec §4.5.
type JobProcessor struct {
	core *Core
}

func (p *JobProcessor) runLoop(ctx context.Context, workerID int) error {
	log := p.core.Log.With("worker", "job", "worker_id", workerID)
	log.Info("job processor worker starting")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		delivery, err := p.core.Bus.ConsumeJob(ctx, p.core.Settings.LeaseDuration, p.core.Settings.PollTimeout)
		if err != nil {
			if isNoMessageOrCancelled(ctx, err) {
				continue
			}
			log.Warn("consume job failed", "error", err)
			continue
		}

		p.process(ctx, delivery)
	}
}

func (p *JobProcessor) process(ctx context.Context, delivery *bus.Delivery) {
	ctx, span := jobTracer.Start(ctx, "JobProcessor.process")
	defer span.End()

	var msg model.JobMessage
	if err := json.Unmarshal(delivery.Payload, &msg); err != nil {
		p.core.Log.Error("job message unmarshal failed", "error", err)
		_ = p.core.Bus.Ack(ctx, p.core.Bus.JobQueueName(), delivery.ID)
		return
	}
	log := p.core.Log.With("job_id", msg.JobID, "stage", msg.Stage, "correlation_id", msg.CorrelationID)

	def, ok := p.core.Jobs.Get(msg.JobType)
	if !ok {
		log.Error("unknown job_type", "job_type", msg.JobType)
		_, _ = p.core.Store.FailJob(ctx, msg.JobID, "unknown job_type: "+msg.JobType)
		_ = p.core.Bus.Ack(ctx, p.core.Bus.JobQueueName(), delivery.ID)
		return
	}

	job, err := p.core.Store.GetJob(ctx, msg.JobID)
	if err != nil {
		log.Error("job record missing at dispatch", "error", err)
		_ = p.core.Bus.Ack(ctx, p.core.Bus.JobQueueName(), delivery.ID)
		return
	}

	if job.Status.Terminal() {
		// Idempotent replay: the job already reached a terminal status
		// (spec §4.5 step 2).
		_ = p.core.Bus.Ack(ctx, p.core.Bus.JobQueueName(), delivery.ID)
		return
	}

	if job.CancellationRequested {
		p.core.coordinator.fail(ctx, msg.JobID, "cancellation requested")
		_ = p.core.Bus.Ack(ctx, p.core.Bus.JobQueueName(), delivery.ID)
		return
	}

	if _, err := p.core.Store.UpdateJobStatus(ctx, msg.JobID, model.JobProcessing, msg.Stage); err != nil {
		log.Error("update job status failed", "error", err)
		return
	}

	var parameters map[string]interface{}
	if err := json.Unmarshal(job.Parameters, &parameters); err != nil {
		log.Error("job parameters unmarshal failed", "error", err)
		p.core.coordinator.fail(ctx, msg.JobID, "corrupt job parameters")
		_ = p.core.Bus.Ack(ctx, p.core.Bus.JobQueueName(), delivery.ID)
		return
	}

	var previousResults []model.Task
	if msg.Stage > 1 {
		previousResults, err = p.core.Store.GetStageResults(ctx, msg.JobID, msg.Stage-1)
		if err != nil {
			log.Error("load previous stage results failed", "error", err)
			return
		}
	}

	specs, err := def.CreateTasksForStage(workflow.StageContext{
		JobID:           msg.JobID,
		Stage:           msg.Stage,
		Parameters:      parameters,
		PreviousResults: previousResults,
	})
	if err != nil {
		log.Error("create_tasks_for_stage failed", "error", err)
		p.core.coordinator.fail(ctx, msg.JobID, "stage planning failed: "+err.Error())
		_ = p.core.Bus.Ack(ctx, p.core.Bus.JobQueueName(), delivery.ID)
		return
	}

	tasks := make([]model.Task, 0, len(specs))
	for _, spec := range specs {
		taskID := identity.ComputeTaskID(msg.JobID, msg.Stage, spec.Discriminator)
		paramsJSON, err := json.Marshal(spec.Parameters)
		if err != nil {
			log.Error("task parameters marshal failed", "error", err, "discriminator", spec.Discriminator)
			continue
		}
		tasks = append(tasks, model.Task{
			TaskID:        taskID,
			ParentJobID:   msg.JobID,
			StageNumber:   msg.Stage,
			TaskType:      spec.TaskType,
			Discriminator: spec.Discriminator,
			Status:        model.TaskQueued,
			Parameters:    paramsJSON,
		})
	}

	if err := p.core.Store.CreateStage(ctx, nil, &model.Stage{
		JobID: msg.JobID, StageNumber: msg.Stage, TaskCount: len(tasks),
	}); err != nil {
		log.Error("create stage failed", "error", err)
		return
	}

	if len(tasks) == 0 {
		// Legal fast-completion: no tasks means the stage is trivially
		// complete with nothing having failed (spec §4.8).
		_ = p.core.Bus.Ack(ctx, p.core.Bus.JobQueueName(), delivery.ID)
		p.core.coordinator.advance(ctx, msg.JobID, msg.Stage, false)
		return
	}

	// create_tasks precedes publish: a redelivered TaskMessage must
	// always find its task record already present (spec §4.5 ordering
	// note).
	if err := p.core.Store.CreateTasks(ctx, nil, tasks); err != nil {
		log.Error("create tasks failed", "error", err)
		return
	}

	for _, task := range tasks {
		if err := p.core.Bus.PublishTask(ctx, model.TaskMessage{
			TaskID:        task.TaskID,
			ParentJobID:   task.ParentJobID,
			TaskType:      task.TaskType,
			Stage:         task.StageNumber,
			Parameters:    json.RawMessage(task.Parameters),
			CorrelationID: msg.CorrelationID,
		}); err != nil {
			log.Error("publish task message failed", "error", err, "task_id", task.TaskID)
		}
	}

	_ = p.core.Bus.Ack(ctx, p.core.Bus.JobQueueName(), delivery.ID)
}

func isNoMessageOrCancelled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrNoMessage)
}
