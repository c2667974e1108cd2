package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/coremachine/coremachine/internal/core/bus"
	"github.com/coremachine/coremachine/internal/core/model"
	"github.com/coremachine/coremachine/internal/core/workflow"
	"github.com/coremachine/coremachine/internal/platform/logger"
)

var taskTracer = otel.Tracer("coremachine/engine/task")

// TaskProcessor consumes the task queue and invokes exactly one
// TaskHandler per message, per spec §4.6.
type TaskProcessor struct {
	core *Core
}

func (p *TaskProcessor) runLoop(ctx context.Context, workerID int) error {
	log := p.core.Log.With("worker", "task", "worker_id", workerID)
	log.Info("task processor worker starting")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		delivery, err := p.core.Bus.ConsumeTask(ctx, p.core.Settings.LeaseDuration, p.core.Settings.PollTimeout)
		if err != nil {
			if isNoMessageOrCancelled(ctx, err) {
				continue
			}
			log.Warn("consume task failed", "error", err)
			continue
		}

		p.process(ctx, delivery)
	}
}

func (p *TaskProcessor) process(ctx context.Context, delivery *bus.Delivery) {
	ctx, span := taskTracer.Start(ctx, "TaskProcessor.process")
	defer span.End()

	queue := p.core.Bus.TaskQueueName()

	var msg model.TaskMessage
	if err := json.Unmarshal(delivery.Payload, &msg); err != nil {
		p.core.Log.Error("task message unmarshal failed", "error", err)
		_ = p.core.Bus.Ack(ctx, queue, delivery.ID)
		return
	}
	log := p.core.Log.With("task_id", msg.TaskID, "job_id", msg.ParentJobID, "stage", msg.Stage, "task_type", msg.TaskType)

	handler, ok := p.core.Handlers.Get(msg.TaskType)
	if !ok {
		log.Error("unknown task_type")
		result := model.TaskResult{
			Success:   false,
			ErrorKind: "UnknownTaskType",
			ErrorDetail: (&model.UnknownTaskTypeError{TaskType: msg.TaskType}).Error(),
		}
		p.complete(ctx, log, msg, result)
		_ = p.core.Bus.Ack(ctx, queue, delivery.ID)
		return
	}

	// Best-effort transition; I-T1 monotonicity means a redelivered
	// in-flight task is caught by complete_task_and_check_stage's
	// already-terminal check regardless of whether this succeeds.
	_ = p.core.Store.MarkTaskProcessing(ctx, msg.TaskID)

	renewCtx, stopRenewal := context.WithCancel(ctx)
	go p.renewLease(renewCtx, log, delivery.ID)

	var parameters map[string]interface{}
	if err := json.Unmarshal(msg.Parameters, &parameters); err != nil {
		stopRenewal()
		log.Error("task parameters unmarshal failed", "error", err)
		p.complete(ctx, log, msg, model.TaskResult{
			Success: false, ErrorKind: "HandlerException",
			ErrorDetail: fmt.Sprintf("corrupt task parameters: %v", err),
		})
		_ = p.core.Bus.Ack(ctx, queue, delivery.ID)
		return
	}

	result := p.invoke(handler, msg, parameters)
	stopRenewal()

	if p.core.Metrics != nil {
		p.core.Metrics.TasksCompleted.WithLabelValues(msg.TaskType, string(result.Status())).Inc()
	}

	p.complete(ctx, log, msg, result)
	_ = p.core.Bus.Ack(ctx, queue, delivery.ID)
}

// invoke calls handler.Handle with panic recovery (spec §4.6 step 4):
// a panic or returned error becomes a *model.HandlerException; a
// handler-reported {success: false} is recorded verbatim as
// *model.HandlerReportedFailure.
func (p *TaskProcessor) invoke(handler workflow.TaskHandler, msg model.TaskMessage, parameters map[string]interface{}) (result model.TaskResult) {
	start := time.Now()
	defer func() {
		if p.core.Metrics != nil {
			p.core.Metrics.TaskDuration.WithLabelValues(msg.TaskType).Observe(time.Since(start).Seconds())
		}
		if r := recover(); r != nil {
			exc := &model.HandlerException{TaskType: msg.TaskType, Detail: fmt.Sprintf("%v", r)}
			result = model.TaskResult{Success: false, ErrorKind: "HandlerException", ErrorDetail: exc.Error()}
		}
	}()

	hr, err := handler.Handle(msg.TaskID, parameters)
	if err != nil {
		exc := &model.HandlerException{TaskType: msg.TaskType, Detail: err.Error()}
		return model.TaskResult{Success: false, ErrorKind: "HandlerException", ErrorDetail: exc.Error()}
	}
	if !hr.Success {
		failure := &model.HandlerReportedFailure{TaskType: msg.TaskType, Kind: hr.ErrorKind, Detail: hr.ErrorDetail}
		return model.TaskResult{Success: false, ErrorKind: hr.ErrorKind, ErrorDetail: failure.Error()}
	}
	return model.TaskResult{Success: true, ResultData: hr.ResultData}
}

// complete persists the task's terminal result and, if this call
// observed the stage's last terminal task, dispatches the
// StageCoordinator (spec §4.6 step 5-6).
func (p *TaskProcessor) complete(ctx context.Context, log *logger.Logger, msg model.TaskMessage, result model.TaskResult) {
	completion, err := p.core.Store.CompleteTaskAndCheckStage(ctx, msg.TaskID, msg.ParentJobID, msg.Stage, result)
	if err != nil {
		log.Error("complete_task_and_check_stage failed", "error", err)
		return
	}
	if completion.IsLast {
		p.core.coordinator.advance(ctx, msg.ParentJobID, msg.Stage, completion.AnyFailed)
	}
}

// renewLease periodically extends the task's bus-level lease for as
// long as the handler runs, capped at lease_max_total_seconds — the
// heartbeat-goroutine shape worker.Worker pairs with each in-flight job
// (spec §4.6).
func (p *TaskProcessor) renewLease(ctx context.Context, log *logger.Logger, deliveryID string) {
	interval := p.core.Settings.LeaseRenewalInterval
	if interval <= 0 {
		return
	}
	deadline := time.Now().Add(p.core.Settings.LeaseMaxTotal)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.core.Settings.LeaseMaxTotal > 0 && time.Now().After(deadline) {
				return
			}
			if err := p.core.Bus.RenewLease(ctx, p.core.Bus.TaskQueueName(), deliveryID, p.core.Settings.LeaseDuration); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Warn("lease renewal failed", "error", err)
				}
				return
			}
		}
	}
}
