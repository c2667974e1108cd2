/*
Package reconciler sweeps for work the two-queue bus cannot recover on
its own: leases that expired because a worker died mid-task, stranding a
Task row in PROCESSING forever. Stage completion is driven exclusively
through complete_task_and_check_stage (spec §4.3), so a stuck task also
means its stage can never observe its last terminal task — the
reconciler's job is to fail that task and push it through the same
primitive every other terminal task goes through.

No teacher file does this directly (the teacher's nearest analogue,
ClaimNextRunnable's SKIP LOCKED stale-claim detection, recovers a row
already owned by SQL rather than a leased queue message), so this
package generalizes that stale-detection idea onto task rows read back
from bus.ReapExpiredLeases and is scheduled with robfig/cron/v3, the
same scheduler dependency jordigilh-kubernaut wires for its periodic
sweeps.
*/
package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coremachine/coremachine/internal/core/bus"
	"github.com/coremachine/coremachine/internal/core/metrics"
	"github.com/coremachine/coremachine/internal/core/model"
	"github.com/coremachine/coremachine/internal/core/store"
	"github.com/coremachine/coremachine/internal/platform/logger"
)

// StageAdvancer is the subset of engine.Core the reconciler needs to
// drive stage completion for a task it fails — a narrow interface so
// this package never imports internal/core/engine (which itself depends
// on store/bus/registry, not on reconciler).
type StageAdvancer interface {
	AdvanceStage(ctx context.Context, jobID string, completedStage int, anyFailed bool)
}

// Reconciler periodically reaps expired bus leases and fails the
// corresponding task, per spec §7's reconciler requirement (Open
// Question 4: implemented, not deferred).
type Reconciler struct {
	store     *store.Store
	bus       *bus.Bus
	advancer  StageAdvancer
	metrics   *metrics.Metrics
	log       *logger.Logger
	graceWindow time.Duration

	cron *cron.Cron
}

// New constructs a Reconciler. graceWindow is stored on the Reconciler but
// sweep does not apply it: a message is reaped as soon as the bus's own
// lease deadline has passed, with no extra margin.
func New(st *store.Store, bs *bus.Bus, advancer StageAdvancer, m *metrics.Metrics, log *logger.Logger, graceWindow time.Duration) *Reconciler {
	return &Reconciler{
		store:       st,
		bus:         bs,
		advancer:    advancer,
		metrics:     m,
		log:         log.With("component", "reconciler"),
		graceWindow: graceWindow,
	}
}

// Start schedules sweeps on cronSchedule (standard 5-field cron syntax)
// and returns immediately; sweeps run on the cron library's own
// goroutine until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context, cronSchedule string) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(cronSchedule, func() { r.sweep(ctx) })
	if err != nil {
		return err
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		<-r.cron.Stop().Done()
	}()
	return nil
}

// sweep reaps expired leases on both queues and fails each corresponding
// task, driving the stage coordinator for any stage this observes last.
func (r *Reconciler) sweep(ctx context.Context) {
	if r.metrics != nil {
		r.metrics.ReconcilerSweeps.Inc()
	}
	// The job queue's own messages carry no per-task state to recover —
	// an expired job lease just means the JobProcessor worker that popped
	// it died before acking; the message is already dead-lettered by
	// ReapExpiredLeases and nothing further needs failing on the state
	// store side. Only the task queue's expired leases map onto Task rows.
	if _, err := r.bus.ReapExpiredLeases(ctx, r.bus.JobQueueName()); err != nil {
		r.log.Warn("reap expired job leases failed", "error", err)
	}

	expired, err := r.bus.ReapExpiredLeases(ctx, r.bus.TaskQueueName())
	if err != nil {
		r.log.Warn("reap expired task leases failed", "error", err)
		return
	}

	for _, lease := range expired {
		r.failExpiredTask(ctx, lease)
	}
}

func (r *Reconciler) failExpiredTask(ctx context.Context, lease bus.ExpiredLease) {
	var msg model.TaskMessage
	if err := json.Unmarshal(lease.Payload, &msg); err != nil {
		r.log.Warn("reconciler: malformed expired task payload", "error", err)
		return
	}
	log := r.log.With("task_id", msg.TaskID, "job_id", msg.ParentJobID, "stage", msg.Stage)

	if r.metrics != nil {
		r.metrics.ReconcilerReaped.Inc()
	}

	result := model.TaskResult{
		Success:     false,
		ErrorKind:   "LeaseExpired",
		ErrorDetail: "task lease expired without a handler response; the worker likely crashed mid-execution",
	}
	completion, err := r.store.CompleteTaskAndCheckStage(ctx, msg.TaskID, msg.ParentJobID, msg.Stage, result)
	if err != nil {
		log.Error("reconciler: complete_task_and_check_stage failed", "error", err)
		return
	}
	if completion.IsLast {
		r.advancer.AdvanceStage(ctx, msg.ParentJobID, msg.Stage, completion.AnyFailed)
	}
}
