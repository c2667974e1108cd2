package bus

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/coremachine/coremachine/internal/core/model"
)

// PublishJob publishes a JobMessage to the job queue.
func (b *Bus) PublishJob(ctx context.Context, msg model.JobMessage) error {
	return b.publish(ctx, b.jobQueue, msg)
}

// PublishTask publishes a TaskMessage to the task queue. Messages whose
// marshaled size exceeds MaxMessageBytes are rejected outright — per
// Open Question 3, externalizing oversized parameters (e.g. to blob
// storage, passing a pointer) is a workflow-level concern, not something
// the core silently works around.
func (b *Bus) PublishTask(ctx context.Context, msg model.TaskMessage) error {
	return b.publish(ctx, b.taskQueue, msg)
}

func (b *Bus) publish(ctx context.Context, queue string, payload interface{}) error {
	id := uuid.NewString()
	raw, err := marshalEnvelope(id, payload)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	if b.maxMessageBytes > 0 && len(raw) > b.maxMessageBytes {
		return fmt.Errorf("bus: message for queue %q is %d bytes, exceeds bus_max_message_bytes=%d; externalize large parameters at the workflow level", queue, len(raw), b.maxMessageBytes)
	}
	if err := b.rdb.LPush(ctx, b.pendingKey(queue), raw).Err(); err != nil {
		return fmt.Errorf("bus: publish to %q: %w", queue, err)
	}
	return nil
}
