package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Delivery is one consumed message: its bus-assigned id (used for
// Ack/Nack/RenewLease) and the raw business payload to unmarshal.
type Delivery struct {
	ID      string
	Payload json.RawMessage
}

// ErrNoMessage is returned by ConsumeJob/ConsumeTask when the queue is
// empty within the poll window.
var ErrNoMessage = errors.New("bus: no message available")

// ConsumeJob pops the next JobMessage envelope and begins its lease.
func (b *Bus) ConsumeJob(ctx context.Context, leaseDuration time.Duration, pollTimeout time.Duration) (*Delivery, error) {
	return b.consume(ctx, b.jobQueue, leaseDuration, pollTimeout)
}

// ConsumeTask pops the next TaskMessage envelope and begins its lease.
func (b *Bus) ConsumeTask(ctx context.Context, leaseDuration time.Duration, pollTimeout time.Duration) (*Delivery, error) {
	return b.consume(ctx, b.taskQueue, leaseDuration, pollTimeout)
}

func (b *Bus) consume(ctx context.Context, queue string, leaseDuration, pollTimeout time.Duration) (*Delivery, error) {
	raw, err := b.rdb.BRPopLPush(ctx, b.pendingKey(queue), b.inflightStagingKey(queue), pollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("bus: consume from %q: %w", queue, err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Malformed payload can't be retried meaningfully; dead-letter it
		// and move on rather than wedging the staging slot forever.
		b.rdb.LPush(ctx, b.deadLetterKey(queue), raw)
		b.rdb.LRem(ctx, b.inflightStagingKey(queue), 1, raw)
		return nil, fmt.Errorf("bus: malformed envelope on %q: %w", queue, err)
	}

	deliveries, err := b.rdb.HIncrBy(ctx, b.deliveryKey(queue), env.ID, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: increment delivery count: %w", err)
	}
	if b.maxDeliveryCount > 0 && deliveries > int64(b.maxDeliveryCount) {
		b.log.Warn("bus: delivery count exceeded, dead-lettering", "queue", queue, "id", env.ID, "deliveries", deliveries)
		return nil, b.deadLetter(ctx, queue, env.ID, raw)
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.processingKey(queue), env.ID, raw)
	pipe.ZAdd(ctx, b.leaseKey(queue), redis.Z{Score: float64(time.Now().Add(leaseDuration).Unix()), Member: env.ID})
	pipe.LRem(ctx, b.inflightStagingKey(queue), 1, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("bus: stage delivery %q: %w", env.ID, err)
	}

	return &Delivery{ID: env.ID, Payload: env.Payload}, nil
}

// inflightStagingKey is BRPOPLPUSH's required destination list — a
// transient holding spot emptied again as soon as the processing
// hash/lease entries are written, so a crash between the RPOPLPUSH and
// the pipeline below leaves the message in this list rather than
// dropping it. Nothing in this package scans the staging list, so such a
// message is not redelivered or reaped automatically.
func (b *Bus) inflightStagingKey(queue string) string { return "coremachine:" + queue + ":staging" }

// Ack removes a delivered message from the processing set entirely, the
// terminal outcome of successful handling.
func (b *Bus) Ack(ctx context.Context, queue, id string) error {
	pipe := b.rdb.TxPipeline()
	pipe.HDel(ctx, b.processingKey(queue), id)
	pipe.ZRem(ctx, b.leaseKey(queue), id)
	pipe.HDel(ctx, b.deliveryKey(queue), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Nack explicitly fails a delivery. Per spec §4.4, bus-level retry is
// disabled (max_delivery_count=1 by default) specifically so that a
// negative ack does not loop the message back for re-execution; it goes
// straight to the dead-letter destination instead. Nack dead-letters
// whatever MaxDeliveryCount is set to; it never returns a message to the
// pending list.
func (b *Bus) Nack(ctx context.Context, queue, id string) error {
	raw, err := b.rdb.HGet(ctx, b.processingKey(queue), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bus: nack lookup %q: %w", id, err)
	}
	return b.deadLetter(ctx, queue, id, raw)
}

func (b *Bus) deadLetter(ctx context.Context, queue, id, raw string) error {
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, b.deadLetterKey(queue), raw)
	pipe.HDel(ctx, b.processingKey(queue), id)
	pipe.ZRem(ctx, b.leaseKey(queue), id)
	pipe.HDel(ctx, b.deliveryKey(queue), id)
	_, err := pipe.Exec(ctx)
	return err
}
