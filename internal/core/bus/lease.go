package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RenewLease extends a delivered message's lease by duration from now,
// up to the configured lease_max_total_seconds cap (enforced by the
// caller — TaskProcessor's renewal goroutine tracks elapsed time and
// stops renewing once the cap is reached, per spec §4.6).
func (b *Bus) RenewLease(ctx context.Context, queue, id string, duration time.Duration) error {
	exists, err := b.rdb.HExists(ctx, b.processingKey(queue), id).Result()
	if err != nil {
		return fmt.Errorf("bus: renew lease lookup %q: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("bus: renew lease: %q is no longer in flight", id)
	}
	return b.rdb.ZAdd(ctx, b.leaseKey(queue), redis.Z{
		Score:  float64(time.Now().Add(duration).Unix()),
		Member: id,
	}).Err()
}

// ExpiredLease is one message whose lease deadline has passed without an
// ack, surfaced to the reconciler.
type ExpiredLease struct {
	ID      string
	Payload []byte
}

// ReapExpiredLeases scans the job or task queue's lease set for entries
// past their deadline. Every expired message is dead-lettered here and
// never redelivered, whatever max_delivery_count is set to — the state
// store side of recovery (failing the stuck task and driving
// complete_task_and_check_stage) is the reconciler's job, not the bus's;
// this method only reports what expired and clears the bus-side
// bookkeeping.
func (b *Bus) ReapExpiredLeases(ctx context.Context, queue string) ([]ExpiredLease, error) {
	now := float64(time.Now().Unix())
	ids, err := b.rdb.ZRangeByScore(ctx, b.leaseKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: scan expired leases on %q: %w", queue, err)
	}

	expired := make([]ExpiredLease, 0, len(ids))
	for _, id := range ids {
		raw, err := b.rdb.HGet(ctx, b.processingKey(queue), id).Result()
		if err != nil {
			if err == redis.Nil {
				b.rdb.ZRem(ctx, b.leaseKey(queue), id)
				continue
			}
			return expired, fmt.Errorf("bus: fetch expired payload %q: %w", id, err)
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			_ = b.deadLetter(ctx, queue, id, raw)
			continue
		}
		if err := b.deadLetter(ctx, queue, id, raw); err != nil {
			return expired, fmt.Errorf("bus: dead-letter expired %q: %w", id, err)
		}
		expired = append(expired, ExpiredLease{ID: id, Payload: env.Payload})
	}
	return expired, nil
}
