/*
Package bus is CoreMachine's message bus adapter: two logical queues (job
queue, task queue) with at-least-once delivery, lease-based consumption,
lease renewal, and a dead-letter destination when bus-level delivery is
exhausted (spec §4.4).

The teacher's only Redis messaging is pub/sub fan-out for SSE
(internal/clients/redis/sse_bus.go, internal/realtime/bus/redis_bus.go)
— fire-and-forget, no redelivery, no lease. That shape cannot serve a
durable work queue, so the queue mechanics here follow the standard
Redis "reliable queue" idiom instead: a main list holds pending
messages, BRPOPLPUSH-equivalent consumption atomically moves a message
into a shared staging list and from there into a processing hash, and a
lease deadline recorded alongside the payload lets a reconciler detect
stuck messages, which are dead-lettered rather than requeued. Client construction (go-redis/v9, context-scoped calls,
component-scoped logger) is grounded directly on the teacher's
NewSSEBus.
*/
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coremachine/coremachine/internal/platform/logger"
)

// Bus is the Redis-backed adapter over the job and task queues.
type Bus struct {
	log *logger.Logger
	rdb redis.UniversalClient

	jobQueue  string
	taskQueue string

	maxDeliveryCount int
	maxMessageBytes  int
}

// Config configures queue names and delivery limits; it deliberately
// takes primitives rather than *config.Config so this package has no
// dependency on internal/platform/config.
type Config struct {
	JobQueueName     string
	TaskQueueName    string
	MaxDeliveryCount int
	MaxMessageBytes  int
}

// New constructs a Bus over an already-connected redis client.
func New(rdb redis.UniversalClient, log *logger.Logger, cfg Config) *Bus {
	return &Bus{
		log:              log.With("component", "bus"),
		rdb:              rdb,
		jobQueue:         cfg.JobQueueName,
		taskQueue:        cfg.TaskQueueName,
		maxDeliveryCount: cfg.MaxDeliveryCount,
		maxMessageBytes:  cfg.MaxMessageBytes,
	}
}

// NewClient constructs a go-redis client the way the teacher's
// NewSSEBus does: dial timeout, ping-on-construct so misconfiguration
// fails fast at startup instead of on first use.
func NewClient(ctx context.Context, addr string, db int) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// JobQueueName and TaskQueueName expose the configured queue names so
// callers can address Ack/Nack/RenewLease/ReapExpiredLeases, which take
// a queue name rather than a job/task-specific method pair.
func (b *Bus) JobQueueName() string  { return b.jobQueue }
func (b *Bus) TaskQueueName() string { return b.taskQueue }

func (b *Bus) pendingKey(queue string) string    { return "coremachine:" + queue + ":pending" }
func (b *Bus) processingKey(queue string) string { return "coremachine:" + queue + ":processing" }
func (b *Bus) leaseKey(queue string) string      { return "coremachine:" + queue + ":lease" }
func (b *Bus) deliveryKey(queue string) string   { return "coremachine:" + queue + ":deliveries" }
func (b *Bus) deadLetterKey(queue string) string { return "coremachine:" + queue + ":deadletter" }

// envelope wraps a published payload with a bus-assigned id so the
// lease sorted-set and the delivery-count hash can reference it without
// parsing the business payload.
type envelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func marshalEnvelope(id string, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		raw = []byte("null")
	}
	env := envelope{ID: id, Payload: raw}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(envBytes), nil
}
