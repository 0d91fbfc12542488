package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/kv"
)

// State is the queue runtime's view of a task handle
type State string

const (
	StateEnqueued   State = "enqueued"
	StateScheduled  State = "scheduled"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateDeleted    State = "deleted"
	StateUnknown    State = "unknown"
)

// Task is one unit of work delivered to a handler
type Task struct {
	ID      string
	Queue   string
	Payload []byte
	Retries int
}

// taskTTL keeps terminal task hashes around long enough for the recovery
// monitor to inspect stale handles.
const taskTTL = 24 * time.Hour

func taskKey(id string) string     { return "queue:task:" + id }
func pendingKey(q string) string   { return "queue:" + q + ":pending" }
func activeKey(q string) string    { return "queue:" + q + ":active" }
func scheduledKey(q string) string { return "queue:" + q + ":scheduled" }

// Client enqueues, schedules, deletes, and inspects tasks on named queues.
type Client struct {
	kv *kv.Client
}

// NewClient creates a queue client.
func NewClient(client *kv.Client) *Client {
	return &Client{kv: client}
}

// Enqueue adds a task to the back of the named queue and returns its handle.
func (c *Client) Enqueue(ctx context.Context, queue string, payload []byte) (string, error) {
	id := uuid.New().String()
	rdb := c.kv.Redis()

	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(id), map[string]any{
		"id":      id,
		"queue":   queue,
		"payload": payload,
		"state":   string(StateEnqueued),
		"retries": 0,
	})
	pipe.Expire(ctx, taskKey(id), taskTTL)
	pipe.LPush(ctx, pendingKey(queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errdefs.Wrap(errdefs.CodeQueueError, err, "enqueue on %s", queue)
	}
	return id, nil
}

// Schedule adds a task that becomes runnable at the given time.
func (c *Client) Schedule(ctx context.Context, queue string, payload []byte, at time.Time) (string, error) {
	id := uuid.New().String()
	rdb := c.kv.Redis()

	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(id), map[string]any{
		"id":      id,
		"queue":   queue,
		"payload": payload,
		"state":   string(StateScheduled),
		"retries": 0,
	})
	pipe.Expire(ctx, taskKey(id), taskTTL)
	pipe.ZAdd(ctx, scheduledKey(queue), redis.Z{Score: float64(at.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errdefs.Wrap(errdefs.CodeQueueError, err, "schedule on %s", queue)
	}
	return id, nil
}

// Delete removes a task wherever it currently sits. A processing task is
// only marked; its handler keeps running but the result is discarded.
func (c *Client) Delete(ctx context.Context, handle string) error {
	rdb := c.kv.Redis()

	queue, err := rdb.HGet(ctx, taskKey(handle), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errdefs.Wrap(errdefs.CodeQueueError, err, "delete %s", handle)
	}

	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(handle), "state", string(StateDeleted))
	pipe.LRem(ctx, pendingKey(queue), 0, handle)
	pipe.ZRem(ctx, scheduledKey(queue), handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return errdefs.Wrap(errdefs.CodeQueueError, err, "delete %s", handle)
	}
	return nil
}

// Inspect returns the runtime's view of a handle. A handle whose hash has
// expired or never existed reports Unknown.
func (c *Client) Inspect(ctx context.Context, handle string) (State, error) {
	if handle == "" {
		return StateUnknown, nil
	}
	state, err := c.kv.Redis().HGet(ctx, taskKey(handle), "state").Result()
	if errors.Is(err, redis.Nil) {
		return StateUnknown, nil
	}
	if err != nil {
		return StateUnknown, errdefs.Wrap(errdefs.CodeQueueError, err, "inspect %s", handle)
	}
	return State(state), nil
}

// PendingCount returns the queue's backlog length. Used by metrics.
func (c *Client) PendingCount(ctx context.Context, queue string) (int64, error) {
	n, err := c.kv.Redis().LLen(ctx, pendingKey(queue)).Result()
	if err != nil {
		return 0, errdefs.Wrap(errdefs.CodeQueueError, err, "llen %s", queue)
	}
	return n, nil
}

func parseRetries(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
