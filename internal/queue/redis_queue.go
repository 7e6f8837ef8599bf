package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pdf-ingest/internal/config"
)

// Task is a unit of background work as seen by a worker.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  string          `json:"priority"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return errors.New("task payload is empty")
	}
	return json.Unmarshal(t.Payload, v)
}

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
// Task metadata lives in a hash per task; the lists and sorted sets only hold ids.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	taskMetaPrefix string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue over client using the queue settings in cfg.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		taskMetaPrefix: "queue:taskmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) metaKey(taskID string) string {
	return q.taskMetaPrefix + taskID
}

// Ping checks broker connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Submit enqueues a task of taskType for immediate execution at default
// priority and returns its id.
func (q *RedisQueue) Submit(ctx context.Context, taskType string, payload any) (string, error) {
	return q.Enqueue(ctx, taskType, payload, "default", time.Time{})
}

// Enqueue stores the task metadata and inserts the id into either the
// scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, taskType string, payload any, priority string, runAt time.Time) (string, error) {
	if taskType == "" {
		return "", errors.New("task type is required")
	}
	if priority == "" {
		priority = "default"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id),
		"type", taskType,
		"payload", string(body),
		"priority", priority,
		"attempts", 0,
		"enqueued_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// Load reads the metadata of a task. It returns redis.Nil when the task is unknown.
func (q *RedisQueue) Load(ctx context.Context, taskID string) (Task, error) {
	vals, err := q.client.HGetAll(ctx, q.metaKey(taskID)).Result()
	if err != nil {
		return Task{}, err
	}
	if len(vals) == 0 {
		return Task{}, redis.Nil
	}
	attempts, _ := strconv.Atoi(vals["attempts"])
	priority := vals["priority"]
	if priority == "" {
		priority = "default"
	}
	return Task{
		ID:        taskID,
		Type:      vals["type"],
		Payload:   json.RawMessage(vals["payload"]),
		Priority:  priority,
		Attempts:  attempts,
		LastError: vals["last_error"],
	}, nil
}

// Retry records a failed attempt and moves the task from in-flight into the
// scheduled set to run again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, task Task, runAt time.Time, lastErr string) error {
	pipe := q.client.TxPipeline()
	pipe.HIncrBy(ctx, q.metaKey(task.ID), "attempts", 1)
	pipe.HSet(ctx, q.metaKey(task.ID), "last_error", lastErr)
	pipe.ZRem(ctx, q.inflightKey, task.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: task.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) priorityOf(ctx context.Context, id string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
	if err != nil || priority == "" {
		return "default"
	}
	return priority
}

// DequeueWithLease pops a task from ready queues (priority order) and places
// it into in-flight with a visibility timeout. ok is false when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (task Task, ok bool, err error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	taskID, isString := res.(string)
	if !isString {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	task, err = q.Load(ctx, taskID)
	if errors.Is(err, redis.Nil) {
		// Cancelled or acknowledged while still listed.
		_ = q.client.ZRem(ctx, q.inflightKey, taskID).Err()
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return task, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a task from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, taskID)
	}
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.ZRem(ctx, q.scheduledKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter takes the task out of in-flight and appends it to the dead-letter
// queue. Its metadata is kept for inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, task Task, lastErr string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, task.ID)
	pipe.HSet(ctx, q.metaKey(task.ID), "last_error", lastErr, "attempts", task.Attempts+1)
	pipe.RPush(ctx, q.dlqKey, task.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads up to count dead-lettered tasks, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]Task, error) {
	ids, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		task, err := q.Load(ctx, id)
		if errors.Is(err, redis.Nil) {
			out = append(out, Task{ID: id})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local task = redis.call('LPOP', KEYS[i])
  if task then
    redis.call('ZADD', inflight, ARGV[1], task)
    return task
  end
end
return nil
`)
