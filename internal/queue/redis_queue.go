package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"prime-checker/internal/config"
)

// Task is the unit of work handed to workers. Kind selects the handler and
// Priority selects the ready list.
type Task struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	CheckID      string            `json:"check_id"`
	Priority     string            `json:"priority,omitempty"`
	Payload      json.RawMessage   `json:"payload"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
	Attempts     int               `json:"attempts"`
	LastError    string            `json:"last_error,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

// DeadLetter is a task that exhausted its attempts.
type DeadLetter struct {
	Task   Task      `json:"task"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// keyspace prefixes every key the queue owns.
const keyspace = "checks"

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
// Task bodies live in a per-task hash; lists and sorted sets hold ids only.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	readyPrefix    string
	inflightKey    string
	scheduledKey   string
	taskMetaPrefix string
	visibilityTTL  time.Duration
	doneTTL        time.Duration
	dlqKey         string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
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
		dlq = keyspace + ":dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		readyPrefix:    keyspace + ":ready:",
		inflightKey:    keyspace + ":leased",
		scheduledKey:   keyspace + ":retry",
		taskMetaPrefix: keyspace + ":task:",
		visibilityTTL:  visibility,
		doneTTL:        24 * time.Hour,
		dlqKey:         dlq,
	}
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping verifies connectivity for health checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) readyKey(priority string) string {
	return q.readyPrefix + priority
}

func (q *RedisQueue) metaKey(taskID string) string {
	return q.taskMetaPrefix + taskID
}

func (q *RedisQueue) doneKey(taskID string) string {
	return keyspace + ":done:" + taskID
}

func (q *RedisQueue) priorityOf(t Task) string {
	for _, p := range q.priorityQueues {
		if p == t.Priority {
			return p
		}
	}
	for _, p := range q.priorityQueues {
		if p == "default" {
			return p
		}
	}
	return q.priorityQueues[0]
}

// Enqueue stores the task body and inserts its id into either the scheduled
// set or the ready queue in one script. Re-enqueueing an id that is still
// pending keeps the stored body, so retry state survives, and only reinserts
// the id if no list or set holds it. Ids acked within the done window are
// ignored, so at-least-once publishers do not run a task twice.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task, runAt time.Time) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	t.Priority = q.priorityOf(t)
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	var due int64
	if runAt.After(time.Now()) {
		due = runAt.UnixMilli()
	}
	keys := []string{q.metaKey(t.ID), q.scheduledKey, q.inflightKey, q.doneKey(t.ID)}
	if err := enqueueScript.Run(ctx, q.client, keys, t.ID, body, t.Priority, due, q.readyPrefix).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", t.ID, err)
	}
	return nil
}

// Schedule stores the updated task body and parks it in the scheduled set for
// deferred execution. Used for retries before the lease is released.
func (q *RedisQueue) Schedule(ctx context.Context, t Task, runAt time.Time) error {
	t.Priority = q.priorityOf(t)
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(t.ID), "task", body, "priority", t.Priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due retries into their ready lists and reports how
// many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.scheduledKey, now, limit)
	return len(ids), err
}

// DequeueWithLease pops a task from ready queues (priority order) and places
// it into inflight with a visibility timeout. ok is false when every ready
// queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Task, bool, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	for {
		res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
		if err == redis.Nil {
			return Task{}, false, nil
		}
		if err != nil {
			return Task{}, false, err
		}
		taskID, ok := res.(string)
		if !ok {
			return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
		}

		body, err := q.client.HGet(ctx, q.metaKey(taskID), "task").Bytes()
		if err == redis.Nil {
			// already acked through a duplicate id in the list
			_ = q.client.ZRem(ctx, q.inflightKey, taskID).Err()
			continue
		}
		if err != nil {
			return Task{}, false, err
		}
		var t Task
		if err := json.Unmarshal(body, &t); err != nil {
			_ = q.Ack(ctx, taskID)
			return Task{}, false, fmt.Errorf("decode task %s: %w", taskID, err)
		}
		return t, true, nil
	}
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking, deletes its body and marks the
// id done so a late re-enqueue of the same id is dropped.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	pipe.Set(ctx, q.doneKey(taskID), 1, q.doneTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Release drops the lease but keeps the body so the task can be rescheduled.
func (q *RedisQueue) Release(ctx context.Context, taskID string) error {
	return q.client.ZRem(ctx, q.inflightKey, taskID).Err()
}

// RequeueExpired returns tasks whose lease deadline passed to their ready
// lists. The reclaimed ids are returned so callers can log them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

// moveDue atomically drains up to limit members of the sorted set from whose
// score is at or before now. Two workers sweeping at once never move the same
// id twice.
func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := moveDueScript.Run(ctx, q.client, []string{from},
		now.UnixMilli(), limit, q.taskMetaPrefix, q.readyPrefix, q.priorityOf(Task{})).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	return ids, err
}

// DLQPush records a dead task for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, t Task, reason string) error {
	body, err := json.Marshal(DeadLetter{Task: t, Reason: reason, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.client.RPush(ctx, q.dlqKey, body).Err()
}

// DLQPeek reads the oldest dead-lettered tasks.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
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

// Members whose task hash is gone were acked elsewhere and are only dropped.
var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = {}
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local meta = ARGV[3] .. id
  if redis.call('EXISTS', meta) == 1 then
    local priority = redis.call('HGET', meta, 'priority')
    if not priority or priority == '' then
      priority = ARGV[5]
    end
    redis.call('RPUSH', ARGV[4] .. priority, id)
    table.insert(moved, id)
  end
end
return moved
`)

// KEYS: task hash, retry set, lease set, done marker.
// ARGV: id, body, priority, due ms (0 means ready now), ready list prefix.
var enqueueScript = redis.NewScript(`
local meta, retry, leased, done = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local id, priority = ARGV[1], ARGV[3]
if redis.call('EXISTS', done) == 1 then
  return 0
end
if redis.call('EXISTS', meta) == 1 then
  if redis.call('ZSCORE', leased, id) or redis.call('ZSCORE', retry, id) then
    return 0
  end
  local stored = redis.call('HGET', meta, 'priority')
  if stored and stored ~= '' then
    priority = stored
  end
  if redis.call('LPOS', ARGV[5] .. priority, id) then
    return 0
  end
  redis.call('HSETNX', meta, 'task', ARGV[2])
  redis.call('HSET', meta, 'priority', priority)
else
  redis.call('HSET', meta, 'task', ARGV[2], 'priority', priority)
end
local due = tonumber(ARGV[4])
if due > 0 then
  redis.call('ZADD', retry, due, id)
else
  redis.call('RPUSH', ARGV[5] .. priority, id)
end
return 1
`)
