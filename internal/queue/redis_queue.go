package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"rule-engine/internal/models"
)

// ErrDuplicateJob is returned by Add when a job with the same id already exists.
var ErrDuplicateJob = errors.New("job id already exists")

// Job states stored in the job hash.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Options tunes a RedisQueue.
type Options struct {
	Priorities   []string
	Visibility   time.Duration
	BackoffMax   time.Duration
	CompletedTTL time.Duration
}

// AddOptions are per-job enqueue options.
type AddOptions struct {
	JobID       string
	Delay       time.Duration
	Priority    string
	Attempts    int
	Backoff     time.Duration
	RepeatEvery time.Duration
	RepeatCron  string
}

// Counts summarises a queue.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
}

// RedisQueue coordinates ready, in-flight, and scheduled jobs of one named queue in Redis.
type RedisQueue struct {
	client        *redis.Client
	name          string
	priorities    []string
	visibilityTTL time.Duration
	backoffMax    time.Duration
	completedTTL  time.Duration
	timeNow       func() time.Time
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewRedisQueue builds a queue over client.
func NewRedisQueue(client *redis.Client, name string, opts Options) *RedisQueue {
	priorities := opts.Priorities
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := opts.Visibility
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	backoffMax := opts.BackoffMax
	if backoffMax == 0 {
		backoffMax = 5 * time.Minute
	}
	completed := opts.CompletedTTL
	if completed == 0 {
		completed = 24 * time.Hour
	}
	return &RedisQueue{
		client:        client,
		name:          name,
		priorities:    priorities,
		visibilityTTL: visibility,
		backoffMax:    backoffMax,
		completedTTL:  completed,
		timeNow:       time.Now,
	}
}

// Name returns the queue name.
func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:%s:ready:%s", q.name, priority)
}

func (q *RedisQueue) inflightKey() string  { return "queue:" + q.name + ":inflight" }
func (q *RedisQueue) scheduledKey() string { return "queue:" + q.name + ":scheduled" }
func (q *RedisQueue) jobPrefix() string    { return "queue:" + q.name + ":job:" }

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobPrefix() + jobID
}

func (q *RedisQueue) priorityOf(p string) string {
	for _, known := range q.priorities {
		if known == p {
			return p
		}
	}
	for _, known := range q.priorities {
		if known == "default" {
			return known
		}
	}
	return q.priorities[0]
}

func nextCron(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse repeat cron %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// Add enqueues a job. It fails with ErrDuplicateJob when opts.JobID is already
// known to the queue, including completed jobs kept as tombstones.
func (q *RedisQueue) Add(ctx context.Context, name string, data []byte, opts AddOptions) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	priority := q.priorityOf(opts.Priority)
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	now := q.timeNow()
	runAt := now.Add(opts.Delay)
	if opts.RepeatCron != "" {
		next, err := nextCron(opts.RepeatCron, runAt)
		if err != nil {
			return "", err
		}
		runAt = next
	}
	state := StateWaiting
	if runAt.After(now) {
		state = StateDelayed
	}

	res, err := addScript.Run(ctx, q.client,
		[]string{q.metaKey(id), q.readyKey(priority), q.scheduledKey()},
		id, runAt.UnixMilli(), now.UnixMilli(),
		"name", name,
		"data", data,
		"priority", priority,
		"attempts", 0,
		"max_attempts", attempts,
		"backoff_ms", opts.Backoff.Milliseconds(),
		"repeat_every_ms", opts.RepeatEvery.Milliseconds(),
		"repeat_cron", opts.RepeatCron,
		"created_ms", now.UnixMilli(),
		"state", state,
	).Int()
	if err != nil {
		return "", fmt.Errorf("add job to %s: %w", q.name, err)
	}
	if res == 0 {
		return id, ErrDuplicateJob
	}
	return id, nil
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
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
		priority, _ := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
		pipe.ZRem(ctx, q.scheduledKey(), id)
		pipe.HSet(ctx, q.metaKey(id), "state", StateWaiting)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(priority)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Dequeue pops a job from ready queues (priority order), places it into
// inflight with a visibility timeout and counts the attempt. It returns nil
// when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	keys := make([]string, 0, len(q.priorities)+1)
	for _, p := range q.priorities {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey())

	deadline := q.timeNow().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, keys, deadline, q.jobPrefix()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	fields, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		// Job hash expired underneath the list entry.
		_ = q.client.ZRem(ctx, q.inflightKey(), jobID).Err()
		return nil, nil
	}
	return q.decode(jobID, fields), nil
}

func (q *RedisQueue) decode(id string, f map[string]string) *models.Job {
	attempts, _ := strconv.Atoi(f["attempts"])
	maxAttempts, _ := strconv.Atoi(f["max_attempts"])
	created, _ := strconv.ParseInt(f["created_ms"], 10, 64)
	data := json.RawMessage(f["data"])
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return &models.Job{
		ID:          id,
		Queue:       q.name,
		Name:        f["name"],
		Data:        data,
		Priority:    f["priority"],
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.UnixMilli(created).UTC(),
	}
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey(), redis.Z{
		Score:  float64(q.timeNow().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

type repeatSpec struct {
	every time.Duration
	cron  string
}

func (r repeatSpec) next(after time.Time) (time.Time, bool) {
	switch {
	case r.every > 0:
		return after.Add(r.every), true
	case r.cron != "":
		t, err := nextCron(r.cron, after)
		return t, err == nil
	}
	return time.Time{}, false
}

func (q *RedisQueue) repeatOf(ctx context.Context, jobID string) (repeatSpec, error) {
	vals, err := q.client.HMGet(ctx, q.metaKey(jobID), "repeat_every_ms", "repeat_cron").Result()
	if err != nil {
		return repeatSpec{}, err
	}
	var spec repeatSpec
	if s, ok := vals[0].(string); ok {
		ms, _ := strconv.ParseInt(s, 10, 64)
		spec.every = time.Duration(ms) * time.Millisecond
	}
	if s, ok := vals[1].(string); ok {
		spec.cron = s
	}
	return spec, nil
}

// finish closes the current run of a job. Repeating jobs are rescheduled for
// their next run; others are kept in their final state for the completed TTL.
func (q *RedisQueue) finish(ctx context.Context, jobID, state, lastError string) error {
	spec, err := q.repeatOf(ctx, jobID)
	if err != nil {
		return err
	}
	now := q.timeNow()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	if lastError != "" {
		pipe.HSet(ctx, q.metaKey(jobID), "last_error", lastError)
	}
	if next, ok := spec.next(now); ok {
		pipe.HSet(ctx, q.metaKey(jobID), "attempts", 0, "state", StateDelayed)
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(next.UnixMilli()), Member: jobID})
	} else {
		pipe.HSet(ctx, q.metaKey(jobID), "state", state, "finished_ms", now.UnixMilli())
		pipe.Expire(ctx, q.metaKey(jobID), q.completedTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Ack marks a job completed.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, StateCompleted, "")
}

// Fail marks a job permanently failed for this run.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return q.finish(ctx, jobID, StateFailed, msg)
}

// Retry schedules another attempt with exponential backoff. It returns false
// without touching the job when attempts are exhausted.
func (q *RedisQueue) Retry(ctx context.Context, jobID string, cause error) (bool, time.Duration, error) {
	vals, err := q.client.HMGet(ctx, q.metaKey(jobID), "attempts", "max_attempts", "backoff_ms").Result()
	if err != nil {
		return false, 0, err
	}
	attempts, _ := strconv.Atoi(fmt.Sprint(vals[0]))
	maxAttempts, _ := strconv.Atoi(fmt.Sprint(vals[1]))
	backoffMs, _ := strconv.ParseInt(fmt.Sprint(vals[2]), 10, 64)
	if attempts >= maxAttempts {
		return false, 0, nil
	}

	delay := backoffFor(time.Duration(backoffMs)*time.Millisecond, q.backoffMax, attempts)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.HSet(ctx, q.metaKey(jobID), "state", StateDelayed, "last_error", msg)
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(q.timeNow().Add(delay).UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}
	return true, delay, nil
}

// backoffFor is base * 2^(attempt-1), capped at max.
func backoffFor(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 1 {
		return base
	}
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if wait > max || wait <= 0 {
		wait = max
	}
	return wait
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
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
		priority, _ := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
		pipe.ZRem(ctx, q.inflightKey(), id)
		pipe.HSet(ctx, q.metaKey(id), "state", StateWaiting)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(priority)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorities {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.ZRem(ctx, q.scheduledKey(), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// State returns the stored state of a job, or "" when unknown.
func (q *RedisQueue) State(ctx context.Context, jobID string) (string, error) {
	s, err := q.client.HGet(ctx, q.metaKey(jobID), "state").Result()
	if err == redis.Nil {
		return "", nil
	}
	return s, err
}

// Counts returns the waiting, delayed and active job counts.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	ready := make([]*redis.IntCmd, 0, len(q.priorities))
	for _, p := range q.priorities {
		ready = append(ready, pipe.LLen(ctx, q.readyKey(p)))
	}
	delayed := pipe.ZCard(ctx, q.scheduledKey())
	active := pipe.ZCard(ctx, q.inflightKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, cmd := range ready {
		c.Waiting += cmd.Val()
	}
	c.Delayed = delayed.Val()
	c.Active = active.Val()
	return c, nil
}

var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i=4,#ARGV,2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
if tonumber(ARGV[2]) > tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    local key = ARGV[2] .. job
    if redis.call('EXISTS', key) == 1 then
      redis.call('HINCRBY', key, 'attempts', 1)
      redis.call('HSET', key, 'state', 'active')
    end
    return job
  end
end
return nil
`)
