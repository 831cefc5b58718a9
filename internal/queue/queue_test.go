package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rule-engine/internal/models"
)

func newTestBroker(t *testing.T) (*miniredis.Miniredis, *Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewBroker(client, Options{Priorities: []string{"high", "default", "low"}})
}

func TestRedisQueueRejectsDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	_, b := newTestBroker(t)
	q, err := b.Queue(models.QueueExecuteRule)
	require.NoError(t, err)

	id, err := q.Add(ctx, models.JobExecuteRule, []byte(`{"n":1}`), AddOptions{JobID: "sched-r1-1000"})
	require.NoError(t, err)
	assert.Equal(t, "sched-r1-1000", id)

	_, err = q.Add(ctx, models.JobExecuteRule, []byte(`{"n":2}`), AddOptions{JobID: "sched-r1-1000"})
	assert.ErrorIs(t, err, ErrDuplicateJob)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.JSONEq(t, `{"n":1}`, string(job.Data))
	require.NoError(t, q.Ack(ctx, job.ID))

	// Completed jobs keep their id reserved.
	_, err = q.Add(ctx, models.JobExecuteRule, nil, AddOptions{JobID: "sched-r1-1000"})
	assert.ErrorIs(t, err, ErrDuplicateJob)
	state, err := q.State(ctx, "sched-r1-1000")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
}

func TestRedisQueuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	_, b := newTestBroker(t)
	q, _ := b.Queue(models.QueueExecuteRule)

	_, err := q.Add(ctx, "low-job", nil, AddOptions{JobID: "a", Priority: "low"})
	require.NoError(t, err)
	_, err = q.Add(ctx, "high-job", nil, AddOptions{JobID: "b", Priority: "high"})
	require.NoError(t, err)
	_, err = q.Add(ctx, "unknown-priority", nil, AddOptions{JobID: "c", Priority: "urgent"})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"b", "c", "a"}, order)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisQueueRetryBackoffAndExhaustion(t *testing.T) {
	ctx := context.Background()
	_, b := newTestBroker(t)
	q, _ := b.Queue(models.QueueExecuteRule)
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	q.timeNow = func() time.Time { return now }

	_, err := q.Add(ctx, models.JobExecuteRule, nil, AddOptions{JobID: "j1", Attempts: 2, Backoff: 2 * time.Second})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 2, job.MaxAttempts)

	retried, delay, err := q.Retry(ctx, job.ID, errors.New("provider timeout"))
	require.NoError(t, err)
	assert.True(t, retried)
	assert.Equal(t, 2*time.Second, delay)

	n, err := q.PromoteScheduled(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")
	n, err = q.PromoteScheduled(ctx, now.Add(2*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)

	retried, _, err = q.Retry(ctx, job.ID, errors.New("provider timeout"))
	require.NoError(t, err)
	assert.False(t, retried, "attempts exhausted")
	require.NoError(t, q.Fail(ctx, job.ID, errors.New("provider timeout")))
	state, _ := q.State(ctx, job.ID)
	assert.Equal(t, StateFailed, state)
}

func TestBackoffFor(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffFor(2*time.Second, time.Minute, 1))
	assert.Equal(t, 4*time.Second, backoffFor(2*time.Second, time.Minute, 2))
	assert.Equal(t, 8*time.Second, backoffFor(2*time.Second, time.Minute, 3))
	assert.Equal(t, time.Minute, backoffFor(2*time.Second, time.Minute, 10))
	assert.Zero(t, backoffFor(0, time.Minute, 3))
}

func TestRedisQueueRepeatingJobIsRescheduled(t *testing.T) {
	ctx := context.Background()
	_, b := newTestBroker(t)
	q, _ := b.Queue(models.QueueConditionCheck)
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	q.timeNow = func() time.Time { return now }

	_, err := q.Add(ctx, models.JobConditionCheck, nil, AddOptions{JobID: ConditionCheckJobID, RepeatEvery: 5 * time.Minute})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Ack(ctx, job.ID))

	state, _ := q.State(ctx, job.ID)
	assert.Equal(t, StateDelayed, state)
	n, err := q.PromoteScheduled(ctx, now.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisQueueCronJobStartsAtNextOccurrence(t *testing.T) {
	ctx := context.Background()
	_, b := newTestBroker(t)
	q, _ := b.Queue(models.QueueMaintenance)
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	q.timeNow = func() time.Time { return now }

	_, err := q.Add(ctx, models.JobDLQCleanup, nil, AddOptions{JobID: DLQCleanupJobID, RepeatCron: "0 2 * * *"})
	require.NoError(t, err)
	c, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Delayed: 1}, c)

	n, _ := q.PromoteScheduled(ctx, time.Date(2026, 10, 17, 1, 59, 0, 0, time.UTC), 10)
	assert.Zero(t, n)
	n, _ = q.PromoteScheduled(ctx, time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC), 10)
	assert.Equal(t, 1, n)

	_, err = q.Add(ctx, models.JobDLQCleanup, nil, AddOptions{JobID: "bad", RepeatCron: "not a cron"})
	assert.Error(t, err)
}

func TestRedisQueueRequeueExpired(t *testing.T) {
	ctx := context.Background()
	_, b := newTestBroker(t)
	q, _ := b.Queue(models.QueueExecuteRule)
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	q.timeNow = func() time.Time { return now }

	_, err := q.Add(ctx, models.JobExecuteRule, nil, AddOptions{JobID: "lease"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	ids, err := q.RequeueExpired(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "lease still valid")

	ids, err = q.RequeueExpired(ctx, now.Add(q.visibilityTTL+time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"lease"}, ids)
	c, _ := q.Counts(ctx)
	assert.Equal(t, int64(1), c.Waiting)
}

func TestJobQueueDurableDuplicateIsNotAnError(t *testing.T) {
	ctx := context.Background()
	_, b := newTestBroker(t)
	jq := NewJobQueue(b, nil, Config{}, nil)

	p := models.ExecuteRulePayload{RuleID: "r1", IdempotencyKey: "sched-r1-1000", Trigger: models.TriggerSchedule}
	info, err := jq.AddExecuteRuleJob(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, ModeDurable, info.Mode)
	assert.False(t, info.Duplicate)

	info, err = jq.AddExecuteRuleJob(ctx, p)
	require.NoError(t, err)
	assert.True(t, info.Duplicate)

	st := jq.GetQueueStatus(ctx)
	assert.True(t, st.BrokerConnected)
	assert.Equal(t, int64(1), st.Queues[models.QueueExecuteRule].Waiting)

	_, err = jq.AddExecuteRuleJob(ctx, models.ExecuteRulePayload{RuleID: "r1"})
	assert.Error(t, err)
}

func TestJobQueueInlineWithoutBroker(t *testing.T) {
	ctx := context.Background()
	jq := NewJobQueue(nil, nil, Config{}, nil)

	var got models.ExecuteRulePayload
	jq.Register(models.JobExecuteRule, func(ctx context.Context, job *models.Job) error {
		return json.Unmarshal(job.Data, &got)
	})

	info, err := jq.AddExecuteRuleJob(ctx, models.ExecuteRulePayload{RuleID: "r1", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, ModeInline, info.Mode)
	assert.Equal(t, "inline-k1", info.ID)
	assert.Equal(t, "r1", got.RuleID, "handler ran before dispatch returned")

	assert.False(t, jq.IsQueueHealthy())
	_, err = jq.ScheduleDLQCleanup(ctx)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)

	st := jq.GetQueueStatus(ctx)
	assert.Equal(t, ModeInline, st.Mode)
	assert.Equal(t, int64(1), st.FallbackJobs)
}

func TestJobQueueInlineSurfacesHandlerError(t *testing.T) {
	jq := NewJobQueue(nil, nil, Config{}, nil)
	jq.Register(models.JobExecuteRule, func(ctx context.Context, job *models.Job) error {
		return errors.New("boom")
	})
	_, err := jq.AddExecuteRuleJob(context.Background(), models.ExecuteRulePayload{RuleID: "r1", IdempotencyKey: "k1"})
	assert.EqualError(t, err, "boom")
	st := jq.GetQueueStatus(context.Background())
	assert.Equal(t, int64(1), st.FallbackFailed)
}

func TestJobQueueFallsBackWhenBrokerDrops(t *testing.T) {
	ctx := context.Background()
	mr, b := newTestBroker(t)
	jq := NewJobQueue(b, nil, Config{}, nil)
	ran := 0
	jq.Register(models.JobExecuteRule, func(ctx context.Context, job *models.Job) error {
		ran++
		return nil
	})

	mr.Close()
	_, err := jq.AddExecuteRuleJob(ctx, models.ExecuteRulePayload{RuleID: "r1", IdempotencyKey: "k1"})
	require.Error(t, err, "the failed durable dispatch is not replayed")
	assert.Zero(t, ran)
	assert.False(t, jq.IsQueueHealthy())

	info, err := jq.AddExecuteRuleJob(ctx, models.ExecuteRulePayload{RuleID: "r1", IdempotencyKey: "k2"})
	require.NoError(t, err)
	assert.Equal(t, ModeInline, info.Mode)
	assert.Equal(t, 1, ran)
	assert.Equal(t, int64(1), jq.GetQueueStatus(ctx).DispatchErrors)

	jq.SetBrokerAvailable(true)
	assert.True(t, jq.IsQueueHealthy())
}

type recordingSink struct {
	queue string
	err   error
}

func (s *recordingSink) AddToDLQ(ctx context.Context, originalQueue, jobName string, data json.RawMessage, cause error, attempts int, meta models.JobMeta) (string, error) {
	s.queue = originalQueue
	s.err = cause
	return "dlq-1", nil
}

func TestHandleFailedJob(t *testing.T) {
	ctx := context.Background()
	_, b := newTestBroker(t)
	sink := &recordingSink{}
	jq := NewJobQueue(b, sink, Config{}, nil)

	id, err := jq.HandleFailedJob(ctx, models.QueueExecuteRule, models.JobExecuteRule, nil, errors.New("boom"), 3, models.JobMeta{RuleID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "dlq-1", id)
	assert.Equal(t, models.QueueExecuteRule, sink.queue)

	jq.SetBrokerAvailable(false)
	id, err = jq.HandleFailedJob(ctx, models.QueueExecuteRule, models.JobExecuteRule, nil, errors.New("boom"), 3, models.JobMeta{})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, int64(1), jq.GetQueueStatus(ctx).LostJobs)
}

func TestScheduleDLQCleanupReplacesExisting(t *testing.T) {
	ctx := context.Background()
	_, b := newTestBroker(t)
	jq := NewJobQueue(b, nil, Config{CleanupCron: "0 2 * * *"}, nil)

	_, err := jq.ScheduleDLQCleanup(ctx)
	require.NoError(t, err)
	info, err := jq.ScheduleDLQCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, DLQCleanupJobID, info.ID)

	mq, _ := b.Queue(models.QueueMaintenance)
	c, err := mq.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Delayed)
}

func TestWatchReinstallsRepeatJobsOnRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, b := newTestBroker(t)
	jq := NewJobQueue(b, &recordingSink{}, Config{CleanupCron: "0 2 * * *"}, nil)
	jq.SetBrokerAvailable(false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = jq.Watch(ctx, 20*time.Millisecond)
	}()

	require.Eventually(t, jq.IsQueueHealthy, 2*time.Second, 10*time.Millisecond)
	mq, _ := b.Queue(models.QueueMaintenance)
	cq, _ := b.Queue(models.QueueConditionCheck)
	require.Eventually(t, func() bool {
		st, _ := mq.State(ctx, DLQCleanupJobID)
		return st == StateDelayed
	}, 2*time.Second, 10*time.Millisecond)
	state, err := cq.State(ctx, ConditionCheckJobID)
	require.NoError(t, err)
	assert.NotEmpty(t, state)

	cancel()
	<-done
}

func TestEnsureRepeatJobsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, b := newTestBroker(t)
	jq := NewJobQueue(b, &recordingSink{}, Config{CleanupCron: "0 2 * * *"}, nil)

	require.NoError(t, jq.EnsureRepeatJobs(ctx))
	require.NoError(t, jq.EnsureRepeatJobs(ctx))

	mq, _ := b.Queue(models.QueueMaintenance)
	c, err := mq.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Delayed)
	cq, _ := b.Queue(models.QueueConditionCheck)
	c, err = cq.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Waiting+c.Delayed)

	jq.SetBrokerAvailable(false)
	assert.ErrorIs(t, jq.EnsureRepeatJobs(ctx), ErrBrokerUnavailable)
}

func TestAddExecuteRuleJobAfterHoldsJobBack(t *testing.T) {
	ctx := context.Background()
	_, b := newTestBroker(t)
	jq := NewJobQueue(b, nil, Config{}, nil)

	p := models.ExecuteRulePayload{RuleID: "r1", IdempotencyKey: "sched-r1-2000", Trigger: models.TriggerSchedule}
	_, err := jq.AddExecuteRuleJobAfter(ctx, p, 45*time.Second)
	require.NoError(t, err)
	q, _ := b.Queue(models.QueueExecuteRule)
	state, err := q.State(ctx, "sched-r1-2000")
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "not runnable before its occurrence")

	// A past occurrence is runnable at once.
	p.IdempotencyKey = "sched-r1-1000"
	_, err = jq.AddExecuteRuleJobAfter(ctx, p, -time.Minute)
	require.NoError(t, err)
	state, err = q.State(ctx, "sched-r1-1000")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)
}
