package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rule-engine/internal/apperr"
	"rule-engine/internal/archive"
	"rule-engine/internal/models"
	"rule-engine/internal/queue"
)

type enqueued struct {
	queue string
	job   string
	data  []byte
	opts  queue.AddOptions
}

type fakeEnqueuer struct {
	calls []enqueued
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, queueName, jobName string, data []byte, opts queue.AddOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, enqueued{queue: queueName, job: jobName, data: data, opts: opts})
	return opts.JobID, nil
}

type mockClock struct{ now time.Time }

func (c *mockClock) Now() time.Time          { return c.now }
func (c *mockClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestDLQ(t *testing.T, opts Options) (*DLQ, *fakeEnqueuer, *mockClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	enq := &fakeEnqueuer{}
	clock := &mockClock{now: time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)}
	return New(client, enq, opts, nil).WithClock(clock.Now), enq, clock
}

var payload = json.RawMessage(`{"rule_id":"r1","idempotency_key":"sched-r1-1000"}`)

func TestAddToDLQClassifiesRetryability(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDLQ(t, Options{})

	cases := []struct {
		name     string
		cause    error
		attempts int
		want     bool
	}{
		{"transient", errors.New("provider timeout"), 3, true},
		{"attempts exhausted", errors.New("provider timeout"), 5, false},
		{"validation", apperr.New(apperr.KindValidation, "bad body"), 1, false},
		{"legacy permission text", errors.New("PermissionDenied: wallet"), 1, false},
		{"insufficient funds", apperr.New(apperr.KindInsufficientFunds, "Insufficient balance"), 1, false},
		{"circuit open", apperr.New(apperr.KindCircuitOpen, "open"), 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, tc.cause, tc.attempts, models.JobMeta{RuleID: "r1"})
			require.NoError(t, err)
			e, err := d.GetEntry(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tc.want, e.CanRetry)
			assert.Equal(t, tc.cause.Error(), e.Error.Message)
		})
	}
}

func TestRetryJobIneligibleEntryCreatesNoJob(t *testing.T) {
	ctx := context.Background()
	d, enq, _ := newTestDLQ(t, Options{})

	id, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("provider timeout"), 5, models.JobMeta{})
	require.NoError(t, err)

	res, err := d.RetryJob(ctx, id, RetryOptions{})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, enq.calls)

	res, err = d.RetryJob(ctx, "dlq_missing", RetryOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRetryJobReenqueuesOnOriginalQueue(t *testing.T) {
	ctx := context.Background()
	d, enq, _ := newTestDLQ(t, Options{})

	id, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("provider timeout"), 3, models.JobMeta{Priority: "high"})
	require.NoError(t, err)

	res, err := d.RetryJob(ctx, id, RetryOptions{Delay: time.Second})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, enq.calls, 1)
	call := enq.calls[0]
	assert.Equal(t, models.QueueExecuteRule, call.queue)
	assert.Equal(t, models.JobExecuteRule, call.job)
	assert.JSONEq(t, string(payload), string(call.data))
	assert.Equal(t, 3, call.opts.Attempts)
	assert.Equal(t, 2*time.Second, call.opts.Backoff)
	assert.Equal(t, "high", call.opts.Priority)
	assert.Equal(t, res.JobID, call.opts.JobID)

	_, err = d.GetEntry(ctx, id)
	assert.NoError(t, err, "entry kept without RemoveFromDLQ")

	res, err = d.RetryJob(ctx, id, RetryOptions{RemoveFromDLQ: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEqual(t, enq.calls[0].opts.JobID, enq.calls[1].opts.JobID)
	_, err = d.GetEntry(ctx, id)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestStatsUseExactCounters(t *testing.T) {
	ctx := context.Background()
	d, _, clock := newTestDLQ(t, Options{})

	first := clock.now
	for i := 0; i < 3; i++ {
		_, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("timeout"), 3, models.JobMeta{})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	id, err := d.AddToDLQ(ctx, models.QueueConditionCheck, models.JobConditionCheck, nil, apperr.New(apperr.KindValidation, "bad"), 1, models.JobMeta{})
	require.NoError(t, err)

	st, err := d.GetDLQStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.TotalEntries)
	assert.Equal(t, int64(3), st.RetryableEntries)
	assert.Equal(t, map[string]int64{models.QueueExecuteRule: 3, models.QueueConditionCheck: 1}, st.EntriesByQueue)
	assert.Equal(t, map[string]int64{"SystemError": 3, "ValidationError": 1}, st.EntriesByError)
	require.NotNil(t, st.OldestEntry)
	assert.True(t, st.OldestEntry.Equal(first))
	require.NotNil(t, st.NewestEntry)
	assert.True(t, st.NewestEntry.Equal(clock.now))

	require.NoError(t, d.Remove(ctx, id))
	st, err = d.GetDLQStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalEntries)
	assert.NotContains(t, st.EntriesByQueue, models.QueueConditionCheck)

	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(d.Remove(ctx, id)))
}

func TestGetDLQEntriesNewestFirstWithFilter(t *testing.T) {
	ctx := context.Background()
	d, _, clock := newTestDLQ(t, Options{})

	var ids []string
	for i, user := range []string{"u1", "u2", "u1"} {
		attempts := 3
		if i == 1 {
			attempts = 5
		}
		id, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("timeout"), attempts, models.JobMeta{UserID: user})
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Second)
	}

	all, total, err := d.GetDLQEntries(ctx, 0, 10, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	page, _, err := d.GetDLQEntries(ctx, 1, 1, Filter{})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)

	byUser, _, err := d.GetDLQEntries(ctx, 0, 10, Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	no := false
	stuck, _, err := d.GetDLQEntries(ctx, 0, 10, Filter{CanRetry: &no})
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, ids[1], stuck[0].ID)
}

func TestCleanupOldEntriesArchivesFirst(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d, _, clock := newTestDLQ(t, Options{Archiver: archive.NewLocalArchiver(dir)})

	old, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("timeout"), 3, models.JobMeta{})
	require.NoError(t, err)
	clock.Advance(20 * 24 * time.Hour)
	recent, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("timeout"), 3, models.JobMeta{})
	require.NoError(t, err)
	clock.Advance(15 * 24 * time.Hour)

	n, err := d.CleanupOldEntries(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = d.GetEntry(ctx, old)
	assert.Error(t, err)
	_, err = d.GetEntry(ctx, recent)
	assert.NoError(t, err)

	st, err := d.GetDLQStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalEntries)

	archived, err := filepathGlob(dir)
	require.NoError(t, err)
	assert.Len(t, archived, 1)

	n, err = d.CleanupOldEntries(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingArchiver struct{}

func (failingArchiver) Archive(context.Context, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestCleanupKeepsEntriesWhenArchiveFails(t *testing.T) {
	ctx := context.Background()
	d, _, clock := newTestDLQ(t, Options{Archiver: failingArchiver{}})

	id, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("timeout"), 3, models.JobMeta{})
	require.NoError(t, err)
	clock.Advance(31 * 24 * time.Hour)

	_, err = d.CleanupOldEntries(ctx, 30)
	require.Error(t, err)
	_, err = d.GetEntry(ctx, id)
	assert.NoError(t, err)
}

func TestBatchRetryAppliesCriteria(t *testing.T) {
	ctx := context.Background()
	d, enq, clock := newTestDLQ(t, Options{})

	_, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("provider timeout"), 3, models.JobMeta{})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	for i := 0; i < 3; i++ {
		_, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("provider timeout"), 3, models.JobMeta{})
		require.NoError(t, err)
	}
	_, err = d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("connection reset"), 3, models.JobMeta{})
	require.NoError(t, err)
	_, err = d.AddToDLQ(ctx, models.QueueConditionCheck, models.JobConditionCheck, nil, errors.New("provider timeout"), 3, models.JobMeta{})
	require.NoError(t, err)

	res, err := d.BatchRetry(ctx, Criteria{
		Queue:        models.QueueExecuteRule,
		ErrorPattern: regexp.MustCompile("timeout"),
		MaxAge:       time.Hour,
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Retried: 2}, res)
	assert.Len(t, enq.calls, 2)

	res, err = d.BatchRetry(ctx, Criteria{Queue: models.QueueExecuteRule, ErrorPattern: regexp.MustCompile("timeout")}, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Retried: 2}, res, "the remaining recent one and the old one")

	st, err := d.GetDLQStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalEntries)
}

func TestBatchRetryCountsFailures(t *testing.T) {
	ctx := context.Background()
	d, enq, _ := newTestDLQ(t, Options{})
	enq.err = errors.New("broker down")

	for i := 0; i < 2; i++ {
		_, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("timeout"), 3, models.JobMeta{})
		require.NoError(t, err)
	}
	res, err := d.BatchRetry(ctx, Criteria{}, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Failed: 2}, res)
}

func filepathGlob(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, "dlq", "*.json"))
}

func TestBatchRetryReplaysOnceWhenRemovalFails(t *testing.T) {
	ctx := context.Background()
	d, enq, clock := newTestDLQ(t, Options{})

	stuck, err := d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("provider timeout"), 3, models.JobMeta{})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = d.AddToDLQ(ctx, models.QueueExecuteRule, models.JobExecuteRule, payload, errors.New("provider timeout"), 3, models.JobMeta{})
	require.NoError(t, err)

	d.remove = func(ctx context.Context, id string) error {
		if id == stuck {
			return errors.New("redis: i/o timeout")
		}
		return d.Remove(ctx, id)
	}

	res, err := d.BatchRetry(ctx, Criteria{}, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Retried: 2}, res)
	assert.Len(t, enq.calls, 2, "the entry left behind is not replayed again")

	st, err := d.GetDLQStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalEntries)
}
