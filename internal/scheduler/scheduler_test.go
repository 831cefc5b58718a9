package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rule-engine/internal/models"
	"rule-engine/internal/queue"
	"rule-engine/internal/store"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingEnqueuer struct {
	mu       sync.Mutex
	payloads []models.ExecuteRulePayload
	delays   []time.Duration
	err      error
	mode     string
}

func (r *recordingEnqueuer) AddExecuteRuleJobAfter(_ context.Context, p models.ExecuteRulePayload, delay time.Duration) (queue.JobInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, delay)
	mode := r.mode
	if mode == "" {
		mode = queue.ModeDurable
	}
	if r.err != nil && mode == queue.ModeDurable {
		return queue.JobInfo{Mode: mode}, r.err
	}
	r.payloads = append(r.payloads, p)
	return queue.JobInfo{ID: p.IdempotencyKey, Mode: mode}, r.err
}

func (r *recordingEnqueuer) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func (r *recordingEnqueuer) Payloads() []models.ExecuteRulePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ExecuteRulePayload(nil), r.payloads...)
}

func setup(t *testing.T, start time.Time) (*Scheduler, *store.Memory, *recordingEnqueuer, *mockClock) {
	t.Helper()
	clock := &mockClock{now: start}
	st := store.NewMemoryWithClock(clock.Now)
	enq := &recordingEnqueuer{}
	s := New(st, enq, Config{}, nil).WithClock(clock.Now)
	return s, st, enq, clock
}

func addScheduleRule(t *testing.T, st *store.Memory, id, expr, tz string, nextRunAt *time.Time) {
	t.Helper()
	require.NoError(t, st.CreateRule(context.Background(), models.Rule{
		ID:     id,
		UserID: "u1",
		Type:   models.RuleTypeSchedule,
		Status: models.RuleStatusActive,
		Body: models.RuleBody{
			Type:        models.RuleTypeSchedule,
			Asset:       "USDC",
			Amount:      models.Amount{Value: decimal.NewFromInt(50)},
			Destination: models.Destination{Type: models.DestinationContact, Value: "John"},
			Schedule:    &models.Schedule{Cron: expr, Timezone: tz},
		},
		NextRunAt: nextRunAt,
	}))
}

func TestWeeklyRuleIsScheduledThenFiredOnce(t *testing.T) {
	ctx := context.Background()
	// Wednesday.
	s, st, enq, clock := setup(t, time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC))
	addScheduleRule(t, st, "r1", "0 8 * * FRI", "UTC", nil)

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Enqueued)
	assert.Equal(t, 1, res.Scheduled)
	friday := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	rule, _ := st.Rule("r1")
	require.NotNil(t, rule.NextRunAt)
	assert.Equal(t, friday, rule.NextRunAt.UTC())

	clock.Set(friday.Add(-3 * time.Minute))
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Enqueued, "not yet within the due window")
	assert.Zero(t, res.Scheduled)

	clock.Set(friday.Add(-30 * time.Second))
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, res.Enqueued, 1)

	payloads := enq.Payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, fmt.Sprintf("sched-r1-%d", friday.UnixMilli()), payloads[0].IdempotencyKey)
	assert.Equal(t, models.TriggerSchedule, payloads[0].Trigger)
	assert.Equal(t, friday, payloads[0].ScheduledFor.UTC())
	assert.Equal(t, []time.Duration{30 * time.Second}, enq.Delays(), "held back until the occurrence")

	rule, _ = st.Rule("r1")
	assert.Equal(t, friday.AddDate(0, 0, 7), rule.NextRunAt.UTC())

	for _, at := range []time.Time{friday.Add(-10 * time.Second), friday, friday.Add(time.Minute)} {
		clock.Set(at)
		_, err = s.Tick(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, enq.Payloads(), 1)
}

func TestOccurrenceIsComputedInRuleTimezone(t *testing.T) {
	s, st, _, _ := setup(t, time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	addScheduleRule(t, st, "r1", "0 9 * * *", "America/New_York", nil)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	rule, _ := st.Rule("r1")
	// 09:00 EDT is 13:00 UTC.
	assert.Equal(t, time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC), rule.NextRunAt.UTC())
}

func TestMissedOccurrencesCollapseIntoOneRun(t *testing.T) {
	now := time.Date(2026, 10, 17, 10, 0, 30, 0, time.UTC)
	s, st, enq, _ := setup(t, now)
	missed := now.Add(-10*time.Minute - 30*time.Second)
	addScheduleRule(t, st, "r1", "* * * * *", "", &missed)

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Enqueued, 1)
	assert.True(t, missed.Equal(enq.Payloads()[0].ScheduledFor))

	rule, _ := st.Rule("r1")
	assert.Equal(t, time.Date(2026, 10, 17, 10, 1, 0, 0, time.UTC), rule.NextRunAt.UTC())

	// The following tick fires 10:01 only; none of the missed minutes replay.
	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	payloads := enq.Payloads()
	require.Len(t, payloads, 2)
	assert.Equal(t, fmt.Sprintf("sched-r1-%d", rule.NextRunAt.UnixMilli()), payloads[1].IdempotencyKey)
}

func TestBrokenRulesAreMarkedFailed(t *testing.T) {
	s, st, enq, _ := setup(t, time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC))
	addScheduleRule(t, st, "bad-cron", "every day at noon", "UTC", nil)
	addScheduleRule(t, st, "bad-tz", "0 8 * * *", "Mars/Olympus", nil)
	addScheduleRule(t, st, "ok", "0 8 * * *", "UTC", nil)

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bad-cron", "bad-tz"}, res.Failed)
	assert.Empty(t, enq.Payloads())

	for _, id := range []string{"bad-cron", "bad-tz"} {
		rule, _ := st.Rule(id)
		assert.Equal(t, models.RuleStatusFailed, rule.Status, id)
	}
	ok, _ := st.Rule("ok")
	assert.Equal(t, models.RuleStatusActive, ok.Status)

	res, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Failed, "failed rules are no longer scheduled")
	assert.Zero(t, res.Checked)
}

func TestAutoPausedRulesResumeAfterBackoff(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	s, st, enq, _ := setup(t, now)
	addScheduleRule(t, st, "funds", "* * * * *", "", nil)
	addScheduleRule(t, st, "later", "* * * * *", "", nil)
	addScheduleRule(t, st, "manual", "* * * * *", "", nil)
	require.NoError(t, st.PauseRule(ctx, "funds", models.PauseReasonInsufficientFunds, now.Add(-time.Minute)))
	require.NoError(t, st.PauseRule(ctx, "later", models.PauseReasonRateLimited, now.Add(time.Hour)))
	require.NoError(t, st.PauseRule(ctx, "manual", models.PauseReasonManual, now.Add(-time.Minute)))

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"funds"}, res.Resumed)
	require.Len(t, enq.Payloads(), 1)
	assert.Equal(t, "funds", enq.Payloads()[0].RuleID)

	funds, _ := st.Rule("funds")
	assert.Equal(t, models.RuleStatusActive, funds.Status)
	assert.Empty(t, funds.PauseReason)
	for _, id := range []string{"later", "manual"} {
		r, _ := st.Rule(id)
		assert.Equal(t, models.RuleStatusPaused, r.Status, id)
	}
}

func TestFailedDispatchLeavesOccurrenceForNextTick(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	s, st, enq, _ := setup(t, now)
	addScheduleRule(t, st, "r1", "* * * * *", "", nil)
	enq.err = errors.New("connection refused")

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Enqueued)
	rule, _ := st.Rule("r1")
	assert.Equal(t, now, rule.NextRunAt.UTC())

	enq.err = nil
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, res.Enqueued, 1)
	assert.Equal(t, fmt.Sprintf("sched-r1-%d", now.UnixMilli()), enq.Payloads()[0].IdempotencyKey)
}

func TestInlineExecutionFailureStillAdvances(t *testing.T) {
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	s, st, enq, _ := setup(t, now)
	addScheduleRule(t, st, "r1", "* * * * *", "", nil)
	enq.mode, enq.err = queue.ModeInline, errors.New("provider 503")

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Enqueued, 1)
	rule, _ := st.Rule("r1")
	assert.Equal(t, now.Add(time.Minute), rule.NextRunAt.UTC())
}

func TestStartStop(t *testing.T) {
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	s, st, enq, _ := setup(t, now)
	addScheduleRule(t, st, "r1", "* * * * *", "", nil)

	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(enq.Payloads()) == 1 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestNextOccurrence(t *testing.T) {
	after := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	next, err := NextOccurrence("0 8 * * FRI", "", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 23, 8, 0, 0, 0, time.UTC), next)

	next, err = NextOccurrence("@daily", "Asia/Tokyo", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC), next)

	_, err = NextOccurrence("61 * * * *", "UTC", after)
	assert.Error(t, err)
}
