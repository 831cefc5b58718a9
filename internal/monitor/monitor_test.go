package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rule-engine/internal/apperr"
	"rule-engine/internal/dlq"
	"rule-engine/internal/models"
	"rule-engine/internal/queue"
	"rule-engine/internal/safety"
	"rule-engine/internal/store"
)

type fakeDLQ struct{ stats dlq.Stats }

func (f fakeDLQ) GetDLQStats(context.Context) (dlq.Stats, error) { return f.stats, nil }

type fakeQueue struct{ status queue.Status }

func (f fakeQueue) GetQueueStatus(context.Context) queue.Status { return f.status }

type pingErr struct{ err error }

func (p pingErr) Ping(context.Context) error { return p.err }

type env struct {
	now   time.Time
	ctrl  *safety.Controller
	store *store.Memory
	mon   *Monitor
}

func newEnv(t *testing.T, dlqEntries int64, redisErr error) *env {
	t.Helper()
	e := &env{now: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return e.now }
	e.ctrl = safety.NewControllerWithClock(safety.Config{}, nil, clock)
	e.store = store.NewMemoryWithClock(clock)
	e.mon = NewWithClock(Deps{
		Safety: e.ctrl,
		Store:  e.store,
		DLQ:    fakeDLQ{stats: dlq.Stats{TotalEntries: dlqEntries, RetryableEntries: 1}},
		Queue:  fakeQueue{status: queue.Status{Mode: queue.ModeDurable, BrokerConnected: true}},
		Redis:  pingErr{err: redisErr},
	}, Config{}, nil, clock)
	return e
}

func tripBreaker(t *testing.T, ctrl *safety.Controller, service string) {
	t.Helper()
	cb, ok := ctrl.Breaker(service)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	}
	require.Equal(t, safety.StateOpen, cb.State())
}

func TestCollectShape(t *testing.T) {
	e := newEnv(t, 3, nil)
	ctx := context.Background()
	require.NoError(t, e.store.CreateRule(ctx, models.Rule{ID: "r1", UserID: "u1", Type: models.RuleTypeSchedule, Status: models.RuleStatusActive}))
	require.NoError(t, e.store.CreateRule(ctx, models.Rule{ID: "r2", UserID: "u1", Type: models.RuleTypeSchedule, Status: models.RuleStatusPaused}))
	require.NoError(t, e.store.CreateExecution(ctx, models.Execution{ID: "e1", RuleID: "r1", IdempotencyKey: "k1", Status: models.ExecutionCompleted, AmountUSD: decimal.NewFromInt(50)}))
	require.NoError(t, e.store.CreateExecution(ctx, models.Execution{ID: "e2", RuleID: "r1", IdempotencyKey: "k2", Status: models.ExecutionFailed, AmountUSD: decimal.NewFromInt(20)}))

	e.mon.RecordRequest(10*time.Millisecond, false)
	e.mon.RecordRequest(30*time.Millisecond, true)
	e.now = e.now.Add(2 * time.Minute)

	m := e.mon.Collect(ctx)
	assert.Equal(t, safety.HealthHealthy, m.Health.Overall)
	assert.Len(t, m.Health.Services, len(safety.DefaultBreakers()))
	assert.Equal(t, 120.0, m.Health.Uptime)

	assert.InDelta(t, 20.0, m.Performance.AvgResponseTime, 1e-9)
	assert.InDelta(t, 0.5, m.Performance.ErrorRate, 1e-9)
	assert.InDelta(t, 1.0, m.Performance.Throughput, 1e-9)

	assert.EqualValues(t, 1, m.Business.ActiveRules)
	assert.EqualValues(t, 2, m.Business.ExecutionsToday)
	assert.True(t, m.Business.TotalVolumeUSD.Equal(decimal.NewFromInt(50)))
	assert.InDelta(t, 50.0, m.Business.SuccessRate, 1e-9)

	assert.Equal(t, StatusUp, m.Infrastructure.Database.Status)
	assert.Equal(t, StatusUp, m.Infrastructure.Redis.Status)
	assert.Equal(t, DLQHealth{Status: StatusUp, Entries: 3, Retryable: 1}, m.Infrastructure.DLQ)
	require.NotNil(t, m.Infrastructure.Queue)
	assert.True(t, m.Infrastructure.Queue.BrokerConnected)

	assert.Empty(t, e.mon.Alerts(), "too few requests for an error-rate alert")
}

func TestAlertsFollowConditions(t *testing.T) {
	e := newEnv(t, 75, errors.New("connection refused"))
	tripBreaker(t, e.ctrl, safety.ServiceCircleAPI)

	m := e.mon.Collect(context.Background())
	assert.Equal(t, safety.HealthCritical, m.Health.Overall)
	assert.Equal(t, StatusDown, m.Infrastructure.Redis.Status)

	alerts := e.mon.Alerts()
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"infra:redis", "service:circle_api", "dlq:backlog"}, ids)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)

	// Ids and creation times are stable across collections.
	first := alerts[1]
	e.now = e.now.Add(time.Minute)
	e.mon.Collect(context.Background())
	again := e.mon.Alerts()
	assert.Equal(t, first.ID, again[1].ID)
	assert.Equal(t, first.CreatedAt, again[1].CreatedAt)
}

func TestResolveAlertIsIdempotent(t *testing.T) {
	e := newEnv(t, 75, nil)
	e.mon.Collect(context.Background())

	a, err := e.mon.ResolveAlert("dlq:backlog")
	require.NoError(t, err)
	assert.True(t, a.Resolved)
	resolvedAt := *a.ResolvedAt

	e.now = e.now.Add(time.Minute)
	a, err = e.mon.ResolveAlert("dlq:backlog")
	require.NoError(t, err)
	assert.Equal(t, resolvedAt, *a.ResolvedAt)

	e.mon.Collect(context.Background())
	assert.True(t, e.mon.Alerts()[0].Resolved, "acknowledged while the backlog persists")

	_, err = e.mon.ResolveAlert("nope")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestResetCircuitBreakers(t *testing.T) {
	e := newEnv(t, 0, nil)
	tripBreaker(t, e.ctrl, safety.ServiceSecretsManager)
	e.mon.Collect(context.Background())
	require.Len(t, e.mon.Alerts(), 1)

	e.mon.ResetCircuitBreakers()
	e.mon.ResetCircuitBreakers()
	assert.Empty(t, e.mon.Alerts())
	assert.True(t, e.ctrl.IsSystemSafe())

	m := e.mon.Collect(context.Background())
	assert.Equal(t, safety.HealthHealthy, m.Health.Overall)
	assert.Empty(t, e.mon.Alerts())
}

func TestErrorRateAlert(t *testing.T) {
	e := newEnv(t, 0, nil)
	for i := 0; i < 20; i++ {
		e.mon.RecordRequest(time.Millisecond, i%4 == 0)
	}
	e.mon.Collect(context.Background())
	alerts := e.mon.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "api:error-rate", alerts[0].ID)
}
