package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rule-engine/internal/config"
	"rule-engine/internal/models"
	"rule-engine/internal/queue"
	"rule-engine/internal/router"
	"rule-engine/internal/store"
)

const johnAddress = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func testConfig(t *testing.T, redisAddr string) config.Config {
	t.Helper()
	t.Setenv("CIRCLE_API_KEY", "test-key")
	cfg := config.Load()
	cfg.RedisAddr = redisAddr
	cfg.PostgresDSN = ""
	cfg.DLQArchiveBucket = ""
	cfg.DLQArchiveDir = ""
	cfg.HTTPPort = "0"
	cfg.SimulatedBalanceUSD = 1000
	cfg.BalanceSafetyBufferUSD = 5
	cfg.TransferRateCapacity = 10
	cfg.TransferRateRefill = 1
	cfg.WorkerPollInterval = 20 * time.Millisecond
	return cfg
}

func build(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

// seedScenario stores a user who pays 50 USDC to contact John every minute.
func seedScenario(t *testing.T, a *App) models.RuleBody {
	t.Helper()
	ctx := context.Background()
	body := models.RuleBody{
		Type:        models.RuleTypeSchedule,
		Asset:       "USDC",
		Amount:      models.Amount{Value: decimal.NewFromInt(50)},
		Destination: models.Destination{Type: models.DestinationContact, Value: "John"},
		Schedule:    &models.Schedule{Cron: "* * * * *"},
	}
	require.NoError(t, body.Validate())
	require.NoError(t, a.Store.CreateUser(ctx, models.User{ID: "u1", Email: "u1@example.com"}))
	require.NoError(t, a.Store.CreateContact(ctx, models.Contact{ID: "c1", UserID: "u1", Name: "John", Address: johnAddress}))
	require.NoError(t, a.Store.CreateRule(ctx, models.Rule{
		ID: "r1", UserID: "u1", Type: models.RuleTypeSchedule, Status: models.RuleStatusActive, Body: body,
	}))
	return body
}

func assertCompletedScenario(t *testing.T, a *App, body models.RuleBody) {
	t.Helper()
	mem, ok := a.Store.(*store.Memory)
	require.True(t, ok)
	execs := mem.Executions("r1")
	require.Len(t, execs, 1)
	exec := execs[0]
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, models.TriggerSchedule, exec.Trigger)

	want, err := router.QuoteCheapest(body, router.Flags{FeeOverrides: a.Gas.FeeEstimates(context.Background()).Fees})
	require.NoError(t, err)
	assert.Equal(t, router.ChainSolana, want.Chain)
	assert.Equal(t, want.Chain, exec.Chain)
	assert.True(t, want.FeeUSD.Equal(exec.FeeUSD), "fee %s, want %s", exec.FeeUSD, want.FeeUSD)
	assert.NotEmpty(t, exec.TxHash)

	transfers := a.Provider.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, johnAddress, transfers[0].Destination)
	assert.True(t, transfers[0].Amount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, exec.IdempotencyKey+"-transfer", transfers[0].IdempotencyKey)
}

func TestScheduledTransferThroughBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	a := build(t, testConfig(t, mr.Addr()))
	require.NotNil(t, a.Broker)
	require.True(t, a.Jobs.IsQueueHealthy())
	body := seedScenario(t, a)
	ctx := context.Background()

	res, err := a.Scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, res.Enqueued, 1)

	// The job waits for its minute boundary; run the consumer past it.
	a.Processor.WithClock(func() time.Time { return time.Now().Add(time.Minute) })
	n, err := a.Processor.Drain(ctx, models.QueueExecuteRule)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertCompletedScenario(t, a, body)

	// Re-dispatching the same occurrence does not transfer twice.
	_, err = a.Jobs.AddExecuteRuleJob(ctx, models.ExecuteRulePayload{RuleID: "r1", IdempotencyKey: res.Enqueued[0], Trigger: models.TriggerSchedule})
	require.NoError(t, err)
	_, err = a.Processor.Drain(ctx, models.QueueExecuteRule)
	require.NoError(t, err)
	assert.Len(t, a.Provider.Transfers(), 1)

	rule, _, err := a.Store.GetRuleWithOwner(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, rule.NextRunAt)
	assert.True(t, rule.NextRunAt.After(time.Now().Add(-time.Second)))
}

func TestScheduledTransferInlineWithoutRedis(t *testing.T) {
	a := build(t, testConfig(t, ""))
	require.Nil(t, a.Broker)
	require.Nil(t, a.DLQ)
	body := seedScenario(t, a)
	ctx := context.Background()

	res, err := a.Scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, res.Enqueued, 1)
	assertCompletedScenario(t, a, body)

	st := a.Jobs.GetQueueStatus(ctx)
	assert.Equal(t, queue.ModeInline, st.Mode)
	assert.EqualValues(t, 1, st.FallbackJobs)
}

func TestUnreachableRedisFallsBackInline(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	a := build(t, testConfig(t, addr))
	require.NotNil(t, a.Broker)
	assert.False(t, a.Jobs.IsQueueHealthy())
	body := seedScenario(t, a)

	res, tickErr := a.Scheduler.Tick(context.Background())
	require.NoError(t, tickErr)
	require.Len(t, res.Enqueued, 1)
	assertCompletedScenario(t, a, body)
}

func TestAdminAPIIsWired(t *testing.T) {
	mr := miniredis.RunT(t)
	a := build(t, testConfig(t, mr.Addr()))
	srv := httptest.NewServer(a.API.Router())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/admin/health", "/admin/queue", "/dlq/stats"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	a := build(t, testConfig(t, mr.Addr()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRepeatJobsInstalledWhenRedisRecovers(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t, addr)
	cfg.BrokerHealthInterval = 50 * time.Millisecond
	a := build(t, cfg)
	require.False(t, a.Jobs.IsQueueHealthy())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, mr.Restart())
	t.Cleanup(mr.Close)
	require.Eventually(t, a.Jobs.IsQueueHealthy, 5*time.Second, 20*time.Millisecond)

	maintenance, err := a.Broker.Queue(models.QueueMaintenance)
	require.NoError(t, err)
	checks, err := a.Broker.Queue(models.QueueConditionCheck)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := maintenance.State(context.Background(), queue.DLQCleanupJobID)
		return err == nil && st == queue.StateDelayed
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		st, err := checks.State(context.Background(), queue.ConditionCheckJobID)
		return err == nil && st != ""
	}, 5*time.Second, 20*time.Millisecond)
}
