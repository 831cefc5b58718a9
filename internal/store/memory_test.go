package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rule-engine/internal/apperr"
	"rule-engine/internal/models"
)

func seed(t *testing.T, m *Memory) models.Rule {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.CreateUser(ctx, models.User{ID: "u1", Email: "u1@example.com"}))
	r := models.Rule{
		ID:     "r1",
		UserID: "u1",
		Type:   models.RuleTypeSchedule,
		Body: models.RuleBody{
			Type:     models.RuleTypeSchedule,
			Asset:    "USDC",
			Amount:   models.Amount{Value: decimal.NewFromInt(50)},
			Schedule: &models.Schedule{Cron: "* * * * *"},
		},
	}
	require.NoError(t, m.CreateRule(ctx, r))
	return r
}

func TestMemoryExecutionKeyIsUnique(t *testing.T) {
	m := NewMemory()
	seed(t, m)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		dups int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := m.CreateExecution(ctx, models.Execution{ID: string(rune('a' + i)), RuleID: "r1", UserID: "u1", IdempotencyKey: "k", Status: models.ExecutionProcessing})
			if err == ErrDuplicateKey {
				mu.Lock()
				dups++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 7, dups)
	assert.Len(t, m.Executions("r1"), 1)
}

func TestMemoryClaimFailedExecutionOnce(t *testing.T) {
	m := NewMemory()
	seed(t, m)
	ctx := context.Background()
	require.NoError(t, m.CreateExecution(ctx, models.Execution{ID: "e1", RuleID: "r1", UserID: "u1", IdempotencyKey: "k", Status: models.ExecutionFailed}))

	ok, err := m.ClaimFailedExecution(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = m.ClaimFailedExecution(ctx, "e1")
	assert.False(t, ok)
}

func TestMemoryRuleQueries(t *testing.T) {
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	m := NewMemoryWithClock(func() time.Time { return now })
	seed(t, m)
	ctx := context.Background()

	due, err := m.ListDueScheduleRules(ctx, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, due, 1, "never scheduled rules are due")

	require.NoError(t, m.SetNextRunAt(ctx, "r1", now.Add(time.Hour)))
	due, _ = m.ListDueScheduleRules(ctx, now.Add(5*time.Minute))
	assert.Empty(t, due)

	require.NoError(t, m.PauseRule(ctx, "r1", models.PauseReasonRateLimited, now.Add(-time.Minute)))
	paused, _ := m.ListAutoPausedDue(ctx, now)
	require.Len(t, paused, 1)

	require.NoError(t, m.SetRuleStatus(ctx, "r1", models.RuleStatusActive))
	r, _ := m.Rule("r1")
	assert.Empty(t, r.PauseReason)

	_, _, err = m.GetRuleWithOwner(ctx, "nope")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestMemoryAggregates(t *testing.T) {
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	m := NewMemoryWithClock(func() time.Time { return now })
	seed(t, m)
	ctx := context.Background()

	for i, st := range []string{models.ExecutionCompleted, models.ExecutionProcessing, models.ExecutionFailed} {
		require.NoError(t, m.CreateExecution(ctx, models.Execution{
			ID: string(rune('a' + i)), RuleID: "r1", UserID: "u1", IdempotencyKey: st,
			Status: st, AmountUSD: decimal.NewFromInt(50),
		}))
	}
	sum, err := m.SumRuleAmountSince(ctx, "r1", StartOfDay(now))
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(100)), sum.String())

	n, _ := m.CountUserExecutionsSince(ctx, "u1", StartOfDay(now))
	assert.Equal(t, int64(3), n)

	stats, _ := m.ExecutionStats(ctx, StartOfDay(now))
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Completed)
	assert.True(t, stats.VolumeUSD.Equal(decimal.NewFromInt(50)))
}

func TestMemoryContactsAndWallets(t *testing.T) {
	m := NewMemory()
	seed(t, m)
	ctx := context.Background()

	require.NoError(t, m.CreateContact(ctx, models.Contact{ID: "c1", UserID: "u1", Name: "John", Address: "0xabc"}))
	c, ok, err := m.FindContactByName(ctx, "u1", "john")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0xabc", c.Address)

	w := models.Wallet{ID: "w1", UserID: "u1", Chain: "base"}
	require.NoError(t, m.CreateWallet(ctx, w))
	assert.ErrorIs(t, m.CreateWallet(ctx, w), ErrDuplicateKey)
	require.NoError(t, m.UpdateWalletBalance(ctx, "w1", decimal.NewFromInt(7)))
	got, ok, _ := m.FindWallet(ctx, "u1", "base")
	require.True(t, ok)
	assert.True(t, got.BalanceUSD.Equal(decimal.NewFromInt(7)))
}
