package condition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rule-engine/internal/models"
	"rule-engine/internal/queue"
	"rule-engine/internal/store"
	"rule-engine/internal/telemetry"
)

// RateSource provides current and windowed FX rates.
type RateSource interface {
	Refresh(ctx context.Context, now time.Time)
	Change(pair string, window time.Duration) (current, previous float64, ok bool)
}

// Enqueuer accepts execution jobs and installs the periodic check.
type Enqueuer interface {
	AddExecuteRuleJob(ctx context.Context, p models.ExecuteRulePayload) (queue.JobInfo, error)
	AddConditionCheckJob(ctx context.Context) (queue.JobInfo, error)
}

// Config tunes the checker.
type Config struct {
	Interval        time.Duration
	RefreshInterval time.Duration
	Debounce        time.Duration
}

// ConditionState is the last evaluation of one metric over one window.
type ConditionState struct {
	Metric        string    `json:"metric"`
	Window        string    `json:"window"`
	Current       float64   `json:"current"`
	Previous      float64   `json:"previous"`
	ChangePercent float64   `json:"change_percent"`
	CheckedAt     time.Time `json:"checked_at"`
}

// CheckResult summarises one CheckAllConditions pass.
type CheckResult struct {
	RulesChecked int                       `json:"rules_checked"`
	Triggered    []string                  `json:"triggered"`
	Skipped      []string                  `json:"skipped,omitempty"`
	States       map[string]ConditionState `json:"states"`
}

// Checker evaluates active conditional rules and enqueues executions for
// the ones whose condition is met.
type Checker struct {
	store   store.Store
	jobs    Enqueuer
	rates   RateSource
	cfg     Config
	timeNow func() time.Time
	log     *zap.SugaredLogger

	mu            sync.Mutex
	states        map[string]ConditionState
	lastTriggered map[string]time.Time

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewChecker builds a checker.
func NewChecker(st store.Store, jobs Enqueuer, rates RateSource, cfg Config, log *zap.SugaredLogger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Minute
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Checker{
		store:         st,
		jobs:          jobs,
		rates:         rates,
		cfg:           cfg,
		timeNow:       time.Now,
		log:           log.Named("condition"),
		states:        make(map[string]ConditionState),
		lastTriggered: make(map[string]time.Time),
	}
}

// WithClock overrides the time source.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.timeNow = now
	return c
}

// Handle is the check-conditions job handler.
func (c *Checker) Handle(ctx context.Context, _ *models.Job) error {
	_, err := c.CheckAllConditions(ctx)
	return err
}

// CheckAllConditions refreshes rates, evaluates every active conditional
// rule and enqueues an execution for each met condition outside its
// debounce window.
func (c *Checker) CheckAllConditions(ctx context.Context) (CheckResult, error) {
	now := c.timeNow().UTC()
	res := CheckResult{Triggered: []string{}, States: map[string]ConditionState{}}
	c.rates.Refresh(ctx, now)

	rules, err := c.store.ListActiveConditionalRules(ctx)
	if err != nil {
		return res, fmt.Errorf("list conditional rules: %w", err)
	}
	for _, r := range rules {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.RulesChecked++
		state, met, ok := c.evaluate(r, now)
		if !ok {
			res.Skipped = append(res.Skipped, r.ID)
			continue
		}
		res.States[stateKey(state.Metric, state.Window)] = state
		if !met {
			continue
		}
		debounced, err := c.debounced(ctx, r.ID, now)
		if err != nil {
			c.log.Warnw("debounce lookup failed", "rule_id", r.ID, "error", err)
			continue
		}
		if debounced {
			c.log.Debugw("condition met but debounced", "rule_id", r.ID)
			continue
		}
		if c.trigger(ctx, r, state, now) {
			res.Triggered = append(res.Triggered, r.ID)
		}
	}
	if res.RulesChecked > 0 {
		c.log.Infow("conditions checked", "rules", res.RulesChecked, "triggered", len(res.Triggered))
	}
	return res, nil
}

func stateKey(metric, window string) string { return metric + ":" + window }

func (c *Checker) evaluate(r models.Rule, now time.Time) (ConditionState, bool, bool) {
	cond := r.Body.Condition
	if cond == nil {
		c.log.Warnw("conditional rule without condition", "rule_id", r.ID)
		return ConditionState{}, false, false
	}
	window, err := cond.WindowDuration()
	if err != nil {
		c.log.Warnw("bad condition window", "rule_id", r.ID, "error", err)
		return ConditionState{}, false, false
	}
	pair := cond.Pair()
	current, previous, ok := c.rates.Change(pair, window)
	if !ok || previous == 0 {
		c.log.Debugw("no rate for metric", "rule_id", r.ID, "metric", pair)
		return ConditionState{}, false, false
	}
	state := ConditionState{
		Metric:        pair,
		Window:        cond.Window,
		Current:       current,
		Previous:      previous,
		ChangePercent: (current - previous) / previous * 100,
		CheckedAt:     now,
	}
	c.mu.Lock()
	c.states[stateKey(state.Metric, state.Window)] = state
	c.mu.Unlock()

	var met bool
	switch cond.Change {
	case models.ChangeUp:
		met = state.ChangePercent >= cond.Magnitude
	case models.ChangeDown:
		met = state.ChangePercent <= -cond.Magnitude
	}
	return state, met, true
}

// debounced reports whether the rule fired, or has an execution, within the
// debounce window.
func (c *Checker) debounced(ctx context.Context, ruleID string, now time.Time) (bool, error) {
	c.mu.Lock()
	last, ok := c.lastTriggered[ruleID]
	c.mu.Unlock()
	if ok && now.Sub(last) < c.cfg.Debounce {
		return true, nil
	}
	exec, found, err := c.store.LastExecutionForRule(ctx, ruleID)
	if err != nil {
		return false, err
	}
	return found && now.Sub(exec.CreatedAt) < c.cfg.Debounce, nil
}

func (c *Checker) trigger(ctx context.Context, r models.Rule, state ConditionState, now time.Time) bool {
	key := fmt.Sprintf("cond-%s-%d-%s", r.ID, now.UnixMilli(), uuid.NewString()[:8])
	c.mu.Lock()
	c.lastTriggered[r.ID] = now
	c.mu.Unlock()

	info, err := c.jobs.AddExecuteRuleJob(ctx, models.ExecuteRulePayload{
		RuleID:         r.ID,
		IdempotencyKey: key,
		Trigger:        models.TriggerCondition,
		ScheduledFor:   now,
	})
	if err != nil && info.Mode != queue.ModeInline {
		c.mu.Lock()
		delete(c.lastTriggered, r.ID)
		c.mu.Unlock()
		c.log.Errorw("failed to enqueue condition execution", "rule_id", r.ID, "key", key, "error", err)
		return false
	}
	if err != nil {
		c.log.Warnw("inline condition execution failed", "rule_id", r.ID, "key", key, "error", err)
	}
	telemetry.ConditionTriggers.Inc()
	c.log.Infow("condition triggered",
		"rule_id", r.ID, "key", key, "metric", state.Metric, "window", state.Window,
		"change_percent", state.ChangePercent, "mode", info.Mode)
	return true
}

// States returns the last evaluation per metric and window.
func (c *Checker) States() map[string]ConditionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ConditionState, len(c.states))
	for k, v := range c.states {
		out[k] = v
	}
	return out
}

// Run refreshes rates every RefreshInterval and makes sure the periodic
// check is installed every Interval, until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	refresh := time.NewTicker(c.cfg.RefreshInterval)
	defer refresh.Stop()
	check := time.NewTicker(c.cfg.Interval)
	defer check.Stop()

	c.ensureCheckJob(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh.C:
			c.rates.Refresh(ctx, c.timeNow().UTC())
		case <-check.C:
			c.ensureCheckJob(ctx)
		}
	}
}

func (c *Checker) ensureCheckJob(ctx context.Context) {
	if _, err := c.jobs.AddConditionCheckJob(ctx); err != nil && ctx.Err() == nil {
		c.log.Errorw("condition check dispatch failed", "error", err)
	}
}

// Start runs the checker in the background. A second Start is a no-op.
func (c *Checker) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = c.Run(ctx)
	}(c.done)
}

// Stop halts a started checker.
func (c *Checker) Stop() {
	c.lifecycle.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
