// Package scheduler turns cron schedule rules into execute-rule jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"rule-engine/internal/apperr"
	"rule-engine/internal/models"
	"rule-engine/internal/queue"
	"rule-engine/internal/store"
	"rule-engine/internal/telemetry"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Enqueuer accepts execution jobs held back until their occurrence.
type Enqueuer interface {
	AddExecuteRuleJobAfter(ctx context.Context, p models.ExecuteRulePayload, delay time.Duration) (queue.JobInfo, error)
}

// Config tunes the scheduler.
type Config struct {
	Interval  time.Duration
	Lookahead time.Duration
	DueWindow time.Duration
}

// TickResult summarises one scheduler pass.
type TickResult struct {
	Resumed   []string `json:"resumed,omitempty"`
	Checked   int      `json:"checked"`
	Enqueued  []string `json:"enqueued,omitempty"`
	Scheduled int      `json:"scheduled"`
	Failed    []string `json:"failed,omitempty"`
}

// Scheduler polls due schedule rules and enqueues one job per occurrence.
type Scheduler struct {
	store   store.Store
	jobs    Enqueuer
	cfg     Config
	timeNow func() time.Time
	log     *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a scheduler.
func New(st store.Store, jobs Enqueuer, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 5 * time.Minute
	}
	if cfg.DueWindow <= 0 {
		cfg.DueWindow = time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{store: st, jobs: jobs, cfg: cfg, timeNow: time.Now, log: log.Named("scheduler")}
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.timeNow = now
	return s
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Infow("scheduler started", "interval", s.cfg.Interval)
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorw("scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.log.Infow("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Start runs the scheduler in the background. A second Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = s.Run(ctx)
	}(s.done)
}

// Stop halts a started scheduler and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick resumes auto-paused rules whose backoff has passed and then fires or
// schedules every active schedule rule due within the lookahead.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	now := s.timeNow().UTC()

	paused, err := s.store.ListAutoPausedDue(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list paused rules: %w", err)
	}
	for _, r := range paused {
		if err := s.store.SetRuleStatus(ctx, r.ID, models.RuleStatusActive); err != nil {
			s.log.Errorw("failed to resume rule", "rule_id", r.ID, "error", err)
			continue
		}
		res.Resumed = append(res.Resumed, r.ID)
		s.log.Infow("rule resumed", "rule_id", r.ID, "pause_reason", r.PauseReason)
	}

	rules, err := s.store.ListDueScheduleRules(ctx, now.Add(s.cfg.Lookahead))
	if err != nil {
		return res, fmt.Errorf("list due rules: %w", err)
	}
	for _, r := range rules {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		s.process(ctx, r, now, &res)
	}
	if len(res.Enqueued) > 0 || len(res.Failed) > 0 {
		s.log.Infow("scheduler tick", "checked", res.Checked, "enqueued", len(res.Enqueued), "failed", len(res.Failed))
	}
	return res, nil
}

func (s *Scheduler) process(ctx context.Context, r models.Rule, now time.Time, res *TickResult) {
	log := s.log.With("rule_id", r.ID)
	if r.Body.Schedule == nil {
		s.markFailed(ctx, r, apperr.New(apperr.KindValidation, "schedule rule has no schedule"), res)
		return
	}
	sched, loc, err := parse(r.Body.Schedule.Cron, r.Body.Schedule.Location())
	if err != nil {
		s.markFailed(ctx, r, err, res)
		return
	}

	anchor := now
	if r.NextRunAt != nil {
		anchor = *r.NextRunAt
	}
	occ := atOrAfter(sched, anchor.In(loc))
	if occ.IsZero() {
		s.markFailed(ctx, r, apperr.Newf(apperr.KindValidation, "cron %q never fires", r.Body.Schedule.Cron), res)
		return
	}

	if occ.After(now.Add(s.cfg.DueWindow)) {
		if r.NextRunAt == nil || !r.NextRunAt.Equal(occ) {
			if err := s.store.SetNextRunAt(ctx, r.ID, occ); err != nil {
				log.Errorw("failed to persist next run", "error", err)
				return
			}
			res.Scheduled++
		}
		return
	}

	// Missed occurrences collapse into this one run.
	next := sched.Next(later(occ, now).In(loc)).UTC()
	if err := s.store.SetNextRunAt(ctx, r.ID, next); err != nil {
		log.Errorw("failed to persist next run", "error", err)
		return
	}
	key := fmt.Sprintf("sched-%s-%d", r.ID, occ.UnixMilli())
	// The job becomes runnable at the occurrence, not when the tick sees it.
	info, err := s.jobs.AddExecuteRuleJobAfter(ctx, models.ExecuteRulePayload{
		RuleID:         r.ID,
		IdempotencyKey: key,
		Trigger:        models.TriggerSchedule,
		ScheduledFor:   occ,
	}, occ.Sub(now))
	if err != nil {
		if info.Mode != queue.ModeInline {
			// Nothing ran; leave the occurrence for the next tick.
			if rbErr := s.store.SetNextRunAt(ctx, r.ID, occ); rbErr != nil {
				log.Errorw("failed to restore next run", "error", rbErr)
			}
			log.Errorw("failed to enqueue scheduled execution", "key", key, "error", err)
			return
		}
		log.Warnw("inline scheduled execution failed", "key", key, "error", err)
	}
	res.Enqueued = append(res.Enqueued, key)
	telemetry.ScheduledTriggers.Inc()
	log.Infow("scheduled execution enqueued", "key", key, "occurrence", occ, "next_run_at", next, "mode", info.Mode, "duplicate", info.Duplicate)
}

func (s *Scheduler) markFailed(ctx context.Context, r models.Rule, cause error, res *TickResult) {
	res.Failed = append(res.Failed, r.ID)
	if err := s.store.SetRuleStatus(ctx, r.ID, models.RuleStatusFailed); err != nil {
		s.log.Errorw("failed to mark rule failed", "rule_id", r.ID, "error", err)
		return
	}
	if err := s.store.AppendAudit(ctx, r.ID, "rule_failed", cause.Error()); err != nil {
		s.log.Debugw("audit write failed", "rule_id", r.ID, "error", err)
	}
	s.log.Warnw("rule marked failed", "rule_id", r.ID, "error", cause)
}

func parse(expr, tz string) (cron.Schedule, *time.Location, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindValidation, err, "load timezone "+tz)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindValidation, err, "parse cron "+expr)
	}
	return sched, loc, nil
}

// atOrAfter returns the first activation at or after t.
func atOrAfter(sched cron.Schedule, t time.Time) time.Time {
	next := sched.Next(t.Add(-time.Nanosecond))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// NextOccurrence returns the first activation of expr in timezone tz strictly
// after after. An empty tz means UTC.
func NextOccurrence(expr, tz string, after time.Time) (time.Time, error) {
	if tz == "" {
		tz = "UTC"
	}
	sched, loc, err := parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, apperr.Newf(apperr.KindValidation, "cron %q never fires", expr)
	}
	return next.UTC(), nil
}
