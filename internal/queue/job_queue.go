package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rule-engine/internal/models"
	"rule-engine/internal/telemetry"
)

// Fixed ids of the repeating jobs.
const (
	ConditionCheckJobID = "repeat:check-conditions"
	DLQCleanupJobID     = "repeat:dlq-cleanup"
)

// ErrBrokerUnavailable is returned for operations that need the broker.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// DeadLetterSink stores jobs that exhausted their retries.
type DeadLetterSink interface {
	AddToDLQ(ctx context.Context, originalQueue, jobName string, data json.RawMessage, cause error, attempts int, meta models.JobMeta) (string, error)
}

// Config configures a JobQueue.
type Config struct {
	Attempts       int
	Backoff        time.Duration
	ConditionEvery time.Duration
	CleanupCron    string
}

// Status is the queue health exposed to monitoring.
type Status struct {
	Mode            string            `json:"mode"`
	BrokerConnected bool              `json:"broker_connected"`
	FallbackJobs    int64             `json:"fallback_jobs"`
	FallbackFailed  int64             `json:"fallback_failed"`
	DispatchErrors  int64             `json:"dispatch_errors"`
	LostJobs        int64             `json:"lost_jobs"`
	Queues          map[string]Counts `json:"queues,omitempty"`
}

// JobQueue routes jobs to the broker while it is reachable and runs them
// inline otherwise.
type JobQueue struct {
	broker  *Broker
	durable *BrokerDispatcher
	inline  *InlineDispatcher
	dlq     DeadLetterSink
	cfg     Config
	log     *zap.SugaredLogger

	available      atomic.Bool
	dispatchErrors atomic.Int64
	lostJobs       atomic.Int64
}

// NewJobQueue builds a job queue. broker and dlq may be nil; without a broker
// every job runs inline.
func NewJobQueue(broker *Broker, dlq DeadLetterSink, cfg Config, log *zap.SugaredLogger) *JobQueue {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.ConditionEvery <= 0 {
		cfg.ConditionEvery = 5 * time.Minute
	}
	if cfg.CleanupCron == "" {
		cfg.CleanupCron = "0 2 * * *"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	q := &JobQueue{
		broker: broker,
		inline: NewInlineDispatcher(),
		dlq:    dlq,
		cfg:    cfg,
		log:    log.Named("jobqueue"),
	}
	if broker != nil {
		q.durable = NewBrokerDispatcher(broker)
		q.available.Store(true)
		telemetry.BrokerAvailable.Set(1)
	}
	return q
}

// Broker returns the broker, or nil when running inline only.
func (q *JobQueue) Broker() *Broker { return q.broker }

// Register binds a handler to a job name for inline dispatch and for consumers.
func (q *JobQueue) Register(jobName string, h Handler) {
	q.inline.Register(jobName, h)
}

// Handler returns the handler bound to jobName.
func (q *JobQueue) Handler(jobName string) (Handler, bool) {
	return q.inline.Handler(jobName)
}

// SetBrokerAvailable switches between durable and inline dispatch.
func (q *JobQueue) SetBrokerAvailable(ok bool) {
	q.setAvailable(ok)
}

// setAvailable reports whether the mode changed.
func (q *JobQueue) setAvailable(ok bool) bool {
	if q.broker == nil {
		return false
	}
	if prev := q.available.Swap(ok); prev == ok {
		return false
	}
	if ok {
		telemetry.BrokerAvailable.Set(1)
		q.log.Infow("broker connected, dispatching durably")
	} else {
		telemetry.BrokerAvailable.Set(0)
		q.log.Warnw("broker unavailable, falling back to inline execution")
	}
	return true
}

// EnsureRepeatJobs installs the repeating condition check and, when a DLQ is
// wired, the daily DLQ cleanup. Both use fixed job ids, so calling it again
// leaves a single copy of each.
func (q *JobQueue) EnsureRepeatJobs(ctx context.Context) error {
	if !q.IsQueueHealthy() {
		return ErrBrokerUnavailable
	}
	if _, err := q.AddConditionCheckJob(ctx); err != nil {
		return fmt.Errorf("install condition check: %w", err)
	}
	if q.dlq == nil {
		return nil
	}
	if _, err := q.ScheduleDLQCleanup(ctx); err != nil {
		return fmt.Errorf("install dlq cleanup: %w", err)
	}
	return nil
}

// Watch pings the broker every interval and updates the dispatch mode until
// ctx is cancelled. When the broker comes back the repeating jobs are
// reinstalled, since they may never have been added or may have been lost
// with the broker's data.
func (q *JobQueue) Watch(ctx context.Context, interval time.Duration) error {
	if q.broker == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := q.broker.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				q.log.Debugw("broker ping failed", "error", err)
			}
			if q.setAvailable(err == nil) && err == nil {
				if err := q.EnsureRepeatJobs(ctx); err != nil && ctx.Err() == nil {
					q.log.Warnw("repeat jobs not reinstalled", "error", err)
				}
			}
		}
	}
}

func (q *JobQueue) dispatcher() JobDispatcher {
	if q.durable != nil && q.available.Load() {
		return q.durable
	}
	return q.inline
}

func (q *JobQueue) dispatch(ctx context.Context, queueName, jobName string, data []byte, opts AddOptions) (JobInfo, error) {
	d := q.dispatcher()
	info, err := d.Dispatch(ctx, queueName, jobName, data, opts)
	switch {
	case err == nil:
		telemetry.JobsEnqueued.WithLabelValues(queueName, d.Mode()).Inc()
	case errors.Is(err, ErrDuplicateJob):
	case d.Mode() == ModeDurable:
		// The failed dispatch is not replayed inline.
		q.dispatchErrors.Add(1)
		q.SetBrokerAvailable(false)
	}
	return info, err
}

// AddExecuteRuleJob enqueues an execution under its idempotency key. With the
// broker down it runs the execution before returning. A duplicate key is not
// an error: the returned JobInfo has Duplicate set.
func (q *JobQueue) AddExecuteRuleJob(ctx context.Context, p models.ExecuteRulePayload) (JobInfo, error) {
	return q.AddExecuteRuleJobAfter(ctx, p, 0)
}

// AddExecuteRuleJobAfter is AddExecuteRuleJob with the durable job held back
// for delay. Inline dispatch cannot wait and runs at once.
func (q *JobQueue) AddExecuteRuleJobAfter(ctx context.Context, p models.ExecuteRulePayload, delay time.Duration) (JobInfo, error) {
	if delay < 0 {
		delay = 0
	}
	if p.RuleID == "" || p.IdempotencyKey == "" {
		return JobInfo{}, fmt.Errorf("execute-rule job needs rule id and idempotency key")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return JobInfo{}, fmt.Errorf("marshal payload: %w", err)
	}
	info, err := q.dispatch(ctx, models.QueueExecuteRule, models.JobExecuteRule, data, AddOptions{
		JobID:    p.IdempotencyKey,
		Delay:    delay,
		Attempts: q.cfg.Attempts,
		Backoff:  q.cfg.Backoff,
	})
	if errors.Is(err, ErrDuplicateJob) {
		return info, nil
	}
	return info, err
}

// AddConditionCheckJob makes sure the repeating condition check exists. With
// the broker down it runs one check inline.
func (q *JobQueue) AddConditionCheckJob(ctx context.Context) (JobInfo, error) {
	info, err := q.dispatch(ctx, models.QueueConditionCheck, models.JobConditionCheck, []byte("{}"), AddOptions{
		JobID:       ConditionCheckJobID,
		Attempts:    1,
		RepeatEvery: q.cfg.ConditionEvery,
	})
	if errors.Is(err, ErrDuplicateJob) {
		return info, nil
	}
	return info, err
}

// ScheduleDLQCleanup (re)installs the daily DLQ cleanup on the maintenance queue.
func (q *JobQueue) ScheduleDLQCleanup(ctx context.Context) (JobInfo, error) {
	if !q.IsQueueHealthy() {
		return JobInfo{}, ErrBrokerUnavailable
	}
	mq, err := q.broker.Queue(models.QueueMaintenance)
	if err != nil {
		return JobInfo{}, err
	}
	if err := mq.Remove(ctx, DLQCleanupJobID); err != nil {
		return JobInfo{}, fmt.Errorf("remove previous cleanup job: %w", err)
	}
	return q.dispatch(ctx, models.QueueMaintenance, models.JobDLQCleanup, []byte("{}"), AddOptions{
		JobID:      DLQCleanupJobID,
		Attempts:   1,
		RepeatCron: q.cfg.CleanupCron,
	})
}

// HandleFailedJob records a job that exhausted its retries. Without a durable
// broker or a DLQ the failure is only logged.
func (q *JobQueue) HandleFailedJob(ctx context.Context, queueName, jobName string, data json.RawMessage, cause error, attempts int, meta models.JobMeta) (string, error) {
	if q.IsQueueHealthy() && q.dlq != nil {
		id, err := q.dlq.AddToDLQ(ctx, queueName, jobName, data, cause, attempts, meta)
		if err == nil {
			telemetry.JobsDeadLettered.WithLabelValues(queueName).Inc()
			return id, nil
		}
		q.log.Errorw("failed to dead-letter job", "queue", queueName, "job", jobName, "error", err)
	}
	q.lostJobs.Add(1)
	q.log.Errorw("job failed permanently and was not dead-lettered",
		"queue", queueName, "job", jobName, "attempts", attempts, "rule_id", meta.RuleID, "error", cause)
	return "", nil
}

// IsQueueHealthy reports whether jobs are currently dispatched durably.
func (q *JobQueue) IsQueueHealthy() bool {
	return q.durable != nil && q.available.Load()
}

// GetQueueStatus reports mode, fallback counters and per-queue counts.
func (q *JobQueue) GetQueueStatus(ctx context.Context) Status {
	executed, failed := q.inline.Stats()
	st := Status{
		Mode:            q.dispatcher().Mode(),
		BrokerConnected: q.IsQueueHealthy(),
		FallbackJobs:    executed,
		FallbackFailed:  failed,
		DispatchErrors:  q.dispatchErrors.Load(),
		LostJobs:        q.lostJobs.Load(),
	}
	if st.BrokerConnected {
		if counts, err := q.broker.Counts(ctx); err == nil {
			st.Queues = counts
			for name, c := range counts {
				telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(c.Waiting + c.Delayed))
			}
		}
	}
	return st
}
