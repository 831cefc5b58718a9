package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rule-engine/internal/apperr"
	"rule-engine/internal/config"
	"rule-engine/internal/models"
	"rule-engine/internal/queue"
	"rule-engine/internal/telemetry"
)

// Processor consumes the broker queues and drives each job through its handler.
type Processor struct {
	cfg      config.Config
	jobs     *queue.JobQueue
	broker   *queue.Broker
	workerID string
	timeNow  func() time.Time
	log      *zap.SugaredLogger
}

// NewProcessor builds a consumer for every queue of the job queue's broker.
// Handlers are looked up on jobs by job name.
func NewProcessor(cfg config.Config, jobs *queue.JobQueue, workerID string, log *zap.SugaredLogger) *Processor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{
		cfg:      cfg,
		jobs:     jobs,
		broker:   jobs.Broker(),
		workerID: workerID,
		timeNow:  time.Now,
		log:      log.Named("processor").With("worker_id", workerID),
	}
}

// WithClock overrides the time used to promote scheduled jobs and reclaim leases.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.timeNow = now
	return p
}

// Run starts one sweeper and WORKER_CONCURRENCY consumers per queue and
// blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if p.broker == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range p.broker.Names() {
		q, err := p.broker.Queue(name)
		if err != nil {
			return err
		}
		g.Go(func() error { return p.sweep(ctx, q) })
		for i := 0; i < p.cfg.WorkerConcurrency; i++ {
			g.Go(func() error { return p.consume(ctx, q) })
		}
	}
	p.log.Infow("processor started", "queues", p.broker.Names(), "concurrency", p.cfg.WorkerConcurrency)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sweep promotes due scheduled jobs and reclaims expired leases.
func (p *Processor) sweep(ctx context.Context, q *queue.RedisQueue) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.maintain(ctx, q)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) maintain(ctx context.Context, q *queue.RedisQueue) {
	if !p.jobs.IsQueueHealthy() {
		return
	}
	now := p.timeNow()
	if _, err := q.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.log.Debugw("promote scheduled failed", "queue", q.Name(), "error", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, now, 100)
	if err != nil && ctx.Err() == nil {
		p.log.Debugw("requeue expired failed", "queue", q.Name(), "error", err)
	}
	if len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		p.log.Warnw("reclaimed expired leases", "queue", q.Name(), "jobs", reclaimed)
	}
}

func (p *Processor) consume(ctx context.Context, q *queue.RedisQueue) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !p.jobs.IsQueueHealthy() {
			if err := sleepCtx(ctx, p.cfg.WorkerPollInterval); err != nil {
				return err
			}
			continue
		}
		ran, err := p.processOne(ctx, q)
		if err != nil && ctx.Err() == nil {
			p.log.Debugw("dequeue failed", "queue", q.Name(), "error", err)
		}
		if !ran {
			if err := sleepCtx(ctx, p.cfg.WorkerPollInterval); err != nil {
				return err
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Drain promotes due jobs and processes the named queue until it has nothing
// ready. It returns how many jobs ran.
func (p *Processor) Drain(ctx context.Context, queueName string) (int, error) {
	if p.broker == nil {
		return 0, queue.ErrBrokerUnavailable
	}
	q, err := p.broker.Queue(queueName)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		p.maintain(ctx, q)
		ran, err := p.processOne(ctx, q)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

// processOne runs a single job if one is ready. Handler errors are settled
// against the queue and are not returned.
func (p *Processor) processOne(ctx context.Context, q *queue.RedisQueue) (bool, error) {
	job, err := q.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.log.With("queue", q.Name(), "job_id", job.ID, "job", job.Name, "attempt", job.Attempts)
	handler, ok := p.jobs.Handler(job.Name)
	if !ok {
		err := apperr.Newf(apperr.KindInvalidInput, "no handler registered for job %q", job.Name)
		p.settleFailure(ctx, q, job, err, log)
		return true, nil
	}

	stop := p.heartbeat(ctx, q, job.ID)
	err = handler(ctx, job)
	stop()

	if err == nil {
		if ackErr := q.Ack(ctx, job.ID); ackErr != nil {
			log.Errorw("ack failed", "error", ackErr)
		}
		telemetry.JobsCompleted.WithLabelValues(q.Name()).Inc()
		log.Debugw("job completed")
		return true, nil
	}
	p.settleFailure(ctx, q, job, err, log)
	return true, nil
}

// settleFailure retries transient failures with backoff. Exhausted or
// non-retryable failures are marked failed and handed to the DLQ.
func (p *Processor) settleFailure(ctx context.Context, q *queue.RedisQueue, job *models.Job, cause error, log *zap.SugaredLogger) {
	if apperr.Retryable(cause) {
		retried, delay, err := q.Retry(ctx, job.ID, cause)
		if err != nil {
			log.Errorw("scheduling retry failed", "error", err)
		}
		if retried {
			telemetry.JobsRetried.WithLabelValues(q.Name()).Inc()
			log.Warnw("job failed, retry scheduled", "delay", delay, "error", cause)
			return
		}
	}
	if err := q.Fail(ctx, job.ID, cause); err != nil {
		log.Errorw("marking job failed", "error", err)
	}
	dlqID, err := p.jobs.HandleFailedJob(ctx, q.Name(), job.Name, job.Data, cause, job.Attempts, metaFor(job, cause))
	if err != nil {
		log.Errorw("dead-lettering failed", "error", err)
		return
	}
	log.Warnw("job failed permanently", "dlq_id", dlqID, "retryable", apperr.Retryable(cause), "error", cause)
}

// heartbeat extends the job lease at half the visibility timeout until stopped.
func (p *Processor) heartbeat(ctx context.Context, q *queue.RedisQueue, jobID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := q.ExtendLease(hbCtx, jobID, p.cfg.VisibilityTimeout); err != nil && hbCtx.Err() == nil {
					p.log.Debugw("lease extension failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func metaFor(job *models.Job, cause error) models.JobMeta {
	meta := models.JobMeta{Priority: job.Priority}
	var ee *ExecutionError
	if errors.As(cause, &ee) {
		meta.RuleID, meta.UserID, meta.ExecutionID = ee.RuleID, ee.UserID, ee.ExecutionID
		return meta
	}
	if job.Name == models.JobExecuteRule {
		var payload models.ExecuteRulePayload
		if err := json.Unmarshal(job.Data, &payload); err == nil {
			meta.RuleID = payload.RuleID
		}
	}
	return meta
}
