// Package app wires the engine's services together and supervises their
// background loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rule-engine/internal/api"
	"rule-engine/internal/apperr"
	"rule-engine/internal/archive"
	"rule-engine/internal/condition"
	"rule-engine/internal/config"
	"rule-engine/internal/dlq"
	"rule-engine/internal/models"
	"rule-engine/internal/monitor"
	"rule-engine/internal/oracle"
	"rule-engine/internal/provider"
	"rule-engine/internal/queue"
	"rule-engine/internal/ratelimit"
	"rule-engine/internal/safety"
	"rule-engine/internal/scheduler"
	"rule-engine/internal/secrets"
	"rule-engine/internal/store"
	"rule-engine/internal/worker"
)

// App holds every service of a running engine.
type App struct {
	Config    config.Config
	Store     store.Store
	Redis     *redis.Client
	Broker    *queue.Broker
	DLQ       *dlq.DLQ
	Jobs      *queue.JobQueue
	Safety    *safety.Controller
	Provider  *provider.Simulated
	Gas       *oracle.GasOracle
	FX        *oracle.FXOracle
	Feed      *condition.Feed
	Executor  *worker.Executor
	Processor *worker.Processor
	Scheduler *scheduler.Scheduler
	Checker   *condition.Checker
	Monitor   *monitor.Monitor
	API       *api.Server

	log *zap.SugaredLogger
}

// Build constructs the engine from cfg. An empty POSTGRES_DSN selects the
// in-memory store and an empty REDIS_ADDR runs every job inline. A configured
// but unreachable Redis starts the engine in inline mode until the broker
// watch sees it come back.
func Build(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*App, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &App{Config: cfg, log: log}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.Store = st

	a.Safety = safety.NewController(safety.Config{
		Policy: safety.Policy{
			MaxAmountUSD:         decimal.NewFromFloat(cfg.SafetyMaxAmountUSD),
			ApprovalThresholdUSD: decimal.NewFromFloat(cfg.SafetyApprovalThresholdUSD),
			MaxConcurrent:        cfg.SafetyMaxConcurrent,
			MaxDaily:             cfg.SafetyMaxDaily,
		},
		HealthCacheTTL: cfg.HealthCacheTTL,
	}, log)

	apiKey, err := secrets.NewManager(a.Safety, nil).Get(ctx, cfg.ProviderAPIKeyEnv)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			a.Close()
			return nil, err
		}
		log.Warnw("provider api key not set, using the simulated provider without credentials", "env", cfg.ProviderAPIKeyEnv)
	}
	a.Provider = provider.NewSimulated(provider.SimulatedConfig{
		APIKey:         apiKey,
		InitialBalance: decimal.NewFromFloat(cfg.SimulatedBalanceUSD),
	})

	a.Gas = oracle.NewGasOracle(oracle.Config{URL: cfg.GasFeedURL, CacheTTL: cfg.OracleCacheTTL, Timeout: cfg.OracleTimeout}, a.Safety, log)
	a.FX = oracle.NewFXOracle(oracle.Config{URL: cfg.FXFeedURL, CacheTTL: cfg.OracleCacheTTL, Timeout: cfg.OracleTimeout}, a.Safety, log)

	if err := a.buildQueue(ctx, cfg, log); err != nil {
		a.Close()
		return nil, err
	}

	deps := worker.Deps{Store: st, Provider: a.Provider, Safety: a.Safety, Fees: a.Gas}
	if a.Redis != nil {
		deps.Limiter = ratelimit.NewTokenBucket(a.Redis, cfg.TransferRateCapacity, cfg.TransferRateRefill, time.Hour)
	}
	a.Executor = worker.NewExecutor(deps, worker.ExecutorConfig{
		BalanceBuffer: decimal.NewFromFloat(cfg.BalanceSafetyBufferUSD),
	}, log)

	a.Feed = condition.NewFeed(a.FX, condition.FeedConfig{
		Step:            cfg.FXRefreshInterval,
		MarketOpenHour:  cfg.MarketOpenHourUTC,
		MarketCloseHour: cfg.MarketCloseHourUTC,
	}, nil, log)
	if err := a.Feed.Seed(ctx, time.Now().UTC()); err != nil {
		log.Warnw("fx feed seed failed", "error", err)
	}
	a.Checker = condition.NewChecker(st, a.Jobs, a.Feed, condition.Config{
		Interval:        cfg.ConditionInterval,
		RefreshInterval: cfg.FXRefreshInterval,
		Debounce:        cfg.ConditionDebounce,
	}, log)
	a.Scheduler = scheduler.New(st, a.Jobs, scheduler.Config{
		Interval:  cfg.SchedulerInterval,
		Lookahead: cfg.SchedulerLookahead,
		DueWindow: cfg.SchedulerDueWindow,
	}, log)

	a.Jobs.Register(models.JobExecuteRule, a.Executor.Handle)
	a.Jobs.Register(models.JobConditionCheck, a.Checker.Handle)
	if a.DLQ != nil {
		a.Jobs.Register(models.JobDLQCleanup, a.DLQ.CleanupHandler(int(cfg.DLQTTL/(24*time.Hour))))
	}
	a.Processor = worker.NewProcessor(cfg, a.Jobs, workerID(cfg), log)

	mdeps := monitor.Deps{Safety: a.Safety, Store: st, Queue: a.Jobs}
	adeps := api.Deps{Jobs: a.Jobs, Store: st}
	if a.DLQ != nil {
		mdeps.DLQ = a.DLQ
		adeps.DLQ = a.DLQ
	}
	if a.Broker != nil {
		mdeps.Redis = a.Broker
	}
	a.Monitor = monitor.New(mdeps, monitor.Config{}, log)
	adeps.Monitor = a.Monitor
	a.API = api.New(adeps, log)

	log.Infow("engine built", "queue_mode", a.Jobs.GetQueueStatus(ctx).Mode, "postgres", cfg.PostgresDSN != "")
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (store.Store, error) {
	if cfg.PostgresDSN == "" {
		log.Warnw("POSTGRES_DSN not set, using the in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return pg, nil
}

func (a *App) buildQueue(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	qcfg := queue.Config{
		Attempts:       cfg.JobAttempts,
		Backoff:        cfg.BackoffInitial,
		ConditionEvery: cfg.ConditionInterval,
		CleanupCron:    cfg.DLQCleanupCron,
	}
	if cfg.RedisAddr == "" {
		log.Warnw("REDIS_ADDR not set, jobs run inline")
		a.Jobs = queue.NewJobQueue(nil, nil, qcfg, log)
		return nil
	}

	a.Redis = queue.NewRedisClient(cfg)
	a.Broker = queue.NewBroker(a.Redis, queue.OptionsFromConfig(cfg))
	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dlq archive: %w", err)
	}
	a.DLQ = dlq.New(a.Redis, a.Broker, dlq.Options{
		TTL:         cfg.DLQTTL,
		MaxAttempts: cfg.DLQMaxAttempts,
		Archiver:    archiver,
	}, log)
	a.Jobs = queue.NewJobQueue(a.Broker, a.DLQ, qcfg, log)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Broker.Ping(pingCtx); err != nil {
		log.Warnw("redis unreachable at startup, jobs run inline until it recovers", "addr", cfg.RedisAddr, "error", err)
		a.Jobs.SetBrokerAvailable(false)
	}
	return nil
}

func workerID(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

// Run starts the consumer, scheduler, condition checker, broker watch,
// monitor and HTTP server, and blocks until ctx is cancelled or one of them
// fails.
func (a *App) Run(ctx context.Context) error {
	if a.Jobs.IsQueueHealthy() {
		if err := a.Jobs.EnsureRepeatJobs(ctx); err != nil {
			a.log.Warnw("repeat jobs not installed", "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:              ":" + a.Config.HTTPPort,
		Handler:           a.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Jobs.Watch(ctx, a.Config.BrokerHealthInterval) })
	g.Go(func() error { return a.Processor.Run(ctx) })
	g.Go(func() error { return a.Scheduler.Run(ctx) })
	g.Go(func() error { return a.Checker.Run(ctx) })
	g.Go(func() error { return a.monitorLoop(ctx) })
	g.Go(func() error {
		a.log.Infow("admin api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// monitorLoop collects periodically so alerts are raised without a dashboard
// polling for them.
func (a *App) monitorLoop(ctx context.Context) error {
	interval := a.Config.MonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Monitor.Collect(ctx)
		}
	}
}

// Close releases the store and the Redis client.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
