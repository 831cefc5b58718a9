package safety

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rule-engine/internal/apperr"
)

// Service keys of the protected external dependencies.
const (
	ServiceGasOracle      = "gas_oracle"
	ServiceFXOracle       = "fx_oracle"
	ServiceSecretsManager = "secrets_manager"
	ServiceCircleAPI      = "circle_api"
	ServiceLLM            = "llm_service"
)

// ErrBreakerNotFound is returned for an unconfigured service key.
var ErrBreakerNotFound = apperr.New(apperr.KindNotFound, "circuit breaker not found")

// DefaultBreakers returns the per-service breaker configuration.
func DefaultBreakers() map[string]BreakerConfig {
	return map[string]BreakerConfig{
		ServiceGasOracle:      {FailureThreshold: 3, RecoveryTimeout: 30 * time.Second},
		ServiceFXOracle:       {FailureThreshold: 2, RecoveryTimeout: 60 * time.Second},
		ServiceSecretsManager: {FailureThreshold: 2, RecoveryTimeout: 15 * time.Second},
		ServiceCircleAPI:      {FailureThreshold: 5, RecoveryTimeout: 120 * time.Second},
		ServiceLLM:            {FailureThreshold: 3, RecoveryTimeout: 45 * time.Second},
	}
}

// CriticalServices must be healthy before irreversible operations run.
var CriticalServices = []string{ServiceCircleAPI, ServiceSecretsManager}

// Health statuses, ordered from best to worst.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// Policy holds execution-time safety limits.
type Policy struct {
	MaxAmountUSD         decimal.Decimal
	ApprovalThresholdUSD decimal.Decimal
	MaxConcurrent        int
	MaxDaily             int
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAmountUSD:         decimal.NewFromInt(10000),
		ApprovalThresholdUSD: decimal.NewFromInt(1000),
		MaxConcurrent:        10,
		MaxDaily:             100,
	}
}

// Config configures a Controller.
type Config struct {
	Breakers       map[string]BreakerConfig
	Policy         Policy
	HealthCacheTTL time.Duration
}

// ServiceHealth is the health of one protected service.
type ServiceHealth struct {
	Status      string  `json:"status"`
	State       State   `json:"state"`
	FailureRate float64 `json:"failure_rate"`
	Metrics     Metrics `json:"metrics"`
}

// SystemHealth aggregates all breakers.
type SystemHealth struct {
	Overall   string                   `json:"overall"`
	Services  map[string]ServiceHealth `json:"services"`
	CheckedAt time.Time                `json:"checked_at"`
}

// ExecutionRequest describes an execution about to run.
type ExecutionRequest struct {
	AmountUSD            decimal.Decimal
	ConcurrentExecutions int
	DailyExecutions      int
}

// Rejection reasons returned by ValidateExecution.
const (
	ReasonAmountExceeded    = "amount_exceeds_limit"
	ReasonConcurrencyCapped = "concurrency_limit_reached"
	ReasonDailyCapped       = "daily_limit_reached"
)

// ValidationResult is the outcome of ValidateExecution. RequiresApproval is
// advisory and never blocks.
type ValidationResult struct {
	Allowed          bool     `json:"allowed"`
	Reasons          []string `json:"reasons,omitempty"`
	RequiresApproval bool     `json:"requires_approval"`
}

// Controller owns the named circuit breakers and the execution policy.
type Controller struct {
	breakers map[string]*CircuitBreaker
	policy   Policy
	cacheTTL time.Duration
	timeNow  func() time.Time
	log      *zap.SugaredLogger

	mu          sync.Mutex
	cached      *SystemHealth
	cachedUntil time.Time
}

// NewController builds a controller with one breaker per configured service.
func NewController(cfg Config, log *zap.SugaredLogger) *Controller {
	return NewControllerWithClock(cfg, log, time.Now)
}

// NewControllerWithClock builds a controller with an injectable clock.
func NewControllerWithClock(cfg Config, log *zap.SugaredLogger, timeNow func() time.Time) *Controller {
	if cfg.Breakers == nil {
		cfg.Breakers = DefaultBreakers()
	}
	if cfg.HealthCacheTTL == 0 {
		cfg.HealthCacheTTL = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Controller{
		breakers: make(map[string]*CircuitBreaker, len(cfg.Breakers)),
		policy:   cfg.Policy,
		cacheTTL: cfg.HealthCacheTTL,
		timeNow:  timeNow,
		log:      log.Named("safety"),
	}
	for name, bc := range cfg.Breakers {
		c.breakers[name] = NewCircuitBreaker(name, bc, timeNow)
	}
	return c
}

// ExecuteWithProtection runs op through the breaker of serviceKey.
func (c *Controller) ExecuteWithProtection(ctx context.Context, serviceKey string, op func(ctx context.Context) error) error {
	cb, ok := c.breakers[serviceKey]
	if !ok {
		return apperr.Wrap(apperr.KindNotFound, ErrBreakerNotFound, "service "+serviceKey)
	}
	before := cb.State()
	err := cb.Execute(ctx, op)
	if after := cb.State(); after != before {
		c.log.Warnw("circuit breaker transition", "service", serviceKey, "from", before, "to", after)
	}
	return err
}

// Call is ExecuteWithProtection for operations that return a value.
func Call[T any](ctx context.Context, c *Controller, serviceKey string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.ExecuteWithProtection(ctx, serviceKey, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsServiceHealthy reports whether the breaker of serviceKey is not OPEN.
// Unknown services are unhealthy.
func (c *Controller) IsServiceHealthy(serviceKey string) bool {
	cb, ok := c.breakers[serviceKey]
	if !ok {
		return false
	}
	return cb.State() != StateOpen
}

// IsSystemSafe is true only when every critical service is healthy.
func (c *Controller) IsSystemSafe() bool {
	for _, s := range CriticalServices {
		if !c.IsServiceHealthy(s) {
			return false
		}
	}
	return true
}

// GetSystemHealth aggregates breaker states, cached for the configured TTL.
func (c *Controller) GetSystemHealth() SystemHealth {
	now := c.timeNow()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && now.Before(c.cachedUntil) {
		return *c.cached
	}

	health := SystemHealth{
		Overall:   HealthHealthy,
		Services:  make(map[string]ServiceHealth, len(c.breakers)),
		CheckedAt: now,
	}
	for name, cb := range c.breakers {
		m := cb.Metrics()
		sh := ServiceHealth{
			Status:      serviceStatus(m),
			State:       m.State,
			FailureRate: m.FailureRate(),
			Metrics:     m,
		}
		health.Services[name] = sh
		if severity(sh.Status) > severity(health.Overall) {
			health.Overall = sh.Status
		}
	}
	c.cached = &health
	c.cachedUntil = now.Add(c.cacheTTL)
	return health
}

func serviceStatus(m Metrics) string {
	rate := m.FailureRate()
	switch {
	case m.State == StateOpen:
		return HealthCritical
	case m.State == StateClosed && rate < 0.1:
		return HealthHealthy
	case m.State == StateHalfOpen || rate < 0.5:
		return HealthDegraded
	default:
		return HealthCritical
	}
}

func severity(status string) int {
	switch status {
	case HealthCritical:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

// ValidateExecution applies the amount, concurrency and daily caps.
func (c *Controller) ValidateExecution(req ExecutionRequest) ValidationResult {
	res := ValidationResult{Allowed: true}
	p := c.policy
	if p.MaxAmountUSD.IsPositive() && req.AmountUSD.GreaterThan(p.MaxAmountUSD) {
		res.Allowed = false
		res.Reasons = append(res.Reasons, ReasonAmountExceeded)
	}
	if p.MaxConcurrent > 0 && req.ConcurrentExecutions >= p.MaxConcurrent {
		res.Allowed = false
		res.Reasons = append(res.Reasons, ReasonConcurrencyCapped)
	}
	if p.MaxDaily > 0 && req.DailyExecutions >= p.MaxDaily {
		res.Allowed = false
		res.Reasons = append(res.Reasons, ReasonDailyCapped)
	}
	if p.ApprovalThresholdUSD.IsPositive() && req.AmountUSD.GreaterThan(p.ApprovalThresholdUSD) {
		res.RequiresApproval = true
	}
	return res
}

// ResetAllCircuitBreakers closes every breaker and drops the health cache.
func (c *Controller) ResetAllCircuitBreakers() {
	for _, cb := range c.breakers {
		cb.Reset()
	}
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	c.log.Warnw("all circuit breakers reset")
}

// Services lists the configured service keys in sorted order.
func (c *Controller) Services() []string {
	out := make([]string, 0, len(c.breakers))
	for name := range c.breakers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Breaker returns the breaker for serviceKey.
func (c *Controller) Breaker(serviceKey string) (*CircuitBreaker, bool) {
	cb, ok := c.breakers[serviceKey]
	return cb, ok
}
