// Package monitor aggregates engine health into the metrics and alerts
// served to the admin dashboard.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rule-engine/internal/apperr"
	"rule-engine/internal/dlq"
	"rule-engine/internal/queue"
	"rule-engine/internal/safety"
	"rule-engine/internal/store"
	"rule-engine/internal/telemetry"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Component statuses.
const (
	StatusUp       = "up"
	StatusDown     = "down"
	StatusDisabled = "disabled"
)

// DLQStats reports dead letter counts.
type DLQStats interface {
	GetDLQStats(ctx context.Context) (dlq.Stats, error)
}

// QueueStatus reports broker connectivity and fallback counters.
type QueueStatus interface {
	GetQueueStatus(ctx context.Context) queue.Status
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the subsystems a Monitor reads from. DLQ, Queue and Redis may be nil.
type Deps struct {
	Safety *safety.Controller
	Store  store.Store
	DLQ    DLQStats
	Queue  QueueStatus
	Redis  Pinger
}

// Config sets alert thresholds.
type Config struct {
	DLQBacklog  int64
	ErrorRate   float64
	MinRequests int64
	PingTimeout time.Duration
}

// Metrics is the dashboard payload.
type Metrics struct {
	Health         Health         `json:"health"`
	Performance    Performance    `json:"performance"`
	Business       Business       `json:"business"`
	Infrastructure Infrastructure `json:"infrastructure"`
	CollectedAt    time.Time      `json:"collectedAt"`
}

// Health is the breaker-derived service health.
type Health struct {
	Overall  string                          `json:"overall"`
	Services map[string]safety.ServiceHealth `json:"services"`
	Uptime   float64                         `json:"uptime"`
}

// Performance summarises admin API traffic.
type Performance struct {
	AvgResponseTime   float64 `json:"avgResponseTime"`
	ErrorRate         float64 `json:"errorRate"`
	Throughput        float64 `json:"throughput"`
	ActiveConnections int64   `json:"activeConnections"`
}

// Business holds today's rule activity.
type Business struct {
	ActiveRules     int64           `json:"activeRules"`
	ExecutionsToday int64           `json:"executionsToday"`
	TotalVolumeUSD  decimal.Decimal `json:"totalVolumeUSD"`
	SuccessRate     float64         `json:"successRate"`
}

// Component is the reachability of one backing service.
type Component struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// DLQHealth is the dead letter backlog.
type DLQHealth struct {
	Status    string `json:"status"`
	Entries   int64  `json:"entries"`
	Retryable int64  `json:"retryable"`
}

// Infrastructure covers the backing services.
type Infrastructure struct {
	Database Component     `json:"database"`
	Redis    Component     `json:"redis"`
	DLQ      DLQHealth     `json:"dlq"`
	Queue    *queue.Status `json:"queue,omitempty"`
}

// Alert is a condition derived from the last collection. Its id is stable for
// as long as the condition holds.
type Alert struct {
	ID         string     `json:"id"`
	Severity   string     `json:"severity"`
	Source     string     `json:"source"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"createdAt"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Monitor collects metrics and tracks alerts.
type Monitor struct {
	deps    Deps
	cfg     Config
	started time.Time
	timeNow func() time.Time
	log     *zap.SugaredLogger

	requests   atomic.Int64
	errors     atomic.Int64
	totalNanos atomic.Int64
	active     atomic.Int64

	mu     sync.Mutex
	alerts map[string]*Alert
}

// New builds a monitor.
func New(deps Deps, cfg Config, log *zap.SugaredLogger) *Monitor {
	return NewWithClock(deps, cfg, log, time.Now)
}

// NewWithClock builds a monitor with an injectable clock.
func NewWithClock(deps Deps, cfg Config, log *zap.SugaredLogger, timeNow func() time.Time) *Monitor {
	if cfg.DLQBacklog <= 0 {
		cfg.DLQBacklog = 50
	}
	if cfg.ErrorRate <= 0 {
		cfg.ErrorRate = 0.1
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 20
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Monitor{
		deps:    deps,
		cfg:     cfg,
		started: timeNow(),
		timeNow: timeNow,
		log:     log.Named("monitor"),
		alerts:  make(map[string]*Alert),
	}
}

// RecordRequest adds one served request to the performance counters.
func (m *Monitor) RecordRequest(d time.Duration, failed bool) {
	m.requests.Add(1)
	m.totalNanos.Add(int64(d))
	if failed {
		m.errors.Add(1)
	}
}

// ConnOpened and ConnClosed track in-flight requests.
func (m *Monitor) ConnOpened() { m.active.Add(1) }

func (m *Monitor) ConnClosed() { m.active.Add(-1) }

// Collect gathers a fresh snapshot and re-derives alerts from it.
func (m *Monitor) Collect(ctx context.Context) Metrics {
	now := m.timeNow()
	out := Metrics{CollectedAt: now.UTC()}

	if m.deps.Safety != nil {
		h := m.deps.Safety.GetSystemHealth()
		out.Health = Health{Overall: h.Overall, Services: h.Services}
		for name, s := range h.Services {
			telemetry.BreakerStateGauge.WithLabelValues(name).Set(float64(s.State))
		}
	} else {
		out.Health = Health{Overall: safety.HealthHealthy, Services: map[string]safety.ServiceHealth{}}
	}
	out.Health.Uptime = now.Sub(m.started).Seconds()
	out.Performance = m.performance(now)
	out.Business = m.business(ctx, now)
	out.Infrastructure = m.infrastructure(ctx)

	m.deriveAlerts(out, now)
	return out
}

func (m *Monitor) performance(now time.Time) Performance {
	n := m.requests.Load()
	p := Performance{ActiveConnections: m.active.Load()}
	if n == 0 {
		return p
	}
	p.AvgResponseTime = float64(m.totalNanos.Load()) / float64(n) / float64(time.Millisecond)
	p.ErrorRate = float64(m.errors.Load()) / float64(n)
	if mins := now.Sub(m.started).Minutes(); mins > 0 {
		p.Throughput = float64(n) / mins
	}
	return p
}

func (m *Monitor) business(ctx context.Context, now time.Time) Business {
	b := Business{TotalVolumeUSD: decimal.Zero, SuccessRate: 100}
	if m.deps.Store == nil {
		return b
	}
	if n, err := m.deps.Store.CountActiveRules(ctx); err == nil {
		b.ActiveRules = n
	} else {
		m.log.Debugw("count active rules failed", "error", err)
	}
	stats, err := m.deps.Store.ExecutionStats(ctx, store.StartOfDay(now))
	if err != nil {
		m.log.Debugw("execution stats failed", "error", err)
		return b
	}
	b.ExecutionsToday = stats.Total
	b.TotalVolumeUSD = stats.VolumeUSD
	if done := stats.Completed + stats.Failed; done > 0 {
		b.SuccessRate = float64(stats.Completed) / float64(done) * 100
	}
	return b
}

func (m *Monitor) infrastructure(ctx context.Context) Infrastructure {
	var inf Infrastructure
	inf.Database = m.ping(ctx, m.deps.Store)
	inf.Redis = m.ping(ctx, m.deps.Redis)
	inf.DLQ = DLQHealth{Status: StatusDisabled}
	if m.deps.DLQ != nil {
		stats, err := m.deps.DLQ.GetDLQStats(ctx)
		if err != nil {
			inf.DLQ.Status = StatusDown
		} else {
			inf.DLQ = DLQHealth{Status: StatusUp, Entries: stats.TotalEntries, Retryable: stats.RetryableEntries}
		}
	}
	if m.deps.Queue != nil {
		st := m.deps.Queue.GetQueueStatus(ctx)
		inf.Queue = &st
	}
	return inf
}

func (m *Monitor) ping(ctx context.Context, p Pinger) Component {
	if p == nil {
		return Component{Status: StatusDisabled}
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Component{Status: StatusDown, Error: err.Error()}
	}
	return Component{Status: StatusUp}
}

type condition struct {
	id, severity, source, message string
}

func (m *Monitor) conditions(mx Metrics) []condition {
	var out []condition
	for name, s := range mx.Health.Services {
		if s.Status == safety.HealthHealthy {
			continue
		}
		sev := SeverityWarning
		if s.Status == safety.HealthCritical {
			sev = SeverityCritical
		}
		out = append(out, condition{
			id: "service:" + name, severity: sev, source: "safety",
			message: fmt.Sprintf("%s is %s (circuit %s, failure rate %.0f%%)", name, s.Status, s.State, s.FailureRate*100),
		})
	}
	if d := mx.Infrastructure.DLQ; d.Status == StatusUp && d.Entries >= m.cfg.DLQBacklog {
		out = append(out, condition{
			id: "dlq:backlog", severity: SeverityWarning, source: "dlq",
			message: fmt.Sprintf("%d jobs in the dead letter queue (%d retryable)", d.Entries, d.Retryable),
		})
	}
	if m.requests.Load() >= m.cfg.MinRequests && mx.Performance.ErrorRate >= m.cfg.ErrorRate {
		out = append(out, condition{
			id: "api:error-rate", severity: SeverityWarning, source: "api",
			message: fmt.Sprintf("error rate %.1f%%", mx.Performance.ErrorRate*100),
		})
	}
	for name, c := range map[string]Component{"database": mx.Infrastructure.Database, "redis": mx.Infrastructure.Redis} {
		if c.Status == StatusDown {
			out = append(out, condition{id: "infra:" + name, severity: SeverityCritical, source: "infrastructure", message: name + " unreachable: " + c.Error})
		}
	}
	if q := mx.Infrastructure.Queue; q != nil && q.LostJobs > 0 {
		out = append(out, condition{
			id: "queue:lost-jobs", severity: SeverityCritical, source: "queue",
			message: fmt.Sprintf("%d failed jobs could not be dead-lettered", q.LostJobs),
		})
	}
	return out
}

// deriveAlerts raises new conditions, refreshes open ones and drops alerts
// whose condition cleared. A resolved alert stays resolved while its
// condition persists.
func (m *Monitor) deriveAlerts(mx Metrics, now time.Time) {
	current := m.conditions(mx)
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(current))
	for _, c := range current {
		seen[c.id] = true
		if a, ok := m.alerts[c.id]; ok {
			a.Severity, a.Message = c.severity, c.message
			continue
		}
		m.alerts[c.id] = &Alert{ID: c.id, Severity: c.severity, Source: c.source, Message: c.message, CreatedAt: now.UTC()}
		m.log.Warnw("alert raised", "alert_id", c.id, "severity", c.severity, "message", c.message)
	}
	for id := range m.alerts {
		if !seen[id] {
			delete(m.alerts, id)
			m.log.Infow("alert cleared", "alert_id", id)
		}
	}
}

// Alerts returns the alerts of the last collection, critical first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity == SeverityCritical
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ResolveAlert acknowledges an alert. Resolving twice is a no-op.
func (m *Monitor) ResolveAlert(id string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, apperr.Newf(apperr.KindNotFound, "alert %s not found", id)
	}
	if !a.Resolved {
		at := m.timeNow().UTC()
		a.Resolved, a.ResolvedAt = true, &at
		m.log.Infow("alert resolved", "alert_id", id)
	}
	return *a, nil
}

// ResetCircuitBreakers closes every breaker and drops the service alerts.
func (m *Monitor) ResetCircuitBreakers() {
	if m.deps.Safety != nil {
		m.deps.Safety.ResetAllCircuitBreakers()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.alerts {
		if strings.HasPrefix(id, "service:") {
			delete(m.alerts, id)
		}
	}
}
