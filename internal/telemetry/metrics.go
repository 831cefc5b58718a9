package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rule_engine_jobs_enqueued_total", Help: "Jobs dispatched, by queue and mode"}, []string{"queue", "mode"})
	JobsCompleted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rule_engine_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobsRetried        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rule_engine_jobs_retried_total", Help: "Jobs that failed and will retry"}, []string{"queue"})
	JobsDeadLettered   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rule_engine_jobs_dead_letter_total", Help: "Jobs moved to the DLQ"}, []string{"queue"})
	QueueDepthGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "rule_engine_queue_depth", Help: "Waiting jobs per queue"}, []string{"queue"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_jobs_inflight", Help: "Jobs currently leased"})
	BrokerAvailable    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rule_engine_broker_available", Help: "1 when jobs go through the broker, 0 in inline fallback"})
	Executions         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rule_engine_executions_total", Help: "Rule executions by outcome"}, []string{"status"})
	ExecutionErrors    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rule_engine_execution_errors_total", Help: "Failed executions by category"}, []string{"category"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "rule_engine_rate_limit_rejects_total", Help: "Transfers rejected by the per-user rate limiter"})
	ScheduledTriggers  = prometheus.NewCounter(prometheus.CounterOpts{Name: "rule_engine_schedule_triggers_total", Help: "Executions enqueued by the cron scheduler"})
	ConditionTriggers  = prometheus.NewCounter(prometheus.CounterOpts{Name: "rule_engine_condition_triggers_total", Help: "Executions enqueued by the condition checker"})
	BreakerStateGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "rule_engine_circuit_breaker_state", Help: "0 closed, 1 open, 2 half-open"}, []string{"service"})
	HTTPRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "rule_engine_http_request_seconds", Help: "Admin API latency", Buckets: prometheus.DefBuckets}, []string{"route", "code"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			QueueDepthGauge,
			InFlightGauge,
			BrokerAvailable,
			Executions,
			ExecutionErrors,
			RateLimitRejects,
			ScheduledTriggers,
			ConditionTriggers,
			BreakerStateGauge,
			HTTPRequestLatency,
		)
	})
	return promhttp.Handler()
}
