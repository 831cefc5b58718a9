package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rule-engine/internal/apperr"
)

// State is the circuit breaker state.
//
//	CLOSED ──[threshold failures]──► OPEN
//	   ▲                              │ recoveryTimeout elapsed + new call
//	   └──────[trial success]── HALF_OPEN ──[trial failure]──► OPEN
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BreakerConfig configures one breaker.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Metrics is a snapshot of a breaker's counters.
type Metrics struct {
	Service             string     `json:"service"`
	State               State      `json:"state"`
	Failures            int        `json:"failures"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Successes           int        `json:"successes"`
	TotalRequests       int        `json:"total_requests"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	NextAttempt         *time.Time `json:"next_attempt,omitempty"`
}

// FailureRate is failures over total requests, zero when idle.
func (m Metrics) FailureRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.Failures) / float64(m.TotalRequests)
}

// CircuitBreakerError is returned without invoking the operation while the circuit is open.
type CircuitBreakerError struct {
	Metrics Metrics
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (failures=%d, next attempt %s)",
		e.Metrics.Service, e.Metrics.Failures, formatTime(e.Metrics.NextAttempt))
}

// ErrorKind tags the error as KindCircuitOpen for classification.
func (e *CircuitBreakerError) ErrorKind() apperr.Kind { return apperr.KindCircuitOpen }

// CircuitBreaker tracks failures of one external service. Safe for concurrent use.
type CircuitBreaker struct {
	name    string
	cfg     BreakerConfig
	timeNow func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	consecutive int
	successes   int
	total       int
	lastFailure time.Time
	lastSuccess time.Time
	nextAttempt time.Time

	// Set while the single HALF_OPEN trial call is running.
	trialInFlight bool
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig, timeNow func() time.Time) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if timeNow == nil {
		timeNow = time.Now
	}
	return &CircuitBreaker{name: name, cfg: cfg, timeNow: timeNow, state: StateClosed}
}

// Execute runs op if the circuit allows it and records the outcome. The
// operation's own error is always returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := cb.allow()
	if err != nil {
		return err
	}
	err = op(ctx)
	cb.record(err, trial)
	return err
}

// allow admits a call and reports whether it is the HALF_OPEN trial. While a
// trial is in flight every other call is rejected as if the circuit were open.
func (cb *CircuitBreaker) allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.timeNow().Before(cb.nextAttempt) {
			return false, &CircuitBreakerError{Metrics: cb.snapshotLocked()}
		}
		cb.state = StateHalfOpen
	}
	trial := false
	if cb.state == StateHalfOpen {
		if cb.trialInFlight {
			return false, &CircuitBreakerError{Metrics: cb.snapshotLocked()}
		}
		cb.trialInFlight = true
		trial = true
	}
	cb.total++
	return trial, nil
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if trial {
		cb.trialInFlight = false
	}

	now := cb.timeNow()
	if err == nil {
		cb.successes++
		cb.consecutive = 0
		cb.lastSuccess = now
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.failures = 0
		}
		return
	}

	cb.failures++
	cb.consecutive++
	cb.lastFailure = now
	// A failed trial reopens at once; otherwise wait for the threshold.
	if cb.state == StateHalfOpen || cb.consecutive >= cb.cfg.FailureThreshold {
		cb.state = StateOpen
		cb.nextAttempt = now.Add(cb.cfg.RecoveryTimeout)
	}
}

// Reset returns the breaker to CLOSED with zeroed counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.trialInFlight = false
	cb.failures, cb.consecutive, cb.successes, cb.total = 0, 0, 0, 0
	cb.lastFailure, cb.lastSuccess, cb.nextAttempt = time.Time{}, time.Time{}, time.Time{}
}

// State returns the current state without transitioning.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot of the counters.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

func (cb *CircuitBreaker) snapshotLocked() Metrics {
	return Metrics{
		Service:             cb.name,
		State:               cb.state,
		Failures:            cb.failures,
		ConsecutiveFailures: cb.consecutive,
		Successes:           cb.successes,
		TotalRequests:       cb.total,
		LastFailure:         timePtr(cb.lastFailure),
		LastSuccess:         timePtr(cb.lastSuccess),
		NextAttempt:         timePtr(cb.nextAttempt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "n/a"
	}
	return t.UTC().Format(time.RFC3339)
}
