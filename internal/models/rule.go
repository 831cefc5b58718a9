package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"rule-engine/internal/apperr"
)

// Rule types.
const (
	RuleTypeSchedule    = "schedule"
	RuleTypeConditional = "conditional"
)

// Rule statuses persisted in Postgres.
const (
	RuleStatusActive    = "ACTIVE"
	RuleStatusPaused    = "PAUSED"
	RuleStatusFailed    = "FAILED"
	RuleStatusCompleted = "COMPLETED"
)

// Pause reasons. Only the automatic backoff reasons are resumed by the scheduler.
const (
	PauseReasonManual            = "manual"
	PauseReasonInsufficientFunds = "insufficient_funds"
	PauseReasonRateLimited       = "rate_limited"
)

// AutoPauseReasons lists pause reasons the scheduler may lift once nextRunAt passes.
var AutoPauseReasons = []string{PauseReasonInsufficientFunds, PauseReasonRateLimited}

// Destination types.
const (
	DestinationAddress = "address"
	DestinationContact = "contact"
)

// Condition change directions.
const (
	ChangeUp   = "+%"
	ChangeDown = "-%"
)

// Rule is a persisted automation definition.
type Rule struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Body        RuleBody   `json:"body"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	PauseReason string     `json:"pause_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// User is the rule owner as loaded alongside a rule.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// RuleBody is the validated rule JSON produced by the rule-creation flow.
type RuleBody struct {
	Type        string      `json:"type" validate:"required,oneof=schedule conditional"`
	Asset       string      `json:"asset" validate:"required,eq=USDC"`
	Amount      Amount      `json:"amount"`
	Destination Destination `json:"destination" validate:"required"`
	Routing     Routing     `json:"routing"`
	Limits      Limits      `json:"limits"`
	Schedule    *Schedule   `json:"schedule,omitempty" validate:"omitempty"`
	Condition   *Condition  `json:"condition,omitempty" validate:"omitempty"`
}

// Amount is the per-execution transfer amount in asset units (USDC ~ USD).
type Amount struct {
	Value decimal.Decimal `json:"value"`
}

// Destination is either a raw address or a named contact of the owner.
type Destination struct {
	Type  string `json:"type" validate:"required,oneof=address contact"`
	Value string `json:"value" validate:"required"`
	Chain string `json:"chain,omitempty"`
}

// Routing expresses chain preferences for the quoter.
type Routing struct {
	Optimize      string   `json:"optimize,omitempty" validate:"omitempty,oneof=cost speed"`
	AllowedChains []string `json:"allowed_chains,omitempty"`
}

// Limits are per-rule spending caps. Zero means unlimited.
type Limits struct {
	MaxPerTxUSD decimal.Decimal `json:"max_per_tx_usd"`
	DailyCapUSD decimal.Decimal `json:"daily_cap_usd"`
}

// Schedule is the cron trigger of a schedule rule.
type Schedule struct {
	Cron     string `json:"cron" validate:"required"`
	Timezone string `json:"timezone,omitempty"`
}

// Condition is the FX trigger of a conditional rule.
type Condition struct {
	Metric    string  `json:"metric" validate:"required"`
	Change    string  `json:"change" validate:"required,oneof=+% -%"`
	Magnitude float64 `json:"magnitude" validate:"gt=0"`
	Window    string  `json:"window" validate:"required,oneof=5m 15m 1h 24h"`
}

var validate = validator.New()

// Validate checks structural rules and that exactly one trigger matches Type.
func (b RuleBody) Validate() error {
	if err := validate.Struct(b); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid rule body")
	}
	if !b.Amount.Value.IsPositive() {
		return apperr.New(apperr.KindValidation, "invalid rule body: amount must be positive")
	}
	switch b.Type {
	case RuleTypeSchedule:
		if b.Schedule == nil || b.Condition != nil {
			return apperr.New(apperr.KindValidation, "invalid rule body: schedule rules need exactly a schedule")
		}
	case RuleTypeConditional:
		if b.Condition == nil || b.Schedule != nil {
			return apperr.New(apperr.KindValidation, "invalid rule body: conditional rules need exactly a condition")
		}
	}
	return nil
}

// Location returns the schedule timezone name, defaulting to UTC.
func (s Schedule) Location() string {
	if strings.TrimSpace(s.Timezone) == "" {
		return "UTC"
	}
	return s.Timezone
}

// WindowDuration converts the condition window into a duration.
func (c Condition) WindowDuration() (time.Duration, error) {
	switch c.Window {
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "24h":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported window %q", c.Window)
}

// Pair returns the FX pair in canonical upper-case form ("EUR/USD" -> "EURUSD").
func (c Condition) Pair() string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "", "_", "").Replace(c.Metric))
}

// IsActive reports whether a rule may be triggered.
func (r Rule) IsActive() bool {
	return r.Status == RuleStatusActive
}
