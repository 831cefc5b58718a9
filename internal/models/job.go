package models

import (
	"encoding/json"
	"time"
)

// Queue names.
const (
	QueueExecuteRule    = "execute-rule"
	QueueConditionCheck = "condition-check"
	QueueMaintenance    = "maintenance"
)

// Job names, used to pick a handler.
const (
	JobExecuteRule    = "execute-rule"
	JobConditionCheck = "check-conditions"
	JobDLQCleanup     = "dlq-cleanup"
)

// Trigger sources recorded on executions.
const (
	TriggerSchedule  = "schedule"
	TriggerCondition = "condition"
	TriggerManual    = "manual"
	TriggerRetry     = "retry"
)

// ExecuteRulePayload is the data of an execute-rule job.
type ExecuteRulePayload struct {
	RuleID         string    `json:"rule_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Trigger        string    `json:"trigger"`
	ScheduledFor   time.Time `json:"scheduled_for"`
}

// Job is a unit of work as seen by a handler, whether it came from the broker
// or was dispatched inline.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	Priority    string          `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
}

// JobMeta is the metadata attached to failed jobs in the DLQ.
type JobMeta struct {
	UserID      string `json:"user_id,omitempty"`
	RuleID      string `json:"rule_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// DLQError is the recorded failure of a dead-lettered job.
type DLQError struct {
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DLQEntry is a durably stored failed job.
type DLQEntry struct {
	ID            string          `json:"id"`
	OriginalQueue string          `json:"original_queue"`
	JobName       string          `json:"job_name"`
	JobData       json.RawMessage `json:"job_data"`
	Error         DLQError        `json:"error"`
	Attempts      int             `json:"attempts"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastFailedAt  time.Time       `json:"last_failed_at"`
	CanRetry      bool            `json:"can_retry"`
	Metadata      JobMeta         `json:"metadata"`
}
