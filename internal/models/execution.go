package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Execution statuses.
const (
	ExecutionPending    = "PENDING"
	ExecutionProcessing = "PROCESSING"
	ExecutionCompleted  = "COMPLETED"
	ExecutionFailed     = "FAILED"
	ExecutionCancelled  = "CANCELLED"
)

// Execution is one attempt to fire a Rule.
type Execution struct {
	ID             string          `json:"id"`
	RuleID         string          `json:"rule_id"`
	UserID         string          `json:"user_id"`
	Status         string          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	Trigger        string          `json:"trigger"`
	Chain          string          `json:"chain,omitempty"`
	FeeUSD         decimal.Decimal `json:"fee_usd"`
	AmountUSD      decimal.Decimal `json:"amount_usd"`
	TxHash         string          `json:"tx_hash,omitempty"`
	TransferID     string          `json:"transfer_id,omitempty"`
	WalletID       string          `json:"wallet_id,omitempty"`
	ErrorCategory  string          `json:"error_category,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionUpdate carries the mutable columns of an Execution. Nil fields are left unchanged.
type ExecutionUpdate struct {
	Status        *string
	Chain         *string
	FeeUSD        *decimal.Decimal
	TxHash        *string
	TransferID    *string
	WalletID      *string
	ErrorCategory *string
	ErrorMessage  *string
	CompletedAt   *time.Time
}

// ExecutionStats aggregates executions since a point in time.
type ExecutionStats struct {
	Total          int64
	Completed      int64
	Failed         int64
	Processing     int64
	VolumeUSD      decimal.Decimal
	AvgDurationSec float64
}

// Wallet is a per-user, per-chain custodial wallet at the payment provider.
type Wallet struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Chain            string          `json:"chain"`
	ProviderWalletID string          `json:"provider_wallet_id"`
	Address          string          `json:"address"`
	BalanceUSD       decimal.Decimal `json:"balance_usd"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Contact is a named address book entry of a user.
type Contact struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Chain   string `json:"chain,omitempty"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	EntityID string    `json:"entity_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Ptr returns a pointer to v. Used to build partial updates.
func Ptr[T any](v T) *T { return &v }
