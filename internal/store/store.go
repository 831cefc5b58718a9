// Package store persists rules, executions, wallets, contacts and the audit
// trail. Postgres is the system of record; Memory backs tests and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"rule-engine/internal/apperr"
	"rule-engine/internal/models"
)

// ErrDuplicateKey is returned when an execution's idempotency key is taken.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// Store is the persistence contract shared by Postgres and Memory.
type Store interface {
	CreateUser(ctx context.Context, u models.User) error
	CreateRule(ctx context.Context, r models.Rule) error
	GetRuleWithOwner(ctx context.Context, id string) (models.Rule, models.User, error)
	ListDueScheduleRules(ctx context.Context, before time.Time) ([]models.Rule, error)
	ListActiveConditionalRules(ctx context.Context) ([]models.Rule, error)
	ListAutoPausedDue(ctx context.Context, now time.Time) ([]models.Rule, error)
	SetNextRunAt(ctx context.Context, ruleID string, at time.Time) error
	SetRuleStatus(ctx context.Context, ruleID, status string) error
	PauseRule(ctx context.Context, ruleID, reason string, until time.Time) error
	TouchLastRun(ctx context.Context, ruleID string, at time.Time) error
	CountActiveRules(ctx context.Context) (int64, error)

	GetExecutionByKey(ctx context.Context, key string) (models.Execution, bool, error)
	CreateExecution(ctx context.Context, e models.Execution) error
	ClaimFailedExecution(ctx context.Context, id string) (bool, error)
	UpdateExecution(ctx context.Context, id string, upd models.ExecutionUpdate) error
	LastExecutionForRule(ctx context.Context, ruleID string) (models.Execution, bool, error)
	CountExecutionsByStatus(ctx context.Context, status string) (int64, error)
	CountUserExecutionsSince(ctx context.Context, userID string, since time.Time) (int64, error)
	SumRuleAmountSince(ctx context.Context, ruleID string, since time.Time) (decimal.Decimal, error)
	ExecutionStats(ctx context.Context, since time.Time) (models.ExecutionStats, error)

	FindWallet(ctx context.Context, userID, chain string) (models.Wallet, bool, error)
	CreateWallet(ctx context.Context, w models.Wallet) error
	UpdateWalletBalance(ctx context.Context, id string, balance decimal.Decimal) error

	CreateContact(ctx context.Context, c models.Contact) error
	FindContactByName(ctx context.Context, userID, name string) (models.Contact, bool, error)

	AppendAudit(ctx context.Context, entityID, event, detail string) error
	Ping(ctx context.Context) error
	Close()
}

func ruleNotFound(id string) error {
	return apperr.Newf(apperr.KindNotFound, "rule %s not found", id)
}

// StartOfDay returns midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
