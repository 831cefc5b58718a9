package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rule-engine/internal/apperr"
	"rule-engine/internal/models"
	"rule-engine/internal/oracle"
	"rule-engine/internal/provider"
	"rule-engine/internal/ratelimit"
	"rule-engine/internal/router"
	"rule-engine/internal/safety"
	"rule-engine/internal/store"
	"rule-engine/internal/telemetry"
)

// Outcomes reported in Result.Status.
const (
	StatusDuplicate  = "duplicate"
	StatusCompleted  = "completed"
	StatusProcessing = "processing"
)

// FeeSource supplies live per-chain network fees.
type FeeSource interface {
	FeeEstimates(ctx context.Context) oracle.GasReading
}

// Limiter throttles transfers per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// ExecutorConfig tunes the execution pipeline.
type ExecutorConfig struct {
	BalanceBuffer          decimal.Decimal
	InsufficientFundsPause time.Duration
	RateLimitPause         time.Duration
}

// Deps are the collaborators of an Executor. Fees and Limiter are optional.
type Deps struct {
	Store    store.Store
	Provider provider.Provider
	Safety   *safety.Controller
	Fees     FeeSource
	Limiter  Limiter
}

// Result describes a finished execution job.
type Result struct {
	Status      string          `json:"status"`
	ExecutionID string          `json:"execution_id"`
	Chain       string          `json:"chain,omitempty"`
	FeeUSD      decimal.Decimal `json:"fee_usd"`
	TxHash      string          `json:"tx_hash,omitempty"`
}

// ExecutionError is returned for a failed execution. It carries enough context
// for the queue layer to file the failure.
type ExecutionError struct {
	Err         error
	RuleID      string
	UserID      string
	ExecutionID string
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

// Executor runs the rule-execution pipeline for one idempotency key.
type Executor struct {
	deps    Deps
	cfg     ExecutorConfig
	timeNow func() time.Time
	log     *zap.SugaredLogger
}

// NewExecutor builds an executor.
func NewExecutor(deps Deps, cfg ExecutorConfig, log *zap.SugaredLogger) *Executor {
	if cfg.InsufficientFundsPause <= 0 {
		cfg.InsufficientFundsPause = 24 * time.Hour
	}
	if cfg.RateLimitPause <= 0 {
		cfg.RateLimitPause = time.Hour
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{deps: deps, cfg: cfg, timeNow: time.Now, log: log.Named("executor")}
}

// WithClock overrides the time source.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.timeNow = now
	return e
}

// Handle is the execute-rule job handler.
func (e *Executor) Handle(ctx context.Context, job *models.Job) error {
	var p models.ExecuteRulePayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "decode execute-rule payload")
	}
	_, err := e.Execute(ctx, p)
	return err
}

// Execute runs the pipeline. A known idempotency key short-circuits with
// StatusDuplicate, except for a FAILED execution, which is claimed and run
// again. Any failure is recorded on the execution and rule before it is
// returned.
func (e *Executor) Execute(ctx context.Context, p models.ExecuteRulePayload) (Result, error) {
	st := e.deps.Store
	existing, found, err := st.GetExecutionByKey(ctx, p.IdempotencyKey)
	if err != nil {
		return Result{}, fmt.Errorf("lookup execution %s: %w", p.IdempotencyKey, err)
	}
	if found && existing.Status != models.ExecutionFailed {
		return e.duplicate(existing), nil
	}

	rule, user, err := st.GetRuleWithOwner(ctx, p.RuleID)
	if err != nil {
		return Result{}, err
	}
	if !rule.IsActive() {
		return Result{}, apperr.Newf(apperr.KindValidation, "rule %s is not active (status %s)", rule.ID, rule.Status)
	}

	var exec models.Execution
	if found {
		claimed, err := st.ClaimFailedExecution(ctx, existing.ID)
		if err != nil {
			return Result{}, fmt.Errorf("claim execution %s: %w", existing.ID, err)
		}
		if !claimed {
			return e.duplicate(existing), nil
		}
		exec = existing
		exec.Status = models.ExecutionProcessing
		e.log.Infow("re-running failed execution", "execution_id", exec.ID, "rule_id", rule.ID)
	} else {
		exec = models.Execution{
			ID:             uuid.NewString(),
			RuleID:         rule.ID,
			UserID:         user.ID,
			Status:         models.ExecutionProcessing,
			IdempotencyKey: p.IdempotencyKey,
			Trigger:        p.Trigger,
			AmountUSD:      rule.Body.Amount.Value,
			FeeUSD:         decimal.Zero,
		}
		if err := st.CreateExecution(ctx, exec); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				existing, _, _ := st.GetExecutionByKey(ctx, p.IdempotencyKey)
				return e.duplicate(existing), nil
			}
			return Result{}, fmt.Errorf("create execution: %w", err)
		}
	}
	e.audit(ctx, exec.ID, "execution_started", fmt.Sprintf("rule=%s trigger=%s", rule.ID, p.Trigger))

	res, err := e.run(ctx, &exec, rule, user)
	if err != nil {
		return res, e.fail(ctx, exec, rule, err)
	}
	telemetry.Executions.WithLabelValues(res.Status).Inc()
	return res, nil
}

func (e *Executor) duplicate(existing models.Execution) Result {
	telemetry.Executions.WithLabelValues(StatusDuplicate).Inc()
	e.log.Debugw("duplicate execution skipped", "execution_id", existing.ID, "key", existing.IdempotencyKey)
	return Result{Status: StatusDuplicate, ExecutionID: existing.ID, Chain: existing.Chain, FeeUSD: existing.FeeUSD, TxHash: existing.TxHash}
}

func (e *Executor) run(ctx context.Context, exec *models.Execution, rule models.Rule, user models.User) (Result, error) {
	st := e.deps.Store
	res := Result{Status: StatusProcessing, ExecutionID: exec.ID}
	amount := rule.Body.Amount.Value
	now := e.timeNow()

	if err := e.checkPolicy(ctx, exec, rule, user, now); err != nil {
		return res, err
	}

	flags := router.Flags{}
	if e.deps.Fees != nil {
		flags.FeeOverrides = e.deps.Fees.FeeEstimates(ctx).Fees
	}
	quote, err := router.QuoteCheapest(rule.Body, flags)
	if err != nil {
		return res, err
	}
	res.Chain, res.FeeUSD = quote.Chain, quote.FeeUSD
	exec.Chain, exec.FeeUSD = quote.Chain, quote.FeeUSD
	if err := st.UpdateExecution(ctx, exec.ID, models.ExecutionUpdate{Chain: &quote.Chain, FeeUSD: &quote.FeeUSD}); err != nil {
		return res, fmt.Errorf("persist quote: %w", err)
	}

	wallet, err := e.resolveWallet(ctx, user.ID, quote.Chain)
	if err != nil {
		return res, err
	}
	if err := st.UpdateExecution(ctx, exec.ID, models.ExecutionUpdate{WalletID: &wallet.ID}); err != nil {
		return res, fmt.Errorf("persist wallet: %w", err)
	}

	address, err := e.resolveDestination(ctx, user.ID, rule.Body.Destination)
	if err != nil {
		return res, err
	}
	valid, err := protectProvider(ctx, e.deps.Safety, func(ctx context.Context) (bool, error) {
		return e.deps.Provider.ValidateAddress(ctx, address, quote.Chain)
	})
	if err != nil {
		return res, err
	}
	if !valid {
		return res, apperr.Newf(apperr.KindInvalidAddress, "invalid destination address %q for %s", address, quote.Chain)
	}

	balance, err := protectProvider(ctx, e.deps.Safety, func(ctx context.Context) (decimal.Decimal, error) {
		return e.deps.Provider.RefreshWalletBalance(ctx, wallet.ProviderWalletID)
	})
	if err != nil {
		return res, err
	}
	if err := st.UpdateWalletBalance(ctx, wallet.ID, balance); err != nil {
		e.log.Warnw("failed to cache wallet balance", "wallet_id", wallet.ID, "error", err)
	}
	required := amount.Add(quote.FeeUSD).Add(e.cfg.BalanceBuffer)
	if balance.LessThan(required) {
		return res, apperr.Newf(apperr.KindInsufficientFunds,
			"Insufficient balance: have %s, need %s (amount %s + fee %s + buffer %s)",
			balance.StringFixed(2), required.StringFixed(2), amount, quote.FeeUSD, e.cfg.BalanceBuffer)
	}

	if e.deps.Safety != nil && !e.deps.Safety.IsSystemSafe() {
		return res, apperr.New(apperr.KindCircuitOpen, "critical services unhealthy, transfer not submitted")
	}
	transfer, err := protectProvider(ctx, e.deps.Safety, func(ctx context.Context) (provider.Transfer, error) {
		return e.deps.Provider.TransferUSDC(ctx, provider.TransferRequest{
			WalletID:           wallet.ProviderWalletID,
			DestinationAddress: address,
			Amount:             amount,
			Chain:              quote.Chain,
			IdempotencyKey:     exec.IdempotencyKey + "-transfer",
		})
	})
	if err != nil {
		return res, err
	}
	if transfer.Status == provider.TransferFailed {
		return res, apperr.Newf(apperr.KindSystem, "transfer %s failed at provider", transfer.ID)
	}
	res.TxHash = transfer.TxHash

	upd := models.ExecutionUpdate{TxHash: &transfer.TxHash, TransferID: &transfer.ID}
	if transfer.Status == provider.TransferComplete {
		done := e.timeNow().UTC()
		upd.Status = models.Ptr(models.ExecutionCompleted)
		upd.CompletedAt = &done
		res.Status = StatusCompleted
	}
	if err := st.UpdateExecution(ctx, exec.ID, upd); err != nil {
		return res, fmt.Errorf("persist transfer: %w", err)
	}
	if err := st.TouchLastRun(ctx, rule.ID, e.timeNow().UTC()); err != nil {
		e.log.Warnw("failed to update last run", "rule_id", rule.ID, "error", err)
	}
	e.audit(ctx, exec.ID, "transfer_submitted", fmt.Sprintf("chain=%s amount=%s status=%s tx=%s", quote.Chain, amount, transfer.Status, transfer.TxHash))
	e.log.Infow("execution finished",
		"execution_id", exec.ID, "rule_id", rule.ID, "chain", quote.Chain,
		"fee_usd", quote.FeeUSD.String(), "status", transfer.Status)
	return res, nil
}

// checkPolicy applies the safety policy, the rule's own limits, and the
// per-user transfer rate limit.
func (e *Executor) checkPolicy(ctx context.Context, exec *models.Execution, rule models.Rule, user models.User, now time.Time) error {
	st := e.deps.Store
	amount := rule.Body.Amount.Value
	today := store.StartOfDay(now)

	if e.deps.Safety != nil {
		concurrent, err := st.CountExecutionsByStatus(ctx, models.ExecutionProcessing)
		if err != nil {
			return fmt.Errorf("count processing executions: %w", err)
		}
		daily, err := st.CountUserExecutionsSince(ctx, user.ID, today)
		if err != nil {
			return fmt.Errorf("count daily executions: %w", err)
		}
		// Both counts include the execution being run.
		v := e.deps.Safety.ValidateExecution(safety.ExecutionRequest{
			AmountUSD:            amount,
			ConcurrentExecutions: int(max(concurrent-1, 0)),
			DailyExecutions:      int(max(daily-1, 0)),
		})
		if !v.Allowed {
			if slices.Contains(v.Reasons, safety.ReasonAmountExceeded) {
				return apperr.Newf(apperr.KindValidation, "execution rejected by safety policy: %v", v.Reasons)
			}
			return apperr.Newf(apperr.KindRateLimited, "execution rejected by safety policy: %v", v.Reasons)
		}
		if v.RequiresApproval {
			e.log.Warnw("execution above approval threshold", "execution_id", exec.ID, "amount", amount.String())
			e.audit(ctx, exec.ID, "approval_advised", "amount="+amount.String())
		}
	}

	limits := rule.Body.Limits
	if limits.MaxPerTxUSD.IsPositive() && amount.GreaterThan(limits.MaxPerTxUSD) {
		return apperr.Newf(apperr.KindValidation, "amount %s exceeds per-transaction limit %s", amount, limits.MaxPerTxUSD)
	}
	if limits.DailyCapUSD.IsPositive() {
		spent, err := st.SumRuleAmountSince(ctx, rule.ID, today)
		if err != nil {
			return fmt.Errorf("sum daily amount: %w", err)
		}
		if spent.GreaterThan(limits.DailyCapUSD) {
			return apperr.Newf(apperr.KindRateLimited, "daily cap %s reached (%s incl. this transfer)", limits.DailyCapUSD, spent)
		}
	}

	if e.deps.Limiter != nil {
		allowed, _, err := e.deps.Limiter.Allow(ctx, ratelimit.TransferKey(user.ID))
		switch {
		case err != nil:
			e.log.Warnw("transfer rate limiter unavailable, allowing", "user_id", user.ID, "error", err)
		case !allowed:
			telemetry.RateLimitRejects.Inc()
			return apperr.Newf(apperr.KindRateLimited, "rate limit exceeded for user %s", user.ID)
		}
	}
	return nil
}

func (e *Executor) resolveWallet(ctx context.Context, userID, chain string) (models.Wallet, error) {
	st := e.deps.Store
	w, ok, err := st.FindWallet(ctx, userID, chain)
	if err != nil {
		return models.Wallet{}, fmt.Errorf("find wallet: %w", err)
	}
	if ok {
		return w, nil
	}
	pw, err := protectProvider(ctx, e.deps.Safety, func(ctx context.Context) (provider.Wallet, error) {
		return e.deps.Provider.CreateWallet(ctx, userID, chain)
	})
	if err != nil {
		return models.Wallet{}, err
	}
	w = models.Wallet{
		ID:               uuid.NewString(),
		UserID:           userID,
		Chain:            chain,
		ProviderWalletID: pw.ID,
		Address:          pw.Address,
		BalanceUSD:       decimal.Zero,
	}
	if err := st.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Another execution created it first.
			w, _, err = st.FindWallet(ctx, userID, chain)
			return w, err
		}
		return models.Wallet{}, fmt.Errorf("create wallet: %w", err)
	}
	e.log.Infow("wallet created", "user_id", userID, "chain", chain, "wallet_id", w.ID)
	return w, nil
}

func (e *Executor) resolveDestination(ctx context.Context, userID string, d models.Destination) (string, error) {
	if d.Type != models.DestinationContact {
		return d.Value, nil
	}
	c, ok, err := e.deps.Store.FindContactByName(ctx, userID, d.Value)
	if err != nil {
		return "", fmt.Errorf("find contact: %w", err)
	}
	if !ok {
		return "", apperr.Newf(apperr.KindNotFound, "contact %q not found", d.Value)
	}
	return c.Address, nil
}

// protectProvider runs fn through the payment provider's breaker. Only system
// failures count against the breaker; business errors pass through untouched.
func protectProvider[T any](ctx context.Context, ctrl *safety.Controller, fn func(ctx context.Context) (T, error)) (T, error) {
	if ctrl == nil {
		return fn(ctx)
	}
	var business error
	v, err := safety.Call(ctx, ctrl, safety.ServiceCircleAPI, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil && apperr.KindOf(err) != apperr.KindSystem {
			business = err
			return v, nil
		}
		return v, err
	})
	if business != nil {
		return v, business
	}
	return v, err
}

func (e *Executor) fail(ctx context.Context, exec models.Execution, rule models.Rule, cause error) error {
	category := apperr.CategoryOf(cause)
	msg := cause.Error()
	upd := models.ExecutionUpdate{
		Status:        models.Ptr(models.ExecutionFailed),
		ErrorCategory: models.Ptr(string(category)),
		ErrorMessage:  &msg,
	}
	if err := e.deps.Store.UpdateExecution(ctx, exec.ID, upd); err != nil {
		e.log.Errorw("failed to record execution failure", "execution_id", exec.ID, "error", err)
	}

	var pause time.Duration
	var reason string
	switch category {
	case apperr.CategoryInsufficientFunds:
		pause, reason = e.cfg.InsufficientFundsPause, models.PauseReasonInsufficientFunds
	case apperr.CategoryRateLimited:
		pause, reason = e.cfg.RateLimitPause, models.PauseReasonRateLimited
	}
	if pause > 0 {
		until := e.timeNow().UTC().Add(pause)
		if err := e.deps.Store.PauseRule(ctx, rule.ID, reason, until); err != nil {
			e.log.Errorw("failed to pause rule", "rule_id", rule.ID, "error", err)
		} else {
			e.log.Warnw("rule paused", "rule_id", rule.ID, "reason", reason, "until", until)
			e.audit(ctx, rule.ID, "rule_paused", fmt.Sprintf("reason=%s until=%s", reason, until.Format(time.RFC3339)))
		}
	}

	telemetry.Executions.WithLabelValues("failed").Inc()
	telemetry.ExecutionErrors.WithLabelValues(string(category)).Inc()
	e.audit(ctx, exec.ID, "execution_failed", fmt.Sprintf("category=%s error=%s", category, msg))
	e.log.Warnw("execution failed", "execution_id", exec.ID, "rule_id", rule.ID, "category", category, "error", msg)
	return &ExecutionError{Err: cause, RuleID: rule.ID, UserID: rule.UserID, ExecutionID: exec.ID}
}

// audit never fails the caller.
func (e *Executor) audit(ctx context.Context, entityID, event, detail string) {
	if err := e.deps.Store.AppendAudit(ctx, entityID, event, detail); err != nil {
		e.log.Debugw("audit write failed", "entity_id", entityID, "event", event, "error", err)
	}
}
