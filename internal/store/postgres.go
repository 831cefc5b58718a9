package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"rule-engine/internal/models"
)

// Postgres wraps pgxpool for persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateUser inserts a user, ignoring an existing id.
func (s *Postgres) CreateUser(ctx context.Context, u models.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, u.ID, u.Email)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// CreateRule inserts a rule.
func (s *Postgres) CreateRule(ctx context.Context, r models.Rule) error {
	body, err := json.Marshal(r.Body)
	if err != nil {
		return fmt.Errorf("marshal rule body: %w", err)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.Status == "" {
		r.Status = models.RuleStatusActive
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rules (id, user_id, type, status, body, next_run_at, last_run_at, pause_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, r.ID, r.UserID, r.Type, r.Status, body, r.NextRunAt, r.LastRunAt, emptyToNil(r.PauseReason), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

const ruleColumns = `r.id, r.user_id, r.type, r.status, r.body, r.next_run_at, r.last_run_at, r.pause_reason, r.created_at, r.updated_at`

func scanRule(row pgx.Row, extra ...any) (models.Rule, error) {
	var (
		r      models.Rule
		body   []byte
		reason pgtype.Text
	)
	dest := append([]any{&r.ID, &r.UserID, &r.Type, &r.Status, &body, &r.NextRunAt, &r.LastRunAt, &reason, &r.CreatedAt, &r.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.Rule{}, err
	}
	if err := json.Unmarshal(body, &r.Body); err != nil {
		return models.Rule{}, fmt.Errorf("unmarshal rule body: %w", err)
	}
	r.PauseReason = reason.String
	return r, nil
}

// GetRuleWithOwner loads a rule with its owner.
func (s *Postgres) GetRuleWithOwner(ctx context.Context, id string) (models.Rule, models.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`, u.id, u.email
		FROM rules r JOIN users u ON u.id = r.user_id
		WHERE r.id = $1
	`, id)
	var u models.User
	r, err := scanRule(row, &u.ID, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Rule{}, models.User{}, ruleNotFound(id)
	}
	if err != nil {
		return models.Rule{}, models.User{}, fmt.Errorf("scan rule: %w", err)
	}
	return r, u, nil
}

func (s *Postgres) listRules(ctx context.Context, query string, args ...any) ([]models.Rule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	var out []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListDueScheduleRules returns active schedule rules never scheduled or due before the cutoff.
func (s *Postgres) ListDueScheduleRules(ctx context.Context, before time.Time) ([]models.Rule, error) {
	return s.listRules(ctx, `
		SELECT `+ruleColumns+` FROM rules r
		WHERE r.status = $1 AND r.type = $2 AND (r.next_run_at IS NULL OR r.next_run_at <= $3)
		ORDER BY r.next_run_at NULLS FIRST
	`, models.RuleStatusActive, models.RuleTypeSchedule, before)
}

// ListActiveConditionalRules returns every active conditional rule.
func (s *Postgres) ListActiveConditionalRules(ctx context.Context) ([]models.Rule, error) {
	return s.listRules(ctx, `
		SELECT `+ruleColumns+` FROM rules r
		WHERE r.status = $1 AND r.type = $2
		ORDER BY r.created_at
	`, models.RuleStatusActive, models.RuleTypeConditional)
}

// ListAutoPausedDue returns rules paused by automatic backoff whose pause has expired.
func (s *Postgres) ListAutoPausedDue(ctx context.Context, now time.Time) ([]models.Rule, error) {
	return s.listRules(ctx, `
		SELECT `+ruleColumns+` FROM rules r
		WHERE r.status = $1 AND r.pause_reason = ANY($2) AND r.next_run_at <= $3
	`, models.RuleStatusPaused, models.AutoPauseReasons, now)
}

func (s *Postgres) execRule(ctx context.Context, ruleID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{ruleID}, args...)...)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ruleNotFound(ruleID)
	}
	return nil
}

// SetNextRunAt persists the next scheduled occurrence.
func (s *Postgres) SetNextRunAt(ctx context.Context, ruleID string, at time.Time) error {
	return s.execRule(ctx, ruleID, `UPDATE rules SET next_run_at = $2, updated_at = NOW() WHERE id = $1`, at)
}

// SetRuleStatus changes a rule's status. Leaving PAUSED clears the pause reason.
func (s *Postgres) SetRuleStatus(ctx context.Context, ruleID, status string) error {
	return s.execRule(ctx, ruleID, `
		UPDATE rules
		SET status = $2,
		    pause_reason = CASE WHEN $2 = 'PAUSED' THEN pause_reason ELSE NULL END,
		    updated_at = NOW()
		WHERE id = $1
	`, status)
}

// PauseRule pauses a rule until the given time.
func (s *Postgres) PauseRule(ctx context.Context, ruleID, reason string, until time.Time) error {
	return s.execRule(ctx, ruleID, `
		UPDATE rules SET status = $2, pause_reason = $3, next_run_at = $4, updated_at = NOW()
		WHERE id = $1
	`, models.RuleStatusPaused, reason, until)
}

// TouchLastRun records the last execution time.
func (s *Postgres) TouchLastRun(ctx context.Context, ruleID string, at time.Time) error {
	return s.execRule(ctx, ruleID, `UPDATE rules SET last_run_at = $2, updated_at = NOW() WHERE id = $1`, at)
}

// CountActiveRules counts ACTIVE rules.
func (s *Postgres) CountActiveRules(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rules WHERE status = $1`, models.RuleStatusActive).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active rules: %w", err)
	}
	return n, nil
}

const executionColumns = `id, rule_id, user_id, status, idempotency_key, trigger, chain, fee_usd::text, amount_usd::text,
	tx_hash, transfer_id, wallet_id, error_category, error_message, created_at, updated_at, completed_at`

func scanExecution(row pgx.Row) (models.Execution, error) {
	var (
		e                                            models.Execution
		fee, amount                                  string
		chain, txHash, transferID, walletID, cat, msg pgtype.Text
	)
	err := row.Scan(&e.ID, &e.RuleID, &e.UserID, &e.Status, &e.IdempotencyKey, &e.Trigger, &chain, &fee, &amount,
		&txHash, &transferID, &walletID, &cat, &msg, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt)
	if err != nil {
		return models.Execution{}, err
	}
	if e.FeeUSD, err = decimal.NewFromString(fee); err != nil {
		return models.Execution{}, fmt.Errorf("parse fee: %w", err)
	}
	if e.AmountUSD, err = decimal.NewFromString(amount); err != nil {
		return models.Execution{}, fmt.Errorf("parse amount: %w", err)
	}
	e.Chain, e.TxHash, e.TransferID, e.WalletID = chain.String, txHash.String, transferID.String, walletID.String
	e.ErrorCategory, e.ErrorMessage = cat.String, msg.String
	return e, nil
}

func (s *Postgres) findExecution(ctx context.Context, where string, args ...any) (models.Execution, bool, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Execution{}, false, nil
	}
	if err != nil {
		return models.Execution{}, false, fmt.Errorf("scan execution: %w", err)
	}
	return e, true, nil
}

// GetExecutionByKey looks an execution up by idempotency key.
func (s *Postgres) GetExecutionByKey(ctx context.Context, key string) (models.Execution, bool, error) {
	return s.findExecution(ctx, `WHERE idempotency_key = $1`, key)
}

// LastExecutionForRule returns the most recently created execution of a rule.
func (s *Postgres) LastExecutionForRule(ctx context.Context, ruleID string) (models.Execution, bool, error) {
	return s.findExecution(ctx, `WHERE rule_id = $1 ORDER BY created_at DESC LIMIT 1`, ruleID)
}

// CreateExecution inserts an execution. The unique idempotency key maps to ErrDuplicateKey.
func (s *Postgres) CreateExecution(ctx context.Context, e models.Execution) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, rule_id, user_id, status, idempotency_key, trigger, chain, fee_usd, amount_usd, wallet_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11, $11)
	`, e.ID, e.RuleID, e.UserID, e.Status, e.IdempotencyKey, e.Trigger, emptyToNil(e.Chain),
		e.FeeUSD.String(), e.AmountUSD.String(), emptyToNil(e.WalletID), e.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ClaimFailedExecution moves a FAILED execution back to PROCESSING. Only one
// concurrent caller wins the claim.
func (s *Postgres) ClaimFailedExecution(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, error_category = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.ExecutionProcessing, models.ExecutionFailed)
	if err != nil {
		return false, fmt.Errorf("claim execution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateExecution applies the non-nil fields of upd.
func (s *Postgres) UpdateExecution(ctx context.Context, id string, upd models.ExecutionUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Chain != nil {
		add("chain", *upd.Chain)
	}
	if upd.FeeUSD != nil {
		args = append(args, upd.FeeUSD.String())
		sets = append(sets, fmt.Sprintf("fee_usd = $%d::numeric", len(args)))
	}
	if upd.TxHash != nil {
		add("tx_hash", *upd.TxHash)
	}
	if upd.TransferID != nil {
		add("transfer_id", *upd.TransferID)
	}
	if upd.WalletID != nil {
		add("wallet_id", *upd.WalletID)
	}
	if upd.ErrorCategory != nil {
		add("error_category", *upd.ErrorCategory)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}
	_, err := s.pool.Exec(ctx, `UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// CountExecutionsByStatus counts executions in a status.
func (s *Postgres) CountExecutionsByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM executions WHERE status = $1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// CountUserExecutionsSince counts a user's executions created since a time.
func (s *Postgres) CountUserExecutionsSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM executions WHERE user_id = $1 AND created_at >= $2
	`, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count user executions: %w", err)
	}
	return n, nil
}

// SumRuleAmountSince sums the amount of a rule's non-failed executions since a time.
func (s *Postgres) SumRuleAmountSince(ctx context.Context, ruleID string, since time.Time) (decimal.Decimal, error) {
	var sum string
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0)::text FROM executions
		WHERE rule_id = $1 AND created_at >= $2 AND status IN ($3, $4)
	`, ruleID, since, models.ExecutionCompleted, models.ExecutionProcessing).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("sum rule amount: %w", err)
	}
	return decimal.NewFromString(sum)
}

// ExecutionStats aggregates executions created since a time.
func (s *Postgres) ExecutionStats(ctx context.Context, since time.Time) (models.ExecutionStats, error) {
	var (
		st     models.ExecutionStats
		volume string
		avg    pgtype.Float8
	)
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE status = $3),
		       COUNT(*) FILTER (WHERE status = $4),
		       COALESCE(SUM(amount_usd) FILTER (WHERE status = $2), 0)::text,
		       AVG(EXTRACT(EPOCH FROM (completed_at - created_at))) FILTER (WHERE completed_at IS NOT NULL)
		FROM executions WHERE created_at >= $1
	`, since, models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionProcessing).
		Scan(&st.Total, &st.Completed, &st.Failed, &st.Processing, &volume, &avg)
	if err != nil {
		return models.ExecutionStats{}, fmt.Errorf("execution stats: %w", err)
	}
	if st.VolumeUSD, err = decimal.NewFromString(volume); err != nil {
		return models.ExecutionStats{}, fmt.Errorf("parse volume: %w", err)
	}
	if avg.Valid {
		st.AvgDurationSec = avg.Float64
	}
	return st, nil
}

// FindWallet returns the user's wallet on chain.
func (s *Postgres) FindWallet(ctx context.Context, userID, chain string) (models.Wallet, bool, error) {
	var (
		w       models.Wallet
		balance string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, chain, provider_wallet_id, address, balance_usd::text, created_at, updated_at
		FROM wallets WHERE user_id = $1 AND chain = $2
	`, userID, chain).Scan(&w.ID, &w.UserID, &w.Chain, &w.ProviderWalletID, &w.Address, &balance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Wallet{}, false, nil
	}
	if err != nil {
		return models.Wallet{}, false, fmt.Errorf("scan wallet: %w", err)
	}
	if w.BalanceUSD, err = decimal.NewFromString(balance); err != nil {
		return models.Wallet{}, false, fmt.Errorf("parse balance: %w", err)
	}
	return w, true, nil
}

// CreateWallet inserts a wallet. A concurrent insert for the same user and
// chain maps to ErrDuplicateKey.
func (s *Postgres) CreateWallet(ctx context.Context, w models.Wallet) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wallets (id, user_id, chain, provider_wallet_id, address, balance_usd)
		VALUES ($1, $2, $3, $4, $5, $6::numeric)
	`, w.ID, w.UserID, w.Chain, w.ProviderWalletID, w.Address, w.BalanceUSD.String())
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

// UpdateWalletBalance stores the latest known balance.
func (s *Postgres) UpdateWalletBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE wallets SET balance_usd = $2::numeric, updated_at = NOW() WHERE id = $1
	`, id, balance.String())
	if err != nil {
		return fmt.Errorf("update wallet balance: %w", err)
	}
	return nil
}

// CreateContact inserts an address book entry.
func (s *Postgres) CreateContact(ctx context.Context, c models.Contact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contacts (id, user_id, name, address, chain) VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.UserID, c.Name, c.Address, emptyToNil(c.Chain))
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// FindContactByName resolves a contact by case-insensitive name.
func (s *Postgres) FindContactByName(ctx context.Context, userID, name string) (models.Contact, bool, error) {
	var (
		c     models.Contact
		chain pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, address, chain FROM contacts
		WHERE user_id = $1 AND lower(name) = lower($2)
	`, userID, name).Scan(&c.ID, &c.UserID, &c.Name, &c.Address, &chain)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Contact{}, false, nil
	}
	if err != nil {
		return models.Contact{}, false, fmt.Errorf("scan contact: %w", err)
	}
	c.Chain = chain.String
	return c, true, nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, entityID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (entity_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, entityID, event, detail)
	return err
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
