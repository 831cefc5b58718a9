package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rule-engine/internal/models"
)

// Memory is an in-process Store with the same semantics as Postgres,
// including the unique idempotency key on executions.
type Memory struct {
	mu         sync.Mutex
	timeNow    func() time.Time
	users      map[string]models.User
	rules      map[string]models.Rule
	executions map[string]models.Execution
	byKey      map[string]string
	wallets    map[string]models.Wallet
	contacts   []models.Contact
	audit      []models.AuditLog
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock builds an empty in-memory store stamping rows with timeNow.
func NewMemoryWithClock(timeNow func() time.Time) *Memory {
	return &Memory{
		timeNow:    timeNow,
		users:      make(map[string]models.User),
		rules:      make(map[string]models.Rule),
		executions: make(map[string]models.Execution),
		byKey:      make(map[string]string),
		wallets:    make(map[string]models.Wallet),
	}
}

func (m *Memory) Close() {}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateUser(_ context.Context, u models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		m.users[u.ID] = u
	}
	return nil
}

func (m *Memory) CreateRule(_ context.Context, r models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.timeNow().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = models.RuleStatusActive
	}
	m.rules[r.ID] = r
	return nil
}

// Rule returns a copy of a rule. Test helper.
func (m *Memory) Rule(id string) (models.Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	return r, ok
}

func (m *Memory) GetRuleWithOwner(_ context.Context, id string) (models.Rule, models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return models.Rule{}, models.User{}, ruleNotFound(id)
	}
	u, ok := m.users[r.UserID]
	if !ok {
		return models.Rule{}, models.User{}, ruleNotFound(id)
	}
	return r, u, nil
}

func (m *Memory) filterRules(keep func(models.Rule) bool) []models.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Rule
	for _, r := range m.rules {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out
}

func (m *Memory) ListDueScheduleRules(_ context.Context, before time.Time) ([]models.Rule, error) {
	return m.filterRules(func(r models.Rule) bool {
		return r.Status == models.RuleStatusActive && r.Type == models.RuleTypeSchedule &&
			(r.NextRunAt == nil || !r.NextRunAt.After(before))
	}), nil
}

func (m *Memory) ListActiveConditionalRules(context.Context) ([]models.Rule, error) {
	return m.filterRules(func(r models.Rule) bool {
		return r.Status == models.RuleStatusActive && r.Type == models.RuleTypeConditional
	}), nil
}

func (m *Memory) ListAutoPausedDue(_ context.Context, now time.Time) ([]models.Rule, error) {
	return m.filterRules(func(r models.Rule) bool {
		return r.Status == models.RuleStatusPaused && slices.Contains(models.AutoPauseReasons, r.PauseReason) &&
			r.NextRunAt != nil && !r.NextRunAt.After(now)
	}), nil
}

func (m *Memory) updateRule(id string, fn func(*models.Rule)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ruleNotFound(id)
	}
	fn(&r)
	r.UpdatedAt = m.timeNow().UTC()
	m.rules[id] = r
	return nil
}

func (m *Memory) SetNextRunAt(_ context.Context, ruleID string, at time.Time) error {
	return m.updateRule(ruleID, func(r *models.Rule) { r.NextRunAt = &at })
}

func (m *Memory) SetRuleStatus(_ context.Context, ruleID, status string) error {
	return m.updateRule(ruleID, func(r *models.Rule) {
		r.Status = status
		if status != models.RuleStatusPaused {
			r.PauseReason = ""
		}
	})
}

func (m *Memory) PauseRule(_ context.Context, ruleID, reason string, until time.Time) error {
	return m.updateRule(ruleID, func(r *models.Rule) {
		r.Status = models.RuleStatusPaused
		r.PauseReason = reason
		r.NextRunAt = &until
	})
}

func (m *Memory) TouchLastRun(_ context.Context, ruleID string, at time.Time) error {
	return m.updateRule(ruleID, func(r *models.Rule) { r.LastRunAt = &at })
}

func (m *Memory) CountActiveRules(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rules {
		if r.Status == models.RuleStatusActive {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetExecutionByKey(_ context.Context, key string) (models.Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return models.Execution{}, false, nil
	}
	return m.executions[id], true, nil
}

func (m *Memory) CreateExecution(_ context.Context, e models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[e.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	now := m.timeNow().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	m.executions[e.ID] = e
	m.byKey[e.IdempotencyKey] = e.ID
	return nil
}

func (m *Memory) ClaimFailedExecution(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok || e.Status != models.ExecutionFailed {
		return false, nil
	}
	e.Status = models.ExecutionProcessing
	e.ErrorCategory, e.ErrorMessage = "", ""
	e.UpdatedAt = m.timeNow().UTC()
	m.executions[id] = e
	return true, nil
}

func (m *Memory) UpdateExecution(_ context.Context, id string, upd models.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil
	}
	if upd.Status != nil {
		e.Status = *upd.Status
	}
	if upd.Chain != nil {
		e.Chain = *upd.Chain
	}
	if upd.FeeUSD != nil {
		e.FeeUSD = *upd.FeeUSD
	}
	if upd.TxHash != nil {
		e.TxHash = *upd.TxHash
	}
	if upd.TransferID != nil {
		e.TransferID = *upd.TransferID
	}
	if upd.WalletID != nil {
		e.WalletID = *upd.WalletID
	}
	if upd.ErrorCategory != nil {
		e.ErrorCategory = *upd.ErrorCategory
	}
	if upd.ErrorMessage != nil {
		e.ErrorMessage = *upd.ErrorMessage
	}
	if upd.CompletedAt != nil {
		e.CompletedAt = upd.CompletedAt
	}
	e.UpdatedAt = m.timeNow().UTC()
	m.executions[id] = e
	return nil
}

// Executions returns every execution of a rule, oldest first. Test helper.
func (m *Memory) Executions(ruleID string) []models.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, e := range m.executions {
		if ruleID == "" || e.RuleID == ruleID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) LastExecutionForRule(_ context.Context, ruleID string) (models.Execution, bool, error) {
	all := m.Executions(ruleID)
	if len(all) == 0 {
		return models.Execution{}, false, nil
	}
	return all[len(all)-1], true, nil
}

func (m *Memory) countExecutions(keep func(models.Execution) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.executions {
		if keep(e) {
			n++
		}
	}
	return n
}

func (m *Memory) CountExecutionsByStatus(_ context.Context, status string) (int64, error) {
	return m.countExecutions(func(e models.Execution) bool { return e.Status == status }), nil
}

func (m *Memory) CountUserExecutionsSince(_ context.Context, userID string, since time.Time) (int64, error) {
	return m.countExecutions(func(e models.Execution) bool {
		return e.UserID == userID && !e.CreatedAt.Before(since)
	}), nil
}

func (m *Memory) SumRuleAmountSince(_ context.Context, ruleID string, since time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, e := range m.executions {
		if e.RuleID != ruleID || e.CreatedAt.Before(since) {
			continue
		}
		if e.Status == models.ExecutionCompleted || e.Status == models.ExecutionProcessing {
			sum = sum.Add(e.AmountUSD)
		}
	}
	return sum, nil
}

func (m *Memory) ExecutionStats(_ context.Context, since time.Time) (models.ExecutionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := models.ExecutionStats{VolumeUSD: decimal.Zero}
	var (
		durations float64
		finished  int
	)
	for _, e := range m.executions {
		if e.CreatedAt.Before(since) {
			continue
		}
		st.Total++
		switch e.Status {
		case models.ExecutionCompleted:
			st.Completed++
			st.VolumeUSD = st.VolumeUSD.Add(e.AmountUSD)
		case models.ExecutionFailed:
			st.Failed++
		case models.ExecutionProcessing:
			st.Processing++
		}
		if e.CompletedAt != nil {
			durations += e.CompletedAt.Sub(e.CreatedAt).Seconds()
			finished++
		}
	}
	if finished > 0 {
		st.AvgDurationSec = durations / float64(finished)
	}
	return st, nil
}

func walletKey(userID, chain string) string { return userID + "/" + chain }

func (m *Memory) FindWallet(_ context.Context, userID, chain string) (models.Wallet, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[walletKey(userID, chain)]
	return w, ok, nil
}

func (m *Memory) CreateWallet(_ context.Context, w models.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := walletKey(w.UserID, w.Chain)
	if _, ok := m.wallets[k]; ok {
		return ErrDuplicateKey
	}
	now := m.timeNow().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	m.wallets[k] = w
	return nil
}

func (m *Memory) UpdateWalletBalance(_ context.Context, id string, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, w := range m.wallets {
		if w.ID == id {
			w.BalanceUSD = balance
			w.UpdatedAt = m.timeNow().UTC()
			m.wallets[k] = w
		}
	}
	return nil
}

func (m *Memory) CreateContact(_ context.Context, c models.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = append(m.contacts, c)
	return nil
}

func (m *Memory) FindContactByName(_ context.Context, userID, name string) (models.Contact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contacts {
		if c.UserID == userID && strings.EqualFold(c.Name, name) {
			return c, true, nil
		}
	}
	return models.Contact{}, false, nil
}

func (m *Memory) AppendAudit(_ context.Context, entityID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{EntityID: entityID, Event: event, Detail: detail, Recorded: m.timeNow().UTC()})
	return nil
}

// Audit returns the audit trail. Test helper.
func (m *Memory) Audit() []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditLog, len(m.audit))
	copy(out, m.audit)
	return out
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
