package provider

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rule-engine/internal/apperr"
	"rule-engine/internal/router"
)

// SimulatedConfig configures the in-process provider.
type SimulatedConfig struct {
	APIKey         string
	InitialBalance decimal.Decimal
	// FinalStatus is the status returned for accepted transfers. Defaults to complete.
	FinalStatus string
}

// Simulated is an in-memory provider that behaves like a custodial wallet API.
type Simulated struct {
	cfg SimulatedConfig

	mu        sync.Mutex
	wallets   map[string]*simWallet
	transfers map[string]Transfer
	log       []Transfer
	failWith  error
}

type simWallet struct {
	Wallet
	balance decimal.Decimal
}

// NewSimulated builds a simulated provider.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.FinalStatus == "" {
		cfg.FinalStatus = TransferComplete
	}
	return &Simulated{
		cfg:       cfg,
		wallets:   make(map[string]*simWallet),
		transfers: make(map[string]Transfer),
	}
}

// CreateWallet opens a wallet funded with the configured initial balance.
func (s *Simulated) CreateWallet(_ context.Context, userID, chain string) (Wallet, error) {
	chain = router.Normalize(chain)
	if !router.IsSupported(chain) {
		return Wallet{}, apperr.Newf(apperr.KindValidation, "unsupported chain %q", chain)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWith; err != nil {
		return Wallet{}, err
	}
	w := &simWallet{
		Wallet: Wallet{
			ID:      uuid.NewString(),
			UserID:  userID,
			Chain:   chain,
			Address: newAddress(chain),
		},
		balance: s.cfg.InitialBalance,
	}
	s.wallets[w.ID] = w
	return w.Wallet, nil
}

// ValidateAddress checks the address format for chain.
func (s *Simulated) ValidateAddress(_ context.Context, address, chain string) (bool, error) {
	s.mu.Lock()
	err := s.failWith
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return ValidAddress(address, chain), nil
}

// EstimateTransferTime returns the chain's typical settlement time.
func (s *Simulated) EstimateTransferTime(chain string) time.Duration {
	return router.ETA(chain)
}

// RefreshWalletBalance returns the current balance of walletID.
func (s *Simulated) RefreshWalletBalance(_ context.Context, walletID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWith; err != nil {
		return decimal.Zero, err
	}
	w, ok := s.wallets[walletID]
	if !ok {
		return decimal.Zero, apperr.Newf(apperr.KindNotFound, "wallet %s not found", walletID)
	}
	return w.balance, nil
}

// TransferUSDC debits the wallet. Repeating an idempotency key returns the
// original transfer without moving funds again.
func (s *Simulated) TransferUSDC(_ context.Context, req TransferRequest) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWith; err != nil {
		return Transfer{}, err
	}
	if req.IdempotencyKey != "" {
		if t, ok := s.transfers[req.IdempotencyKey]; ok {
			return t, nil
		}
	}
	w, ok := s.wallets[req.WalletID]
	if !ok {
		return Transfer{}, apperr.Newf(apperr.KindNotFound, "wallet %s not found", req.WalletID)
	}
	if !req.Amount.IsPositive() {
		return Transfer{}, apperr.New(apperr.KindValidation, "transfer amount must be positive")
	}
	if !ValidAddress(req.DestinationAddress, req.Chain) {
		return Transfer{}, apperr.Newf(apperr.KindInvalidAddress, "invalid destination address %q for %s", req.DestinationAddress, req.Chain)
	}
	if w.balance.LessThan(req.Amount) {
		return Transfer{}, apperr.Newf(apperr.KindInsufficientFunds, "insufficient balance: have %s need %s", w.balance, req.Amount)
	}
	w.balance = w.balance.Sub(req.Amount)

	t := Transfer{
		ID:             uuid.NewString(),
		WalletID:       req.WalletID,
		Destination:    req.DestinationAddress,
		Amount:         req.Amount,
		Chain:          router.Normalize(req.Chain),
		Status:         s.cfg.FinalStatus,
		TxHash:         newTxHash(req.Chain),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if req.IdempotencyKey != "" {
		s.transfers[req.IdempotencyKey] = t
	}
	s.log = append(s.log, t)
	return t, nil
}

// Fund sets the balance of a wallet.
func (s *Simulated) Fund(walletID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "wallet %s not found", walletID)
	}
	w.balance = balance
	return nil
}

// SetInitialBalance changes the balance given to wallets created from now on.
func (s *Simulated) SetInitialBalance(balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.InitialBalance = balance
}

// FailWith makes every call return err until cleared with nil.
func (s *Simulated) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Transfers returns every accepted transfer in submission order.
func (s *Simulated) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transfer, len(s.log))
	copy(out, s.log)
	return out
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func randomBase58(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	var b strings.Builder
	for _, c := range buf {
		b.WriteByte(base58Alphabet[int(c)%len(base58Alphabet)])
	}
	return b.String()
}

func randomHex(nBytes int) string {
	buf := make([]byte, nBytes)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func newAddress(chain string) string {
	if chain == router.ChainSolana {
		return randomBase58(44)
	}
	return "0x" + randomHex(20)
}

func newTxHash(chain string) string {
	if router.Normalize(chain) == router.ChainSolana {
		return randomBase58(88)
	}
	return "0x" + randomHex(32)
}
