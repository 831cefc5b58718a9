// Package provider is the payment-provider boundary: custodial wallets and
// USDC transfers.
package provider

import (
	"context"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"rule-engine/internal/router"
)

// Transfer statuses reported by the provider.
const (
	TransferComplete = "complete"
	TransferPending  = "pending"
	TransferRunning  = "running"
	TransferFailed   = "failed"
)

// Wallet is a wallet as known to the provider.
type Wallet struct {
	ID      string
	UserID  string
	Chain   string
	Address string
}

// TransferRequest is a USDC transfer out of a provider wallet.
type TransferRequest struct {
	WalletID           string
	DestinationAddress string
	Amount             decimal.Decimal
	Chain              string
	IdempotencyKey     string
}

// Transfer is the provider's view of a submitted transfer.
type Transfer struct {
	ID             string          `json:"id"`
	WalletID       string          `json:"wallet_id"`
	Destination    string          `json:"destination"`
	Amount         decimal.Decimal `json:"amount"`
	Chain          string          `json:"chain"`
	Status         string          `json:"status"`
	TxHash         string          `json:"tx_hash,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Provider is implemented by payment backends.
type Provider interface {
	CreateWallet(ctx context.Context, userID, chain string) (Wallet, error)
	TransferUSDC(ctx context.Context, req TransferRequest) (Transfer, error)
	ValidateAddress(ctx context.Context, address, chain string) (bool, error)
	EstimateTransferTime(chain string) time.Duration
	RefreshWalletBalance(ctx context.Context, walletID string) (decimal.Decimal, error)
}

var (
	evmAddress    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	solanaAddress = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// ValidAddress reports whether address is well-formed for chain.
func ValidAddress(address, chain string) bool {
	if router.Normalize(chain) == router.ChainSolana {
		return solanaAddress.MatchString(address)
	}
	return evmAddress.MatchString(address)
}
