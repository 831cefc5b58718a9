// Package router quotes transfer fees and ETAs per chain. It performs no I/O.
package router

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rule-engine/internal/apperr"
	"rule-engine/internal/models"
)

// Supported chains.
const (
	ChainEthereum  = "ethereum"
	ChainBase      = "base"
	ChainArbitrum  = "arbitrum"
	ChainPolygon   = "polygon"
	ChainAvalanche = "avalanche"
	ChainSolana    = "solana"
)

// ChainProfile is the static cost model of a chain.
type ChainProfile struct {
	Chain      string
	NetworkFee decimal.Decimal // flat USD fee per transfer
	FeeBps     int64           // provider fee in basis points of the amount
	ETA        time.Duration
}

var profiles = map[string]ChainProfile{
	ChainEthereum:  {Chain: ChainEthereum, NetworkFee: decimal.RequireFromString("4.50"), FeeBps: 0, ETA: 5 * time.Minute},
	ChainBase:      {Chain: ChainBase, NetworkFee: decimal.RequireFromString("0.05"), FeeBps: 1, ETA: 30 * time.Second},
	ChainArbitrum:  {Chain: ChainArbitrum, NetworkFee: decimal.RequireFromString("0.10"), FeeBps: 1, ETA: time.Minute},
	ChainPolygon:   {Chain: ChainPolygon, NetworkFee: decimal.RequireFromString("0.02"), FeeBps: 2, ETA: 2 * time.Minute},
	ChainAvalanche: {Chain: ChainAvalanche, NetworkFee: decimal.RequireFromString("0.25"), FeeBps: 1, ETA: 45 * time.Second},
	ChainSolana:    {Chain: ChainSolana, NetworkFee: decimal.RequireFromString("0.01"), FeeBps: 3, ETA: 15 * time.Second},
}

// SupportedChains returns every chain the router knows, sorted.
func SupportedChains() []string {
	out := make([]string, 0, len(profiles))
	for c := range profiles {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// IsSupported reports whether chain has a cost profile.
func IsSupported(chain string) bool {
	_, ok := profiles[normalize(chain)]
	return ok
}

// Flags tune a quote.
type Flags struct {
	// FeeOverrides replaces the static network fee per chain, typically with
	// live estimates from the gas oracle.
	FeeOverrides map[string]decimal.Decimal
	// PreferSpeed picks the fastest chain regardless of the rule's routing.
	PreferSpeed bool
}

// Quote is the estimated cost of sending the rule amount over one chain.
type Quote struct {
	Chain  string          `json:"chain"`
	FeeUSD decimal.Decimal `json:"fee_usd"`
	ETA    time.Duration   `json:"eta"`
}

// QuoteAll returns a quote for every allowed, supported chain, cheapest first.
func QuoteAll(body models.RuleBody, flags Flags) ([]Quote, error) {
	chains := body.Routing.AllowedChains
	if len(chains) == 0 {
		chains = SupportedChains()
	}

	seen := make(map[string]bool, len(chains))
	quotes := make([]Quote, 0, len(chains))
	for _, c := range chains {
		c = normalize(c)
		p, ok := profiles[c]
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		network := p.NetworkFee
		if v, ok := flags.FeeOverrides[c]; ok && !v.IsNegative() {
			network = v
		}
		fee := network.Add(body.Amount.Value.Mul(decimal.NewFromInt(p.FeeBps)).Div(decimal.NewFromInt(10000)))
		quotes = append(quotes, Quote{Chain: c, FeeUSD: fee.Round(6), ETA: p.ETA})
	}
	if len(quotes) == 0 {
		return nil, apperr.Newf(apperr.KindValidation, "no supported chain among allowed chains %v", body.Routing.AllowedChains)
	}

	sort.SliceStable(quotes, func(i, j int) bool { return cheaper(quotes[i], quotes[j]) })
	return quotes, nil
}

// QuoteCheapest picks the best chain for the rule: lowest fee by default, or
// lowest ETA when the rule optimises for speed.
func QuoteCheapest(body models.RuleBody, flags Flags) (Quote, error) {
	quotes, err := QuoteAll(body, flags)
	if err != nil {
		return Quote{}, err
	}
	if flags.PreferSpeed || body.Routing.Optimize == "speed" {
		sort.SliceStable(quotes, func(i, j int) bool { return faster(quotes[i], quotes[j]) })
	}
	return quotes[0], nil
}

func cheaper(a, b Quote) bool {
	if !a.FeeUSD.Equal(b.FeeUSD) {
		return a.FeeUSD.LessThan(b.FeeUSD)
	}
	if a.ETA != b.ETA {
		return a.ETA < b.ETA
	}
	return a.Chain < b.Chain
}

func faster(a, b Quote) bool {
	if a.ETA != b.ETA {
		return a.ETA < b.ETA
	}
	return cheaper(a, b)
}

func normalize(chain string) string {
	c := strings.ToLower(strings.TrimSpace(chain))
	switch c {
	case "eth":
		return ChainEthereum
	case "arb":
		return ChainArbitrum
	case "matic":
		return ChainPolygon
	case "avax":
		return ChainAvalanche
	case "sol":
		return ChainSolana
	}
	return c
}

// Normalize maps chain aliases (eth, matic, ...) to canonical names.
func Normalize(chain string) string { return normalize(chain) }

// ETA returns the typical settlement time of chain, or zero when unknown.
func ETA(chain string) time.Duration {
	return profiles[normalize(chain)].ETA
}
