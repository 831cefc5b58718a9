package oracle

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rule-engine/internal/router"
	"rule-engine/internal/safety"
)

// fallbackGasFees are network fees in USD used when the gas feed is unavailable.
var fallbackGasFees = map[string]decimal.Decimal{
	router.ChainEthereum:  decimal.RequireFromString("4.50"),
	router.ChainBase:      decimal.RequireFromString("0.05"),
	router.ChainArbitrum:  decimal.RequireFromString("0.10"),
	router.ChainPolygon:   decimal.RequireFromString("0.02"),
	router.ChainAvalanche: decimal.RequireFromString("0.25"),
	router.ChainSolana:    decimal.RequireFromString("0.01"),
}

// GasReading is a set of per-chain network fee estimates.
type GasReading struct {
	Fees      map[string]decimal.Decimal `json:"fees"`
	Source    string                     `json:"source"`
	Timestamp time.Time                  `json:"timestamp"`
}

// GasOracle serves network fee estimates per chain.
type GasOracle struct {
	fetch   *fetcher
	ctrl    *safety.Controller
	cache   *ttlCache[GasReading]
	timeNow func() time.Time
	log     *zap.SugaredLogger
}

// NewGasOracle builds a gas oracle. An empty cfg.URL serves the fallback table.
func NewGasOracle(cfg Config, ctrl *safety.Controller, log *zap.SugaredLogger) *GasOracle {
	return &GasOracle{
		fetch:   newFetcher(cfg),
		ctrl:    ctrl,
		cache:   newTTLCache[GasReading](cfg.CacheTTL),
		timeNow: time.Now,
		log:     orNop(log).Named("gas-oracle"),
	}
}

type gasFeedResponse struct {
	Fees map[string]decimal.Decimal `json:"fees"`
}

// FeeEstimates returns the current per-chain fees. It never fails: on any feed
// error or open circuit it serves the static table.
func (o *GasOracle) FeeEstimates(ctx context.Context) GasReading {
	now := o.timeNow()
	if r, ok := o.cache.get("fees", now); ok {
		r.Source = SourceCache
		return r
	}
	if o.fetch != nil {
		resp, err := protect(ctx, o.ctrl, safety.ServiceGasOracle, func(ctx context.Context) (gasFeedResponse, error) {
			var out gasFeedResponse
			err := o.fetch.getJSON(ctx, o.fetch.url, &out)
			return out, err
		})
		if err == nil && len(resp.Fees) > 0 {
			fees := copyFees(fallbackGasFees)
			for chain, fee := range resp.Fees {
				fees[router.Normalize(chain)] = fee
			}
			r := GasReading{Fees: fees, Source: SourceLive, Timestamp: now}
			o.cache.put("fees", r, now)
			return r
		}
		if err != nil {
			o.log.Warnw("gas feed unavailable, using fallback table", "error", err)
		}
	}
	return GasReading{Fees: copyFees(fallbackGasFees), Source: SourceFallback, Timestamp: now}
}

func copyFees(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
