package oracle

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"rule-engine/internal/safety"
)

// fallbackFXRates are base rates used when the FX feed is unavailable.
var fallbackFXRates = map[string]float64{
	"EURUSD": 1.08,
	"GBPUSD": 1.27,
	"USDJPY": 150.0,
	"USDCAD": 1.36,
	"AUDUSD": 0.66,
	"USDCHF": 0.88,
	"USDMXN": 17.1,
}

// FXQuote is one FX reading.
type FXQuote struct {
	Pair      string    `json:"pair"`
	Rate      float64   `json:"rate"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// FXOracle serves spot FX rates.
type FXOracle struct {
	fetch   *fetcher
	ctrl    *safety.Controller
	cache   *ttlCache[FXQuote]
	timeNow func() time.Time
	log     *zap.SugaredLogger
}

// NewFXOracle builds an FX oracle. An empty cfg.URL serves the fallback table.
func NewFXOracle(cfg Config, ctrl *safety.Controller, log *zap.SugaredLogger) *FXOracle {
	return &FXOracle{
		fetch:   newFetcher(cfg),
		ctrl:    ctrl,
		cache:   newTTLCache[FXQuote](cfg.CacheTTL),
		timeNow: time.Now,
		log:     orNop(log).Named("fx-oracle"),
	}
}

// Pairs lists the pairs with a fallback rate.
func (o *FXOracle) Pairs() []string {
	out := make([]string, 0, len(fallbackFXRates))
	for p := range fallbackFXRates {
		out = append(out, p)
	}
	return out
}

type fxFeedResponse struct {
	Rate float64 `json:"rate"`
}

// Rate returns the spot rate for pair, falling back to the static table on
// any feed error or open circuit. Unknown pairs without a live feed fail.
func (o *FXOracle) Rate(ctx context.Context, pair string) (FXQuote, error) {
	pair = strings.ToUpper(pair)
	now := o.timeNow()
	if q, ok := o.cache.get(pair, now); ok {
		q.Source = SourceCache
		return q, nil
	}
	if o.fetch != nil {
		resp, err := protect(ctx, o.ctrl, safety.ServiceFXOracle, func(ctx context.Context) (fxFeedResponse, error) {
			var out fxFeedResponse
			u := o.fetch.url + "?pair=" + url.QueryEscape(pair)
			err := o.fetch.getJSON(ctx, u, &out)
			if err == nil && out.Rate <= 0 {
				err = fmt.Errorf("feed returned non-positive rate for %s", pair)
			}
			return out, err
		})
		if err == nil {
			q := FXQuote{Pair: pair, Rate: resp.Rate, Source: SourceLive, Timestamp: now}
			o.cache.put(pair, q, now)
			return q, nil
		}
		o.log.Warnw("fx feed unavailable, using fallback table", "pair", pair, "error", err)
	}
	if r, ok := fallbackFXRates[pair]; ok {
		return FXQuote{Pair: pair, Rate: r, Source: SourceFallback, Timestamp: now}, nil
	}
	return FXQuote{}, fmt.Errorf("no rate available for %s", pair)
}
