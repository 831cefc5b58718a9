// Package condition evaluates FX-triggered rules against a simulated rate feed.
package condition

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"rule-engine/internal/oracle"
)

// BaseRates supplies the reference rate each simulated pair reverts to.
type BaseRates interface {
	Pairs() []string
	Rate(ctx context.Context, pair string) (oracle.FXQuote, error)
}

// Sample is one historical reading.
type Sample struct {
	At   time.Time `json:"at"`
	Rate float64   `json:"rate"`
}

// FXRate is the cached state of one pair.
type FXRate struct {
	Pair      string    `json:"pair"`
	Current   float64   `json:"current"`
	Base      float64   `json:"base"`
	UpdatedAt time.Time `json:"updated_at"`
	History   []Sample  `json:"history,omitempty"`
}

// FeedConfig tunes the simulation.
type FeedConfig struct {
	// Step is the interval between simulated samples.
	Step time.Duration
	// MaxMove bounds a single step as a fraction of the rate.
	MaxMove float64
	// Reversion is the fraction of the gap to the base rate closed per step.
	Reversion float64
	// MarketOpenHour and MarketCloseHour bound the volatile session in UTC.
	MarketOpenHour  int
	MarketCloseHour int
	// OffHoursVolatility scales moves outside the session.
	OffHoursVolatility float64
	Retention          time.Duration
}

// Feed simulates intraday FX movement: a bounded random walk that drifts back
// toward each pair's base rate, with 24h of history per pair.
type Feed struct {
	cfg   FeedConfig
	bases BaseRates
	log   *zap.SugaredLogger

	mu    sync.RWMutex
	rng   *rand.Rand
	rates map[string]*FXRate
}

// NewFeed builds a feed for the pairs of bases. rng may be nil.
func NewFeed(bases BaseRates, cfg FeedConfig, rng *rand.Rand, log *zap.SugaredLogger) *Feed {
	if cfg.Step <= 0 {
		cfg.Step = 2 * time.Minute
	}
	if cfg.MaxMove <= 0 {
		cfg.MaxMove = 0.002
	}
	if cfg.Reversion <= 0 {
		cfg.Reversion = 0.05
	}
	if cfg.MarketOpenHour == 0 && cfg.MarketCloseHour == 0 {
		cfg.MarketOpenHour, cfg.MarketCloseHour = 13, 21
	}
	if cfg.OffHoursVolatility <= 0 {
		cfg.OffHoursVolatility = 0.4
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Feed{cfg: cfg, bases: bases, rng: rng, rates: make(map[string]*FXRate), log: log.Named("fx-feed")}
}

// Seed loads base rates and back-fills a full retention window of history
// ending at now.
func (f *Feed) Seed(ctx context.Context, now time.Time) error {
	if f.bases == nil {
		return nil
	}
	quotes := make([]oracle.FXQuote, 0)
	for _, pair := range f.bases.Pairs() {
		q, err := f.bases.Rate(ctx, pair)
		if err != nil {
			f.log.Warnw("no base rate, pair not simulated", "pair", pair, "error", err)
			continue
		}
		quotes = append(quotes, q)
	}

	start := now.Add(-f.cfg.Retention)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range quotes {
		pair := q.Pair
		r := &FXRate{Pair: pair, Current: q.Rate, Base: q.Rate}
		for at := start; !at.After(now); at = at.Add(f.cfg.Step) {
			f.stepLocked(r, at)
		}
		f.rates[pair] = r
	}
	return nil
}

// Refresh advances every pair by one step at now, re-reading base rates when
// a base source is configured.
func (f *Feed) Refresh(ctx context.Context, now time.Time) {
	bases := map[string]float64{}
	if f.bases != nil {
		f.mu.RLock()
		pairs := make([]string, 0, len(f.rates))
		for p := range f.rates {
			pairs = append(pairs, p)
		}
		f.mu.RUnlock()
		for _, p := range pairs {
			if q, err := f.bases.Rate(ctx, p); err == nil && q.Rate > 0 {
				bases[p] = q.Rate
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for pair, r := range f.rates {
		if b, ok := bases[pair]; ok {
			r.Base = b
		}
		f.stepLocked(r, now)
	}
}

// Set records an observed rate for pair at at. Used to feed real readings in.
func (f *Feed) Set(pair string, rate float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rates[pair]
	if !ok {
		r = &FXRate{Pair: pair, Base: rate}
		f.rates[pair] = r
	}
	f.appendLocked(r, rate, at)
}

func (f *Feed) stepLocked(r *FXRate, at time.Time) {
	if len(r.History) == 0 {
		f.appendLocked(r, r.Current, at)
		return
	}
	vol := 1.0
	if !f.inSession(at) {
		vol = f.cfg.OffHoursVolatility
	}
	shock := (f.rng.Float64()*2 - 1) * f.cfg.MaxMove * vol
	pull := (r.Base - r.Current) / r.Current * f.cfg.Reversion
	move := math.Max(-f.cfg.MaxMove, math.Min(f.cfg.MaxMove, shock+pull))
	f.appendLocked(r, r.Current*(1+move), at)
}

func (f *Feed) appendLocked(r *FXRate, rate float64, at time.Time) {
	r.Current, r.UpdatedAt = rate, at
	r.History = append(r.History, Sample{At: at, Rate: rate})
	cutoff := at.Add(-f.cfg.Retention - f.cfg.Step)
	i := sort.Search(len(r.History), func(i int) bool { return !r.History[i].At.Before(cutoff) })
	if i > 0 {
		r.History = append(r.History[:0], r.History[i:]...)
	}
}

func (f *Feed) inSession(t time.Time) bool {
	h := t.UTC().Hour()
	open, shut := f.cfg.MarketOpenHour, f.cfg.MarketCloseHour
	if open <= shut {
		return h >= open && h < shut
	}
	return h >= open || h < shut
}

// Change returns the current rate of pair and its rate one window ago. With
// less history than the window the oldest sample is used.
func (f *Feed) Change(pair string, window time.Duration) (current, previous float64, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, found := f.rates[pair]
	if !found || len(r.History) == 0 {
		return 0, 0, false
	}
	target := r.UpdatedAt.Add(-window)
	// Latest sample at or before target.
	i := sort.Search(len(r.History), func(i int) bool { return r.History[i].At.After(target) })
	if i > 0 {
		i--
	}
	return r.Current, r.History[i].Rate, true
}

// Snapshot copies the current state of every pair without history.
func (f *Feed) Snapshot() map[string]FXRate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]FXRate, len(f.rates))
	for p, r := range f.rates {
		out[p] = FXRate{Pair: r.Pair, Current: r.Current, Base: r.Base, UpdatedAt: r.UpdatedAt}
	}
	return out
}
