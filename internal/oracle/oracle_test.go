package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rule-engine/internal/router"
	"rule-engine/internal/safety"
)

func TestGasOracleFallbackWithoutFeed(t *testing.T) {
	o := NewGasOracle(Config{}, nil, nil)
	r := o.FeeEstimates(context.Background())
	assert.Equal(t, SourceFallback, r.Source)
	assert.True(t, r.Fees[router.ChainEthereum].Equal(decimal.RequireFromString("4.50")))
}

func TestGasOracleLiveThenCached(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"fees":{"eth":"3.25","base":"0.04"}}`))
	}))
	defer srv.Close()

	ctrl := safety.NewController(safety.Config{}, nil)
	o := NewGasOracle(Config{URL: srv.URL, CacheTTL: time.Minute, RatePerSecond: 100}, ctrl, nil)

	r := o.FeeEstimates(context.Background())
	assert.Equal(t, SourceLive, r.Source)
	assert.True(t, r.Fees[router.ChainEthereum].Equal(decimal.RequireFromString("3.25")))
	assert.True(t, r.Fees[router.ChainPolygon].Equal(decimal.RequireFromString("0.02")), "missing chains keep fallback")

	r = o.FeeEstimates(context.Background())
	assert.Equal(t, SourceCache, r.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestFXOracleFallsBackAndTripsBreaker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	ctrl := safety.NewController(safety.Config{}, nil)
	o := NewFXOracle(Config{URL: srv.URL, RatePerSecond: 100}, ctrl, nil)

	for i := 0; i < 3; i++ {
		q, err := o.Rate(context.Background(), "eurusd")
		require.NoError(t, err)
		assert.Equal(t, SourceFallback, q.Source)
		assert.InDelta(t, 1.08, q.Rate, 1e-9)
	}
	// FX breaker opens after two failures; the third call never reaches the feed.
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.False(t, ctrl.IsServiceHealthy(safety.ServiceFXOracle))
}

func TestFXOracleLive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GBPUSD", r.URL.Query().Get("pair"))
		_, _ = w.Write([]byte(`{"rate":1.2642}`))
	}))
	defer srv.Close()

	o := NewFXOracle(Config{URL: srv.URL, RatePerSecond: 100}, nil, nil)
	q, err := o.Rate(context.Background(), "GBPUSD")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, q.Source)
	assert.InDelta(t, 1.2642, q.Rate, 1e-9)
}

func TestFXOracleUnknownPair(t *testing.T) {
	o := NewFXOracle(Config{}, nil, nil)
	_, err := o.Rate(context.Background(), "XAUBTC")
	assert.Error(t, err)
}
