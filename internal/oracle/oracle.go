// Package oracle fetches gas-fee and FX data from external feeds behind the
// safety controller, caching results and falling back to static tables.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rule-engine/internal/safety"
)

// Data sources reported with every reading.
const (
	SourceLive     = "live"
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// Config configures the HTTP-backed oracles.
type Config struct {
	URL      string
	CacheTTL time.Duration
	Timeout  time.Duration
	// RatePerSecond bounds outbound requests to the feed.
	RatePerSecond float64
}

type fetcher struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

func newFetcher(cfg Config) *fetcher {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 1
	}
	return &fetcher{
		url:     cfg.URL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (f *fetcher) getJSON(ctx context.Context, url string, out any) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("fetch feed: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode feed: %w", err)
	}
	return nil
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

type ttlCache[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry[T]
}

func newTTLCache[T any](ttl time.Duration) *ttlCache[T] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ttlCache[T]{ttl: ttl, entries: make(map[string]cacheEntry[T])}
}

func (c *ttlCache[T]) get(key string, now time.Time) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || now.After(e.expires) {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[T]) put(key string, v T, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[T]{value: v, expires: now.Add(c.ttl)}
}

func orNop(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return zap.NewNop().Sugar()
	}
	return log
}

// protect is the single path to the network for both oracles.
func protect[T any](ctx context.Context, ctrl *safety.Controller, service string, op func(ctx context.Context) (T, error)) (T, error) {
	if ctrl == nil {
		return op(ctx)
	}
	return safety.Call(ctx, ctrl, service, op)
}
